// Package authfix normalizes login submissions that some mobile browsers
// send to the wrong place. Autofill and native-form quirks (iOS Safari in
// particular) occasionally turn the login form into a GET with credentials
// in the query string, or POST it to the generic /login page instead of
// the upstream's authentication endpoint.
package authfix

import (
	"net/http"
	"net/url"
)

const (
	// LoginPath is the generic login page path misdirected submissions hit.
	LoginPath = "/login"
	// AuthEndpoint is the upstream's canonical authentication endpoint.
	AuthEndpoint = "/security/login"

	// Field names the upstream authentication endpoint expects.
	FieldUsername = "sportmanager_security[username]"
	FieldPassword = "sportmanager_security[password]"

	simpleUsername = "username"
	simplePassword = "password"
)

// Rewrite describes how a misdirected login submission must be forwarded.
type Rewrite struct {
	Path        string
	Method      string
	Body        string
	ContentType string
}

// Detect inspects a request to the generic login path for an
// authentication-shaped payload: either the upstream's fully-qualified
// username field, or a simple username/password pair. It returns nil for
// anything that is not login-shaped. Applying the returned rewrite yields
// a request Detect no longer matches, so the transform is idempotent.
func Detect(method, path, rawQuery string, body []byte) *Rewrite {
	if path != LoginPath {
		return nil
	}

	var raw string
	switch method {
	case http.MethodGet:
		raw = rawQuery
	case http.MethodPost:
		raw = string(body)
	default:
		return nil
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil
	}
	if !isAuthShaped(values) {
		return nil
	}

	return &Rewrite{
		Path:        AuthEndpoint,
		Method:      http.MethodPost,
		Body:        translate(values).Encode(),
		ContentType: "application/x-www-form-urlencoded",
	}
}

func isAuthShaped(values url.Values) bool {
	if values.Has(FieldUsername) {
		return true
	}
	return values.Has(simpleUsername) && values.Has(simplePassword)
}

// translate maps the simple username/password pair onto the upstream's
// field names. Fields already in upstream form, and any unrelated fields,
// pass through untouched.
func translate(values url.Values) url.Values {
	out := url.Values{}
	for key, vals := range values {
		switch key {
		case simpleUsername:
			if !values.Has(FieldUsername) {
				out[FieldUsername] = vals
			}
		case simplePassword:
			if !values.Has(FieldPassword) {
				out[FieldPassword] = vals
			}
		default:
			out[key] = vals
		}
	}
	return out
}
