package lockout

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
)

// loginFormMarker appears in the upstream's rendered login form. Seeing it
// in a 200 response to an authentication attempt means the upstream
// re-rendered the form, i.e. the credentials were rejected.
var loginFormMarker = []byte("sportmanager_security[username]")

// Classify maps the upstream's response to an authentication attempt onto
// an Outcome. It works on status, redirect target and a buffered copy of
// the body; the copy handed to the browser is never consumed here.
func Classify(status int, location string, body []byte) Outcome {
	if status >= 300 && status < 400 {
		return classifyRedirect(location)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return OutcomeFailure
	case http.StatusOK:
		if bytes.Contains(body, loginFormMarker) {
			return OutcomeFailure
		}
		return OutcomeInconclusive
	default:
		return OutcomeInconclusive
	}
}

func classifyRedirect(location string) Outcome {
	if location == "" {
		return OutcomeInconclusive
	}
	u, err := url.Parse(location)
	if err != nil {
		return OutcomeInconclusive
	}
	path := u.Path
	if path == "/login" || strings.HasPrefix(path, "/security/login") {
		return OutcomeFailure
	}
	// A redirect that leaves the login namespace means the upstream
	// accepted the session.
	return OutcomeSuccess
}
