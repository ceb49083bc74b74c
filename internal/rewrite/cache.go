package rewrite

import (
	"bytes"
	"net/http"
	"strings"
)

// dynamicContentPrefixes classify response bodies that may encode
// authenticated state and must never be cached along the way.
var dynamicContentPrefixes = []string{
	"text/html",
	"application/json",
	"application/xml",
	"text/xml",
	"text/plain",
	"application/x-www-form-urlencoded",
}

// staleSessionMarker is the upstream login form field. When it shows up in
// a response to a non-login path, the upstream dumped the client back on
// the login page, i.e. the session it presented is dead.
var staleSessionMarker = []byte("sportmanager_security[username]")

// IsDynamicContent reports whether a Content-Type carries dynamic,
// possibly-authenticated state.
func IsDynamicContent(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range dynamicContentPrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// EnforceCache returns a copy of in with caching semantics stripped from
// dynamic responses: validators removed, no-store forced. Static content
// passes through unchanged. When staleSession is set a diagnostic header
// is attached for operators; status and body are never touched here.
func EnforceCache(in http.Header, staleSession bool) http.Header {
	out := in.Clone()
	if IsDynamicContent(out.Get("Content-Type")) {
		out.Del("ETag")
		out.Del("Last-Modified")
		out.Set("Cache-Control", "no-store, no-cache, must-revalidate")
		out.Set("Pragma", "no-cache")
		out.Set("Expires", "0")
	}
	if staleSession {
		out.Set("X-Session-Expired", "true")
	}
	return out
}

// DetectStaleSession reports whether an upstream response to a non-login
// path rendered the login form, which means the upstream considered the
// session invalid or expired.
func DetectStaleSession(requestPath, contentType string, body []byte) bool {
	if requestPath == "/login" || strings.HasPrefix(requestPath, "/security/login") {
		return false
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		return false
	}
	return bytes.Contains(body, staleSessionMarker)
}
