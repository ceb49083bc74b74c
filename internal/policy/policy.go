package policy

import (
	"net/url"
	"strings"
)

// Exact-match paths that are always proxyable when origin policy passes.
var exactPaths = map[string]bool{
	"/":       true,
	"/login":  true,
	"/logout": true,
}

// Prefix-match namespaces of the upstream application. Anything outside
// these never reaches the upstream.
var pathPrefixes = []string{
	"/sportmanager.volleyball",
	"/security",
	"/dashboard",
	"/admin",
	"/exchange",
}

// IsAllowedOrigin reports whether origin is in the allow-list. An absent
// Origin header fails closed. Comparison is case-insensitive with the
// trailing slash stripped; allow-list entries are already normalized that
// way by config.ParseAllowedOrigins.
func IsAllowedOrigin(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	origin = strings.ToLower(strings.TrimRight(origin, "/"))
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}

// IsAllowedPath reports whether path is on the proxy allow-list: an exact
// entry or any namespace prefix.
func IsAllowedPath(path string) bool {
	if exactPaths[path] {
		return true
	}
	for _, prefix := range pathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// IsPathSafe rejects paths that decode to traversal or injection shapes:
// a parent-directory segment, a doubled separator, or a NUL byte.
//
// Literal backslashes are allowed on purpose: the upstream framework uses
// "\" (usually sent percent-encoded as %5C) as an in-path namespace
// separator, not a filesystem separator. Rejecting it would break every
// namespaced upstream route.
func IsPathSafe(path string) bool {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return false
	}
	if strings.Contains(decoded, "\x00") {
		return false
	}
	if strings.Contains(decoded, "//") {
		return false
	}
	for _, segment := range strings.Split(decoded, "/") {
		if segment == ".." {
			return false
		}
	}
	// Windows-style traversal through the namespace separator.
	for _, segment := range strings.Split(decoded, "\\") {
		if segment == ".." {
			return false
		}
	}
	return true
}
