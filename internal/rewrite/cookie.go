// Package rewrite contains the response transforms the gateway applies to
// upstream responses before they reach the browser: cross-origin cookie
// canonicalization, redirect retargeting and cache stripping. Everything
// here is a pure function from headers to headers so the pieces can be
// unit tested without a ResponseWriter.
package rewrite

import "strings"

// canonicalCookieAttrs is appended to every rewritten cookie. The PWA runs
// on a different origin than the gateway, so session cookies must be
// cross-site deliverable and partitioned.
const canonicalCookieAttrs = "SameSite=None; Secure; Partitioned"

// strippedCookieAttrs are upstream attributes removed before the canonical
// tail is appended. Domain must never be forwarded: the cookie has to
// scope to the gateway's origin, not the upstream's.
var strippedCookieAttrs = map[string]bool{
	"domain":      true,
	"secure":      true,
	"samesite":    true,
	"partitioned": true,
}

// RewriteCookies transforms the full ordered list of Set-Cookie values
// from an upstream response. Name/value and attributes such as Path,
// Max-Age, Expires and HttpOnly pass through verbatim; Domain and any
// pre-existing Secure/SameSite/Partitioned are dropped and the canonical
// tail is appended exactly once. The transform is idempotent.
func RewriteCookies(setCookies []string) []string {
	if len(setCookies) == 0 {
		return nil
	}
	out := make([]string, 0, len(setCookies))
	for _, c := range setCookies {
		out = append(out, rewriteCookie(c))
	}
	return out
}

func rewriteCookie(raw string) string {
	parts := strings.Split(raw, ";")
	kept := make([]string, 0, len(parts)+3)
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if i == 0 {
			// name=value pair, always first
			kept = append(kept, trimmed)
			continue
		}
		name := trimmed
		if eq := strings.IndexByte(trimmed, '='); eq >= 0 {
			name = trimmed[:eq]
		}
		if strippedCookieAttrs[strings.ToLower(strings.TrimSpace(name))] {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "; ") + "; " + canonicalCookieAttrs
}
