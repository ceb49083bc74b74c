package rewrite

import "net/http"

// Hop-by-hop headers that must not be copied between the upstream
// response and the client connection.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// ApplyCORS attaches the CORS response headers for a validated origin.
// The origin is echoed, never wildcarded: credentialed requests require
// an exact match.
func ApplyCORS(h http.Header, origin string) {
	if origin == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
	h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Requested-With")
	h.Set("Access-Control-Expose-Headers", "X-Session-Expired, X-Proxy-Duration-Ms, Retry-After")
	h.Add("Vary", "Origin")
}

// ApplySecurity attaches the fixed security header set the gateway adds to
// every response it authors or forwards.
func ApplySecurity(h http.Header) {
	h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

// ResponseHeaders composes the full upstream-response transform: hop-by-hop
// strip, cookie rewrite, redirect rewrite, cache enforcement. It returns a
// new header map and leaves in untouched.
func ResponseHeaders(in http.Header, status int, upstreamHost, proxyOrigin string, staleSession bool) http.Header {
	out := EnforceCache(in, staleSession)
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	if cookies := RewriteCookies(in.Values("Set-Cookie")); cookies != nil {
		out.Del("Set-Cookie")
		for _, c := range cookies {
			out.Add("Set-Cookie", c)
		}
	}
	if status >= 300 && status < 400 {
		if loc := in.Get("Location"); loc != "" {
			out.Set("Location", RewriteLocation(loc, upstreamHost, proxyOrigin))
		}
	}
	return out
}
