package rewrite

import (
	"net/url"
	"strings"
)

// RewriteLocation retargets a Location header that points back into the
// upstream host so the browser stays behind the gateway. Path and query
// are preserved byte for byte. Relative Locations and redirects to
// third-party hosts are returned untouched.
func RewriteLocation(location, upstreamHost, proxyOrigin string) string {
	if location == "" {
		return location
	}
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return location
	}
	if !strings.EqualFold(u.Host, upstreamHost) {
		return location
	}
	rewritten := proxyOrigin + u.EscapedPath()
	if u.RawQuery != "" {
		rewritten += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rewritten += "#" + u.Fragment
	}
	return rewritten
}
