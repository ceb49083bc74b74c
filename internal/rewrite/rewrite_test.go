package rewrite

import (
	"net/http"
	"strings"
	"testing"
)

func TestRewriteCookiesCanonicalAttrs(t *testing.T) {
	in := []string{"SESSION=abc123; Domain=upstream.example; Path=/; Secure; SameSite=Lax; HttpOnly"}
	out := RewriteCookies(in)
	if len(out) != 1 {
		t.Fatalf("got %d cookies, want 1", len(out))
	}
	c := out[0]
	if !strings.HasPrefix(c, "SESSION=abc123") {
		t.Errorf("name/value changed: %q", c)
	}
	if strings.Contains(c, "Domain=") {
		t.Errorf("Domain attribute survived: %q", c)
	}
	if !strings.Contains(c, "Path=/") || !strings.Contains(c, "HttpOnly") {
		t.Errorf("benign attributes dropped: %q", c)
	}
	if !strings.HasSuffix(c, "SameSite=None; Secure; Partitioned") {
		t.Errorf("missing canonical tail: %q", c)
	}
	if strings.Count(c, "SameSite=") != 1 || strings.Count(c, "Secure") != 1 {
		t.Errorf("duplicated attributes: %q", c)
	}
}

func TestRewriteCookiesIdempotent(t *testing.T) {
	in := []string{"SESSION=abc; Path=/; Max-Age=3600"}
	once := RewriteCookies(in)
	twice := RewriteCookies(once)
	if once[0] != twice[0] {
		t.Errorf("not idempotent:\n once: %q\ntwice: %q", once[0], twice[0])
	}
}

func TestRewriteCookiesMultiple(t *testing.T) {
	in := []string{
		"SESSION=abc; Domain=upstream.example; Path=/",
		"XSRF=tok; SameSite=Strict",
		"plain=1",
	}
	out := RewriteCookies(in)
	if len(out) != 3 {
		t.Fatalf("got %d cookies, want 3", len(out))
	}
	for i, c := range out {
		if !strings.HasSuffix(c, "SameSite=None; Secure; Partitioned") {
			t.Errorf("cookie %d missing tail: %q", i, c)
		}
	}
	if !strings.HasPrefix(out[1], "XSRF=tok") {
		t.Errorf("cookie order or value broken: %q", out[1])
	}
	if strings.Contains(out[1], "Strict") {
		t.Errorf("upstream SameSite leaked through: %q", out[1])
	}
}

func TestRewriteCookiesEmpty(t *testing.T) {
	if out := RewriteCookies(nil); out != nil {
		t.Errorf("expected nil for no cookies, got %v", out)
	}
}

func TestRewriteLocation(t *testing.T) {
	const upstreamHost = "upstream.example"
	const proxyOrigin = "https://gw.example"

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"upstream absolute",
			"https://upstream.example/sportmanager.volleyball/x?y=1",
			"https://gw.example/sportmanager.volleyball/x?y=1",
		},
		{
			"third party untouched",
			"https://other.example/path",
			"https://other.example/path",
		},
		{"relative untouched", "/dashboard", "/dashboard"},
		{"empty untouched", "", ""},
		{
			"host case insensitive",
			"https://UPSTREAM.EXAMPLE/login",
			"https://gw.example/login",
		},
		{
			"encoded namespace preserved",
			"https://upstream.example/sportmanager.volleyball%5CSecurity%5Clogin",
			"https://gw.example/sportmanager.volleyball%5CSecurity%5Clogin",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RewriteLocation(tc.in, upstreamHost, proxyOrigin); got != tc.want {
				t.Errorf("RewriteLocation(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestEnforceCacheDynamic(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "text/html; charset=utf-8")
	in.Set("ETag", `"abc"`)
	in.Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
	in.Set("Cache-Control", "public, max-age=600")

	out := EnforceCache(in, false)
	if out.Get("ETag") != "" || out.Get("Last-Modified") != "" {
		t.Error("validators survived on dynamic content")
	}
	if out.Get("Cache-Control") != "no-store, no-cache, must-revalidate" {
		t.Errorf("Cache-Control = %q", out.Get("Cache-Control"))
	}
	if out.Get("Pragma") != "no-cache" || out.Get("Expires") != "0" {
		t.Error("legacy no-cache directives missing")
	}
	// input untouched
	if in.Get("ETag") == "" {
		t.Error("EnforceCache mutated its input")
	}
}

func TestEnforceCacheStatic(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "image/png")
	in.Set("ETag", `"abc"`)
	in.Set("Cache-Control", "public, max-age=86400")

	out := EnforceCache(in, false)
	if out.Get("ETag") != `"abc"` {
		t.Error("static validator stripped")
	}
	if out.Get("Cache-Control") != "public, max-age=86400" {
		t.Errorf("static Cache-Control rewritten: %q", out.Get("Cache-Control"))
	}
}

func TestEnforceCacheStaleSessionHeader(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "text/html")
	out := EnforceCache(in, true)
	if out.Get("X-Session-Expired") != "true" {
		t.Error("missing stale-session diagnostic header")
	}
}

func TestDetectStaleSession(t *testing.T) {
	form := []byte(`<input name="sportmanager_security[username]">`)
	if !DetectStaleSession("/dashboard", "text/html", form) {
		t.Error("login form on app path should flag stale session")
	}
	if DetectStaleSession("/login", "text/html", form) {
		t.Error("login page itself is not a stale session")
	}
	if DetectStaleSession("/security/login", "text/html", form) {
		t.Error("auth endpoint is not a stale session")
	}
	if DetectStaleSession("/dashboard", "application/json", form) {
		t.Error("non-HTML content should not be inspected")
	}
	if DetectStaleSession("/dashboard", "text/html", []byte("<html>ok</html>")) {
		t.Error("plain page flagged")
	}
}

func TestResponseHeadersComposition(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "text/html")
	in.Add("Set-Cookie", "SESSION=abc; Domain=upstream.example")
	in.Add("Set-Cookie", "XSRF=tok; Secure")
	in.Set("Location", "https://upstream.example/dashboard?tab=1")
	in.Set("Transfer-Encoding", "chunked")

	out := ResponseHeaders(in, http.StatusFound, "upstream.example", "https://gw.example", false)

	cookies := out.Values("Set-Cookie")
	if len(cookies) != 2 {
		t.Fatalf("got %d cookies, want 2", len(cookies))
	}
	for _, c := range cookies {
		if strings.Contains(c, "Domain=") {
			t.Errorf("Domain survived composition: %q", c)
		}
	}
	if got := out.Get("Location"); got != "https://gw.example/dashboard?tab=1" {
		t.Errorf("Location = %q", got)
	}
	if out.Get("Transfer-Encoding") != "" {
		t.Error("hop-by-hop header forwarded")
	}
	if out.Get("Cache-Control") != "no-store, no-cache, must-revalidate" {
		t.Errorf("cache enforcement skipped: %q", out.Get("Cache-Control"))
	}
}

func TestApplyCORS(t *testing.T) {
	h := http.Header{}
	ApplyCORS(h, "https://app.example")
	if h.Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("origin not echoed: %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials flag missing")
	}

	empty := http.Header{}
	ApplyCORS(empty, "")
	if len(empty) != 0 {
		t.Error("CORS headers set without an origin")
	}
}
