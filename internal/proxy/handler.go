// Package proxy is the request dispatcher: the single handler composing
// origin/path policy, the credential-rewrite workaround, the lockout
// state machine, upstream forwarding and the response rewrite chain into
// one request/response cycle. Every request ends in exactly one terminal
// outcome; nothing is retried.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"refgate/gateway/internal/authfix"
	"refgate/gateway/internal/config"
	"refgate/gateway/internal/httputil"
	"refgate/gateway/internal/ical"
	"refgate/gateway/internal/lockout"
	"refgate/gateway/internal/metrics"
	"refgate/gateway/internal/ocr"
	"refgate/gateway/internal/policy"
	"refgate/gateway/internal/rate"
	"refgate/gateway/internal/rewrite"
)

const (
	// maxUpstreamBodyBytes caps how much of an upstream response gets
	// buffered for the rewrite and classification passes.
	maxUpstreamBodyBytes = 100 * 1024 * 1024
	// maxFormBodyBytes caps login form bodies read for the credential
	// rewrite detector.
	maxFormBodyBytes = 64 * 1024

	killSwitchRetryAfter = "86400"

	robotsBody = "User-agent: *\nDisallow: /\n"
)

// Handler is the top-level gateway handler.
type Handler struct {
	cfg       *config.Config
	upstream  *url.URL
	lockouts  *lockout.Machine
	limiter   rate.Limiter
	ocrClient   *ocr.Client
	icalFeed    *ical.Handler
	client      *http.Client
	promHandler http.Handler

	// maxUpstreamBody caps buffered upstream responses; anything larger
	// is answered as an upstream failure instead of a truncated body.
	maxUpstreamBody int64

	// configErr is set when startup validation failed; every request is
	// then answered with 500 instead of silently proxying misconfigured.
	configErr error
}

func NewHandler(cfg *config.Config, lockouts *lockout.Machine, limiter rate.Limiter, ocrClient *ocr.Client) *Handler {
	h := &Handler{
		cfg:             cfg,
		lockouts:        lockouts,
		limiter:         limiter,
		ocrClient:       ocrClient,
		promHandler:     promhttp.Handler(),
		maxUpstreamBody: maxUpstreamBodyBytes,
	}
	if err := cfg.Validate(); err != nil {
		h.configErr = newGatewayError(ErrKindConfig, "configuration_error", err)
		return h
	}
	upstream, err := cfg.UpstreamURL()
	if err != nil {
		h.configErr = newGatewayError(ErrKindConfig, "configuration_error", err)
		return h
	}
	h.upstream = upstream
	h.icalFeed = ical.NewHandler(upstream)
	h.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2: true,
		},
		// Redirects belong to the browser; the gateway rewrites them.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// robots.txt and metrics stay reachable while the kill switch is
	// engaged.
	if r.URL.Path == "/robots.txt" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			io.WriteString(w, robotsBody)
		}
		return
	}
	if r.URL.Path == "/metrics" {
		h.promHandler.ServeHTTP(w, r)
		return
	}

	if h.cfg.KillSwitch {
		metrics.RequestOutcome.WithLabelValues("kill_switch").Inc()
		w.Header().Set("Retry-After", killSwitchRetryAfter)
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service_disabled"})
		return
	}

	switch {
	case r.URL.Path == "/health":
		h.handleHealth(w, r)
		return
	case r.URL.Path == "/ocr":
		h.handleOCR(w, r)
		return
	case strings.HasPrefix(r.URL.Path, ical.PathPrefix):
		if h.configErr != nil {
			h.writeConfigError(w, r)
			return
		}
		h.icalFeed.ServeHTTP(w, r)
		return
	}

	h.dispatch(w, r, start)
}

// dispatch runs the generic proxy path: policy gates, lockout, credential
// rewrite, forward, response post-processing.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, start time.Time) {
	logger := httputil.GetLogger(r.Context())
	origin := r.Header.Get("Origin")

	if allowed, retry := h.checkRateLimit(r); !allowed {
		metrics.RequestOutcome.WithLabelValues("rate_limited").Inc()
		metrics.RateLimitHits.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+1)))
		httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		return
	}

	if h.configErr != nil {
		h.writeConfigError(w, r)
		return
	}

	if !policy.IsAllowedOrigin(origin, h.cfg.AllowedOrigins) {
		metrics.RequestOutcome.WithLabelValues("origin_denied").Inc()
		rewrite.ApplySecurity(w.Header())
		httputil.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "origin_not_allowed"})
		return
	}

	// The origin is validated from here on; every response, including
	// errors, carries CORS headers so the browser can read the body.
	rewrite.ApplyCORS(w.Header(), origin)
	rewrite.ApplySecurity(w.Header())

	if r.Method == http.MethodOptions {
		metrics.RequestOutcome.WithLabelValues("preflight").Inc()
		w.Header().Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !policy.IsPathSafe(r.URL.Path) {
		metrics.RequestOutcome.WithLabelValues("unsafe_path").Inc()
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unsafe_path"})
		return
	}
	if !policy.IsAllowedPath(r.URL.Path) {
		metrics.RequestOutcome.WithLabelValues("path_not_allowed").Inc()
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "path_not_allowed"})
		return
	}

	pr, err := h.buildProxyRequest(r)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed_request"})
		return
	}

	clientIP := httputil.ClientIP(r)
	if pr.authAttempt {
		status, err := h.lockouts.Check(r.Context(), clientIP)
		if err != nil {
			logger.Error().Err(err).Msg("lockout store read failed")
		} else if status.State == lockout.StateLocked {
			metrics.RequestOutcome.WithLabelValues("locked").Inc()
			metrics.LockoutTransitions.WithLabelValues("rejected_locked").Inc()
			remaining := int(status.Remaining.Seconds() + 1)
			w.Header().Set("Retry-After", strconv.Itoa(remaining))
			httputil.WriteJSON(w, http.StatusLocked, map[string]any{
				"error":          "too_many_failed_attempts",
				"lockedUntil":    remaining,
				"failedAttempts": status.FailedAttempts,
			})
			logger.Warn().
				Str("client_ip", clientIP).
				Int("failed_attempts", status.FailedAttempts).
				Int("remaining_sec", remaining).
				Msg("auth attempt rejected while locked")
			return
		}
	}

	resp, body, gwErr := h.forward(r.Context(), r, pr)
	if gwErr != nil {
		metrics.RequestOutcome.WithLabelValues("upstream_error").Inc()
		logger.Error().Err(gwErr).Str("target", pr.target).Msg("upstream forward failed")
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": gwErr.Code})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	staleSession := rewrite.DetectStaleSession(r.URL.Path, contentType, body)
	if staleSession {
		logger.Warn().Str("path", r.URL.Path).Msg("upstream treated session as expired")
	}

	outHeaders := rewrite.ResponseHeaders(resp.Header, resp.StatusCode, h.upstream.Host, requestOrigin(r), staleSession)

	if pr.authAttempt {
		h.observeAuthOutcome(r.Context(), logger, clientIP, resp, body)
	}

	for name, values := range outHeaders {
		// CORS and security headers are authored by the gateway; an
		// upstream copy must not stack on top of them.
		if _, authored := w.Header()[name]; authored {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	elapsed := time.Since(start)
	w.Header().Set("X-Proxy-Duration-Ms", strconv.FormatInt(elapsed.Milliseconds(), 10))
	metrics.ProxyLatency.Observe(elapsed.Seconds())
	metrics.RequestOutcome.WithLabelValues("forwarded").Inc()

	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// proxyRequest is the per-invocation forwarding context: built once,
// consumed once, discarded.
type proxyRequest struct {
	target      string
	method      string
	body        []byte
	bodyReader  io.Reader
	contentType string
	authAttempt bool
}

// buildProxyRequest assembles the upstream target and applies the
// credential-rewrite workaround. The path and query are taken in escaped
// form so percent-encoded backslashes, which the upstream uses as
// namespace separators, survive byte for byte.
func (h *Handler) buildProxyRequest(r *http.Request) (*proxyRequest, error) {
	pr := &proxyRequest{method: r.Method}

	escapedPath := r.URL.EscapedPath()
	rawQuery := r.URL.RawQuery

	// Login submissions are sniffed through a bounded prefix; credential
	// forms are tiny, the bound only protects the buffer.
	var formBody []byte
	sniffed := false
	if r.URL.Path == authfix.LoginPath && r.Method == http.MethodPost {
		var err error
		formBody, err = io.ReadAll(io.LimitReader(r.Body, maxFormBodyBytes))
		if err != nil {
			return nil, err
		}
		sniffed = true
	}

	if rw := authfix.Detect(r.Method, r.URL.Path, rawQuery, formBody); rw != nil {
		escapedPath = rw.Path
		rawQuery = ""
		pr.method = rw.Method
		pr.body = []byte(rw.Body)
		pr.contentType = rw.ContentType
	} else if sniffed {
		// No rewrite fired: splice the sniffed prefix back in front of
		// whatever the client is still sending so the upstream sees the
		// body intact.
		pr.bodyReader = io.MultiReader(bytes.NewReader(formBody), r.Body)
	}

	pr.target = h.upstream.Scheme + "://" + h.upstream.Host + escapedPath
	if rawQuery != "" {
		pr.target += "?" + rawQuery
	}
	pr.authAttempt = pr.method == http.MethodPost && escapedPath == authfix.AuthEndpoint
	return pr, nil
}

// forward performs the single upstream round trip and buffers the
// response so the rewrite chain and the lockout classifier can both see
// it without consuming the browser's copy.
func (h *Handler) forward(ctx context.Context, r *http.Request, pr *proxyRequest) (*http.Response, []byte, *GatewayError) {
	var reqBody io.Reader
	switch {
	case pr.bodyReader != nil:
		reqBody = pr.bodyReader
	case pr.body != nil:
		reqBody = bytes.NewReader(pr.body)
	case r.Method != http.MethodGet && r.Method != http.MethodHead:
		reqBody = r.Body
	}

	req, err := http.NewRequestWithContext(ctx, pr.method, pr.target, reqBody)
	if err != nil {
		return nil, nil, newGatewayError(ErrKindUpstream, "upstream_request_invalid", err)
	}
	copyForwardHeaders(req.Header, r.Header)
	if pr.contentType != "" {
		req.Header.Set("Content-Type", pr.contentType)
	}
	req.Header.Set("X-Forwarded-For", httputil.ClientIP(r))
	req.Header.Set("X-Forwarded-Proto", requestScheme(r))
	req.Header.Set("X-Forwarded-Host", r.Host)
	if requestID := httputil.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(upstreamErrorType(err)).Inc()
		return nil, nil, newGatewayError(ErrKindUpstream, "upstream_unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxUpstreamBody+1))
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("read").Inc()
		return nil, nil, newGatewayError(ErrKindUpstream, "upstream_read_failed", err)
	}
	// A truncated body under the upstream's Content-Length would stall
	// the client, so oversize responses fail outright.
	if int64(len(body)) > h.maxUpstreamBody {
		metrics.UpstreamErrors.WithLabelValues("oversize").Inc()
		return nil, nil, newGatewayError(ErrKindUpstream, "upstream_response_too_large", nil)
	}
	return resp, body, nil
}

// observeAuthOutcome feeds the upstream's verdict on a login attempt
// into the lockout machine. The Location header is read before rewriting
// so the classifier sees the upstream's own redirect target.
func (h *Handler) observeAuthOutcome(ctx context.Context, logger *zerolog.Logger, clientIP string, resp *http.Response, body []byte) {
	outcome := lockout.Classify(resp.StatusCode, resp.Header.Get("Location"), body)
	status, err := h.lockouts.Observe(ctx, clientIP, outcome)
	if err != nil {
		logger.Error().Err(err).Str("client_ip", clientIP).Msg("lockout store write failed")
		return
	}
	switch outcome {
	case lockout.OutcomeFailure:
		if status.State == lockout.StateLocked {
			metrics.LockoutTransitions.WithLabelValues("locked").Inc()
		} else {
			metrics.LockoutTransitions.WithLabelValues("failure_recorded").Inc()
		}
		logger.Warn().
			Str("client_ip", clientIP).
			Int("failed_attempts", status.FailedAttempts).
			Msg("failed login attempt recorded")
	case lockout.OutcomeSuccess:
		metrics.LockoutTransitions.WithLabelValues("cleared").Inc()
		logger.Info().Str("client_ip", clientIP).Msg("login succeeded, lockout state cleared")
	}
}

func (h *Handler) checkRateLimit(r *http.Request) (bool, time.Duration) {
	allowed, retry, err := h.limiter.Allow(r.Context(), httputil.ClientIP(r))
	if err != nil {
		logger := httputil.GetLogger(r.Context())
		if h.cfg.RateLimit.FailOpen {
			logger.Warn().Err(err).Msg("rate limit store unavailable, failing open")
			return true, 0
		}
		logger.Error().Err(err).Msg("rate limit store unavailable, rejecting")
		return false, time.Minute
	}
	return allowed, retry
}

// handleOCR fronts the OCR sub-gateway with the same origin gate the
// proxy uses. A missing Origin header is tolerated so CLI clients and
// probes can reach the endpoint directly.
func (h *Handler) handleOCR(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" {
		if !policy.IsAllowedOrigin(origin, h.cfg.AllowedOrigins) {
			metrics.RequestOutcome.WithLabelValues("origin_denied").Inc()
			rewrite.ApplySecurity(w.Header())
			httputil.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "origin_not_allowed"})
			return
		}
		rewrite.ApplyCORS(w.Header(), origin)
	}
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.ocrClient.HandleUpload(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" {
		if !policy.IsAllowedOrigin(origin, h.cfg.AllowedOrigins) {
			httputil.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "origin_not_allowed"})
			return
		}
		rewrite.ApplyCORS(w.Header(), origin)
	}

	services := map[string]string{"proxy": "ok"}
	status := "ok"
	code := http.StatusOK

	probe := h.ocrClient.Probe(r.Context())
	services["mistral_ocr"] = probe.Status
	if probe.Status == "error" {
		services["mistral_ocr_error"] = probe.Err
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

func (h *Handler) writeConfigError(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())
	logger.Error().Err(h.configErr).Msg("request rejected: gateway misconfigured")
	metrics.RequestOutcome.WithLabelValues("config_error").Inc()
	httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "configuration_error"})
}

// copyForwardHeaders copies client headers onto the upstream request,
// dropping hop-by-hop headers and the untrusted forwarding chain.
func copyForwardHeaders(dst, src http.Header) {
	skip := map[string]bool{
		"Connection":        true,
		"Keep-Alive":        true,
		"Proxy-Connection":  true,
		"Te":                true,
		"Trailer":           true,
		"Transfer-Encoding": true,
		"Upgrade":           true,
		"X-Forwarded-For":   true,
		"X-Forwarded-Proto": true,
		"X-Forwarded-Host":  true,
		"X-Real-Ip":         true,
	}
	for name, values := range src {
		if skip[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// upstreamErrorType classifies a client.Do failure for the error metric.
// http.Client wraps everything in *url.Error, so matching goes through
// the unwrap chain.
func upstreamErrorType(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "context"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	if strings.Contains(err.Error(), "connection refused") {
		return "connection"
	}
	return "other"
}

// requestOrigin reconstructs the gateway's own externally visible origin
// for redirect rewriting.
func requestOrigin(r *http.Request) string {
	return fmt.Sprintf("%s://%s", requestScheme(r), r.Host)
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); proto == "https" || proto == "http" {
		return proto
	}
	return "http"
}
