// Package ical proxies the upstream's referee calendar feed. Feed URLs
// carry a short share code instead of a session, so the handler only
// validates the code shape and passes the request through.
package ical

import (
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"refgate/gateway/internal/httputil"
)

const PathPrefix = "/iCal/referee/"

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

type Handler struct {
	upstream   *url.URL
	httpClient *http.Client
}

func NewHandler(upstream *url.URL) *Handler {
	return &Handler{
		upstream: upstream,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	code := r.URL.Path[len(PathPrefix):]
	if !codePattern.MatchString(code) {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid_code",
			"detail": "calendar code must be 6 alphanumeric characters",
		})
		return
	}

	target := h.upstream.Scheme + "://" + h.upstream.Host + PathPrefix + code
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream_error"})
		return
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Str("code", code).Msg("iCal upstream unreachable")
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream_error"})
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "calendar_not_found"})
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			io.Copy(w, resp.Body)
		}
	default:
		logger.Error().Int("upstream_status", resp.StatusCode).Str("code", code).Msg("iCal upstream error")
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream_error"})
	}
}
