// Package ocr is the scoresheet-upload sub-gateway: it validates multipart
// image uploads and forwards them to the Mistral OCR API, independent of
// the main proxy path.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"refgate/gateway/internal/httputil"
	"refgate/gateway/internal/metrics"
)

const (
	// MaxUploadBytes is the hard ceiling for a scoresheet upload.
	MaxUploadBytes = 50 << 20

	// base64ChunkSize is a multiple of 3 so chunk encodings concatenate
	// without padding in the middle.
	base64ChunkSize = 3 * 1024 * 1024

	probeTimeout = 5 * time.Second
	ocrModel     = "mistral-ocr-latest"
)

var allowedMIME = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// Client talks to the OCR provider. A client with an empty API key is
// valid but reports not_configured and rejects uploads with 503.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Health is the probe result reported under /health.
type Health struct {
	Status string // ok | not_configured | error
	Err    string
}

// Probe checks provider connectivity with a lightweight model listing,
// bounded at five seconds. It never consumes OCR quota.
func (c *Client) Probe(ctx context.Context) Health {
	if !c.Configured() {
		return Health{Status: "not_configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return Health{Status: "error", Err: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{Status: "error", Err: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return Health{Status: "error", Err: fmt.Sprintf("provider returned %d", resp.StatusCode)}
	}
	return Health{Status: "ok"}
}

// HandleUpload serves POST /ocr: multipart form with an "image" field,
// validated before any provider call.
func (c *Client) HandleUpload(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())

	if r.Method != http.MethodPost {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	if !c.Configured() {
		metrics.OCRRequests.WithLabelValues("not_configured").Inc()
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ocr_not_configured"})
		return
	}

	// Generous envelope over the file ceiling for multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+(1<<20))
	file, header, err := r.FormFile("image")
	if err != nil {
		metrics.OCRRequests.WithLabelValues("rejected").Inc()
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid_upload",
			"detail": "multipart form with an 'image' field is required",
		})
		return
	}
	defer file.Close()

	if header.Size > MaxUploadBytes {
		metrics.OCRRequests.WithLabelValues("rejected").Inc()
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "file_too_large",
			"detail": fmt.Sprintf("maximum upload size is %d bytes", MaxUploadBytes),
		})
		return
	}

	mimeType, err := detectMIME(file, header)
	if err != nil {
		metrics.OCRRequests.WithLabelValues("rejected").Inc()
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable_upload"})
		return
	}
	if !allowedMIME[mimeType] {
		metrics.OCRRequests.WithLabelValues("rejected").Inc()
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "unsupported_media_type",
			"detail": "accepted types: image/jpeg, image/png, image/webp, application/pdf",
		})
		return
	}

	dataURL, err := encodeDataURL(file, mimeType)
	if err != nil {
		logger.Error().Err(err).Msg("reading upload for encoding failed")
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable_upload"})
		return
	}

	status, body, retryAfter, err := c.callProvider(r.Context(), mimeType, dataURL)
	if err != nil {
		metrics.OCRRequests.WithLabelValues("provider_error").Inc()
		logger.Error().Err(err).Msg("OCR provider unreachable")
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "ocr_provider_unreachable"})
		return
	}

	switch {
	case status == http.StatusOK:
		metrics.OCRRequests.WithLabelValues("ok").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		metrics.OCRRequests.WithLabelValues("provider_auth").Inc()
		logger.Error().Int("provider_status", status).Msg("OCR provider rejected our credentials")
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ocr_auth_failed"})
	case status == http.StatusTooManyRequests:
		metrics.OCRRequests.WithLabelValues("provider_rate_limited").Inc()
		w.Header().Set("Retry-After", retryAfter)
		httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "ocr_rate_limited"})
	default:
		metrics.OCRRequests.WithLabelValues("provider_error").Inc()
		logger.Error().Int("provider_status", status).Msg("OCR provider error")
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "ocr_provider_error"})
	}
}

// detectMIME prefers the part's declared Content-Type, falling back to
// sniffing the first bytes. The reader is rewound afterwards.
func detectMIME(file multipart.File, header *multipart.FileHeader) (string, error) {
	declared := header.Header.Get("Content-Type")
	if mt, _, ok := strings.Cut(declared, ";"); ok {
		declared = mt
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if allowedMIME[declared] {
		return declared, nil
	}

	var sniff [512]byte
	n, err := file.Read(sniff[:])
	if err != nil && err != io.EOF {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	detected := http.DetectContentType(sniff[:n])
	if mt, _, ok := strings.Cut(detected, ";"); ok {
		detected = mt
	}
	return strings.TrimSpace(detected), nil
}

// encodeDataURL base64-encodes the file in fixed chunks so no single
// intermediate buffer has to hold the whole encoding alongside the raw
// bytes.
func encodeDataURL(file multipart.File, mimeType string) (string, error) {
	var sb strings.Builder
	sb.WriteString("data:")
	sb.WriteString(mimeType)
	sb.WriteString(";base64,")

	buf := make([]byte, base64ChunkSize)
	for {
		n, err := io.ReadFull(file, buf)
		if n > 0 {
			sb.WriteString(base64.StdEncoding.EncodeToString(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

func (c *Client) callProvider(ctx context.Context, mimeType, dataURL string) (status int, body []byte, retryAfter string, err error) {
	docType := "image_url"
	if mimeType == "application/pdf" {
		docType = "document_url"
	}
	payload := map[string]any{
		"model": ocrModel,
		"document": map[string]string{
			"type": docType,
			docType: dataURL,
		},
		// Structured table output for scoresheet grids.
		"include_image_base64": false,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ocr", bytes.NewReader(raw))
	if err != nil {
		return 0, nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return 0, nil, "", err
	}
	retryAfter = resp.Header.Get("Retry-After")
	if retryAfter == "" {
		retryAfter = "60"
	}
	return resp.StatusCode, body, retryAfter, nil
}
