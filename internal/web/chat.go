package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/goodtune/greengpt/internal/metrics"
	"github.com/goodtune/greengpt/internal/models"
	"github.com/rs/zerolog"
)

// chatEnvelope is the part of a chat request checked before forwarding.
type chatEnvelope struct {
	Model       string       `json:"model"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// newChatProxy forwards chat requests to upstream through transport. Browser
// credentials for this server are not passed on.
func newChatProxy(upstream *url.URL, transport http.RoundTripper, logger zerolog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()

			// Let the transport negotiate and undo compression itself
			pr.Out.Header.Del("Accept-Encoding")
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			for _, c := range pr.In.Cookies() {
				if c.Name != TokenCookie {
					pr.Out.AddCookie(c)
				}
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			metrics.RequestsTotal.WithLabelValues("web", resp.Request.Method, strconv.Itoa(resp.StatusCode)).Inc()
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			metrics.UpstreamErrors.Inc()
			metrics.RequestsTotal.WithLabelValues("web", r.Method, strconv.Itoa(http.StatusBadGateway)).Inc()
			logger.Error().Err(err).Str("path", r.URL.Path).Msg("Chat upstream request failed")
			WriteError(w, http.StatusBadGateway, "Chat upstream unavailable")
		},
	}
}

// handleChat validates the model and attachments, then forwards the request
// upstream. Token counting happens in the transport.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		WriteError(w, http.StatusServiceUnavailable, "No chat upstream configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var envelope chatEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if envelope.Model != "" {
		if _, err := models.Lookup(envelope.Model); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	for _, a := range envelope.Attachments {
		if err := models.ValidateAttachment(a.ContentType, a.Size); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, models.ErrAttachmentTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			WriteError(w, status, err.Error())
			return
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	start := time.Now()
	s.chat.ServeHTTP(w, r)
	metrics.RequestDuration.WithLabelValues("web").Observe(time.Since(start).Seconds())
}
