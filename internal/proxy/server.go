// Package proxy forwards chat API traffic to an upstream model server while
// the interceptor counts the tokens passing through.
package proxy

import (
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

	"github.com/goodtune/greengpt/internal/intercept"
	"github.com/goodtune/greengpt/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a whole upstream exchange, streamed body included
const DefaultTimeout = 120 * time.Second

// Config holds proxy server configuration
type Config struct {
	ListenAddr  string
	UpstreamURL string
	Timeout     time.Duration
}

// Server is the chat proxy server
type Server struct {
	httpServer *http.Server
	upstream   *url.URL
	client     *http.Client
	listener   net.Listener // Optional pre-created listener (for systemd socket activation)
	logger     zerolog.Logger
}

// NewServer creates a new proxy server. Exchanges on the interceptor's chat
// paths are reported to its recorders.
func NewServer(config Config, interceptor *intercept.Interceptor, logger zerolog.Logger) (*Server, error) {
	upstream, err := url.Parse(config.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", config.UpstreamURL)
	}
	if upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q: missing host", config.UpstreamURL)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := &Server{
		upstream: upstream,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With().Str("component", "proxy").Logger(),
	}

	var handler http.Handler = http.HandlerFunc(s.handleProxy)
	if interceptor != nil {
		handler = interceptor.Middleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the proxy handler, interceptor included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the proxy server
func (s *Server) Start() error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info().
			Str("addr", s.httpServer.Addr).
			Str("upstream", s.upstream.String()).
			Msg("Starting chat proxy server")

		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated proxy listener")
			err = s.httpServer.Serve(s.listener)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	// Wait a bit to surface bind errors
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop stops the proxy server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping chat proxy server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("proxy server shutdown error: %w", err)
	}

	return nil
}

// upstreamURL maps a request onto the upstream, keeping any base path
func (s *Server) upstreamURL(r *http.Request) *url.URL {
	target := *s.upstream
	target.Path = strings.TrimRight(s.upstream.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	return &target
}

// handleProxy proxies the request to the upstream server
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := extractClientIP(r)
	status := http.StatusBadGateway
	var written int64

	defer func() {
		metrics.RequestsTotal.WithLabelValues("proxy", r.Method, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues("proxy").Observe(time.Since(startTime).Seconds())

		s.logger.Info().
			Str("client_ip", clientIP.String()).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("user_agent", r.UserAgent()).
			Int("status_code", status).
			Int64("response_size", written).
			Dur("duration", time.Since(startTime)).
			Msg("Proxy request processed")
	}()

	target := s.upstreamURL(r)

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		s.logger.Error().Err(err).Str("url", target.String()).Msg("Failed to create upstream request")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	upstreamReq.ContentLength = r.ContentLength

	// Copy headers
	for key, values := range r.Header {
		for _, value := range values {
			upstreamReq.Header.Add(key, value)
		}
	}

	removeHopByHopHeaders(upstreamReq.Header)

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		upstreamReq.Header.Set("X-Forwarded-For", prior+", "+remoteIP(r))
	} else {
		upstreamReq.Header.Set("X-Forwarded-For", remoteIP(r))
	}
	upstreamReq.Header.Set("X-Forwarded-Host", r.Host)

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		metrics.UpstreamErrors.Inc()
		if errors.Is(err, context.Canceled) {
			// Client went away
			status = 499
			return
		}
		s.logger.Error().Err(err).Str("url", target.String()).Msg("Upstream request failed")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Copy response headers
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	removeHopByHopHeaders(w.Header())

	status = resp.StatusCode
	w.WriteHeader(resp.StatusCode)

	written, err = copyFlushing(w, resp.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to copy response body")
	}
}

// copyFlushing copies src to w, flushing after every read so streamed
// replies reach the client as they arrive.
func copyFlushing(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// extractClientIP extracts the client IP from the request
func extractClientIP(r *http.Request) net.IP {
	// Check X-Forwarded-For header
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := net.ParseIP(strings.TrimSpace(ips[0]))
			if ip != nil {
				return ip
			}
		}
	}

	// Check X-Real-IP header
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		ip := net.ParseIP(xri)
		if ip != nil {
			return ip
		}
	}

	return net.ParseIP(remoteIP(r))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// removeHopByHopHeaders removes hop-by-hop headers, including any named in
// the Connection header
func removeHopByHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}

	hopByHopHeaders := []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Proxy-Connection",
		"TE",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
	}

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
