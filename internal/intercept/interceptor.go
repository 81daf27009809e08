// Package intercept observes chat traffic and reports estimated token counts
// to recorders such as the impact aggregator. Observation never alters what
// is sent or received.
package intercept

import (
	"net/http"
	"strings"
	"sync"

	"github.com/goodtune/greengpt/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes bounds how much of a body is buffered for counting
const DefaultMaxBodyBytes = 8 << 20

// Hooks is the contract transports call around every exchange.
type Hooks interface {
	// Observes reports whether the exchange should be inspected at all.
	Observes(r *http.Request) bool
	// OnRequest receives the full outgoing request body.
	OnRequest(r *http.Request, body []byte)
	// OnResponse receives the response body once it is fully read.
	OnResponse(contentType string, body []byte)
}

// Recorder receives token counts.
type Recorder interface {
	AddTokens(n int64)
}

// Options configures an Interceptor
type Options struct {
	ChatPaths    []string
	MaxBodyBytes int64
}

// Interceptor implements Hooks for chat endpoints and fans counts out to the
// recorders attached at report time.
type Interceptor struct {
	paths   []string
	maxBody int64
	logger  zerolog.Logger

	mu        sync.RWMutex
	recorders map[int]Recorder
	nextID    int
}

// New creates an interceptor
func New(opts Options, logger zerolog.Logger) *Interceptor {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	paths := make([]string, 0, len(opts.ChatPaths))
	for _, p := range opts.ChatPaths {
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			paths = append(paths, p)
		}
	}

	return &Interceptor{
		paths:     paths,
		maxBody:   opts.MaxBodyBytes,
		logger:    logger.With().Str("component", "interceptor").Logger(),
		recorders: make(map[int]Recorder),
	}
}

// Attach adds a recorder. Reports made after detach is called are not
// delivered to it.
func (i *Interceptor) Attach(rec Recorder) (detach func()) {
	i.mu.Lock()
	id := i.nextID
	i.nextID++
	i.recorders[id] = rec
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			delete(i.recorders, id)
			i.mu.Unlock()
		})
	}
}

// Observes matches POST requests to a configured chat path or below it.
func (i *Interceptor) Observes(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return i.matchPath(r.URL.Path)
}

func (i *Interceptor) matchPath(path string) bool {
	path = strings.TrimRight(path, "/")
	for _, p := range i.paths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// OnRequest counts every message in the request once.
func (i *Interceptor) OnRequest(r *http.Request, body []byte) {
	n, err := RequestTokens(body)
	if err != nil {
		metrics.ExtractionFailures.WithLabelValues("request").Inc()
		i.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Could not extract request text")
		return
	}
	i.report("request", n)
}

// OnResponse counts the response text.
func (i *Interceptor) OnResponse(contentType string, body []byte) {
	n, err := ResponseTokens(contentType, body)
	if err != nil {
		metrics.ExtractionFailures.WithLabelValues("response").Inc()
		i.logger.Debug().Err(err).Str("content_type", contentType).Msg("Could not extract response text")
		return
	}
	i.report("response", n)
}

func (i *Interceptor) report(direction string, n int64) {
	if n <= 0 {
		return
	}

	i.mu.RLock()
	recorders := make([]Recorder, 0, len(i.recorders))
	for _, rec := range i.recorders {
		recorders = append(recorders, rec)
	}
	i.mu.RUnlock()

	metrics.TokensObserved.WithLabelValues(direction).Add(float64(n))
	i.logger.Debug().Str("direction", direction).Int64("tokens", n).Msg("Observed chat tokens")

	for _, rec := range recorders {
		rec.AddTokens(n)
	}
}

// Transport wraps base so that client-side chat exchanges are observed.
func (i *Interceptor) Transport(base http.RoundTripper) http.RoundTripper {
	return &Transport{Base: base, Hooks: i, MaxBodyBytes: i.maxBody}
}

// Middleware wraps next so that server-side chat exchanges are observed.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return Middleware(i, i.maxBody)(next)
}
