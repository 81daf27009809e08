package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Proxy metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greengpt_requests_total",
			Help: "Total number of requests forwarded to the chat upstream",
		},
		[]string{"kind", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "greengpt_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	UpstreamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "greengpt_upstream_errors_total",
			Help: "Requests that failed to reach the chat upstream",
		},
	)

	// Interceptor metrics
	TokensObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greengpt_tokens_observed_total",
			Help: "Estimated tokens observed in chat traffic",
		},
		[]string{"direction"},
	)

	ExtractionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greengpt_extraction_failures_total",
			Help: "Chat payloads from which no text could be extracted",
		},
		[]string{"direction"},
	)

	// Impact metrics
	TokensAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "greengpt_tokens_added_total",
			Help: "Tokens added to the impact aggregator",
		},
	)

	SessionTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "greengpt_session_tokens",
			Help: "Tokens in the current impact session",
		},
	)

	SessionWaterLiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "greengpt_session_water_liters",
			Help: "Estimated water usage of the current session in liters",
		},
	)

	SessionCO2Grams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "greengpt_session_co2_grams",
			Help: "Estimated CO2 emissions of the current session in grams",
		},
	)

	SessionsArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "greengpt_sessions_archived_total",
			Help: "Impact sessions archived by reset",
		},
	)

	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greengpt_storage_errors_total",
			Help: "Failed impact state loads and saves",
		},
		[]string{"op"},
	)

	// Web metrics
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greengpt_login_attempts_total",
			Help: "Web login attempts",
		},
		[]string{"result"},
	)

	GateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greengpt_gate_decisions_total",
			Help: "Page gate decisions",
		},
		[]string{"action"},
	)

	EventStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "greengpt_event_streams",
			Help: "Number of open impact event streams",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UpstreamErrors,
		TokensObserved,
		ExtractionFailures,
		TokensAdded,
		SessionTokens,
		SessionWaterLiters,
		SessionCO2Grams,
		SessionsArchived,
		StorageErrors,
		LoginAttempts,
		GateDecisions,
		EventStreams,
	)
}

// SetSession publishes the current session totals.
func SetSession(tokens int64, waterLiters, co2Grams float64) {
	SessionTokens.Set(float64(tokens))
	SessionWaterLiters.Set(waterLiters)
	SessionCO2Grams.Set(co2Grams)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
