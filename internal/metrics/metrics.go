package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playgate_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playgate_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Verification metrics
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playgate_verifications_total",
			Help: "Code verifications by grant kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Upstream metrics
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playgate_upstream_request_duration_seconds",
			Help:    "External service request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service", "operation"},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playgate_upstream_errors_total",
			Help: "External service request errors",
		},
		[]string{"service", "operation"},
	)

	// Content cache metrics
	ContentCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playgate_content_cache_hits_total",
			Help: "Content cache hits",
		},
	)

	ContentCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playgate_content_cache_misses_total",
			Help: "Content cache misses",
		},
	)

	// Play metrics
	LevelsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playgate_levels_started_total",
			Help: "Total level starts",
		},
		[]string{"level", "flow"},
	)

	LevelsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playgate_levels_completed_total",
			Help: "Total completed levels by risk level",
		},
		[]string{"level", "risk"},
	)

	QuestionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playgate_questions_expired_total",
			Help: "Questions resolved by countdown expiry",
		},
	)

	PercentageScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playgate_level_percentage_score",
			Help:    "Distribution of level percentage scores",
			Buckets: []float64{10, 20, 30, 44, 50, 60, 70, 84, 90, 100},
		},
	)

	// Ledger metrics
	ProgressReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playgate_progress_reports_total",
			Help: "Progress reports by outcome",
		},
		[]string{"outcome"},
	)

	SeatConsumptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playgate_seat_consumptions_total",
			Help: "Seat consumption requests by outcome",
		},
		[]string{"outcome"},
	)

	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playgate_active_sessions",
			Help: "Number of sessions with live runtime state",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		VerificationsTotal,
		UpstreamRequestDuration,
		UpstreamErrors,
		ContentCacheHits,
		ContentCacheMisses,
		LevelsStarted,
		LevelsCompleted,
		QuestionsExpired,
		PercentageScore,
		ProgressReports,
		SeatConsumptions,
		ActiveSessions,
	)
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
