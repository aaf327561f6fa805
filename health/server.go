package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/battery-guard/control"
)

// StatusSource provides the control loop snapshot
type StatusSource interface {
	Snapshot() control.Snapshot
}

// PushTracker reports the last successful remote write
type PushTracker interface {
	LastPushTime() time.Time
}

// Status represents the health status of the service
type Status struct {
	Status       string     `json:"status"`
	Loop         string     `json:"loop"`
	LastSample   *time.Time `json:"lastSample,omitempty"`
	LastPushTime *time.Time `json:"lastPushTime,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Options configures the staleness checks
type Options struct {
	Port         int
	PushInterval time.Duration
	// AccessLog enables a combined access log on stdout
	AccessLog bool
}

// Server exposes /health, /status and /metrics
type Server struct {
	source StatusSource
	pusher PushTracker
	opts   Options
	server *http.Server
	logger *zap.Logger
	now    func() time.Time
}

// NewServer builds the HTTP server. pusher may be nil when remote write is disabled.
func NewServer(source StatusSource, pusher PushTracker, gatherer prometheus.Gatherer, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		source: source,
		pusher: pusher,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	var h http.Handler = r
	if opts.AccessLog {
		h = handlers.CombinedLoggingHandler(os.Stdout, h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger}), handlers.PrintRecoveryStack(false))(h)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting health server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	status := Status{Status: "healthy", Loop: snap.Interval}
	now := s.now()

	if snap.Battery != nil {
		ts := snap.Battery.Timestamp
		status.LastSample = &ts
	}

	// A running loop must keep sampling; three missed intervals means telemetry is stuck.
	// A sample older than the current loop belongs to a previous run.
	if snap.Config != nil && snap.StartedAt != nil {
		interval := time.Duration(snap.Config.IntervalMs) * time.Millisecond
		since := *snap.StartedAt
		if status.LastSample != nil && status.LastSample.After(since) {
			since = *status.LastSample
		}
		if now.Sub(since) > 3*interval {
			status.Status = "unhealthy"
			status.Reason = "battery telemetry is stale"
		}
	}

	if s.pusher != nil {
		if lastPush := s.pusher.LastPushTime(); !lastPush.IsZero() {
			status.LastPushTime = &lastPush
			if s.opts.PushInterval > 0 && now.Sub(lastPush) > 3*s.opts.PushInterval {
				status.Status = "unhealthy"
				status.Reason = "remote write is stale"
			}
		}
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type recoveryLogger struct {
	logger *zap.Logger
}

func (l recoveryLogger) Println(args ...interface{}) {
	l.logger.Error("http handler panic", zap.String("panic", fmt.Sprint(args...)))
}
