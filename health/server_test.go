package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/battery-guard/battery"
	"github.com/mjasion/balena-home/battery-guard/control"
	"github.com/mjasion/balena-home/battery-guard/hoststat"
)

type staticSource struct {
	snap control.Snapshot
}

func (s staticSource) Snapshot() control.Snapshot { return s.snap }

type staticPusher struct {
	last time.Time
}

func (p staticPusher) LastPushTime() time.Time { return p.last }

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func runningSnapshot(lastSample time.Time) control.Snapshot {
	started := fixedNow.Add(-time.Hour)
	return control.Snapshot{
		Interval:  control.StateStarted,
		Config:    &control.Descriptor{Min: 60, Max: 80, IntervalMs: 10000},
		StartedAt: &started,
		Ticks:     42,
		Battery:   &battery.State{Percent: 71, HasBattery: true, ACConnected: true, Timestamp: lastSample},
	}
}

// restartedSnapshot is a loop started at startedAt whose latest sample predates the restart
func restartedSnapshot(startedAt, lastSample time.Time) control.Snapshot {
	snap := runningSnapshot(lastSample)
	snap.StartedAt = &startedAt
	return snap
}

func newTestServer(source StatusSource, pusher PushTracker) *Server {
	s := NewServer(source, pusher, prometheus.NewRegistry(), Options{Port: 0, PushInterval: 15 * time.Second}, zap.NewNop())
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name         string
		source       StatusSource
		pusher       PushTracker
		expectedCode int
		expected     string
	}{
		{"stopped loop", staticSource{control.Snapshot{Interval: control.StateStopped}}, nil, http.StatusOK, "healthy"},
		{"fresh sample", staticSource{runningSnapshot(fixedNow.Add(-5 * time.Second))}, nil, http.StatusOK, "healthy"},
		{"stale sample", staticSource{runningSnapshot(fixedNow.Add(-time.Minute))}, nil, http.StatusServiceUnavailable, "unhealthy"},
		{"restarted after outage", staticSource{restartedSnapshot(fixedNow.Add(-5*time.Second), fixedNow.Add(-time.Hour))}, nil, http.StatusOK, "healthy"},
		{"restarted and stuck", staticSource{restartedSnapshot(fixedNow.Add(-time.Minute), fixedNow.Add(-time.Hour))}, nil, http.StatusServiceUnavailable, "unhealthy"},
		{"stale push", staticSource{runningSnapshot(fixedNow)}, staticPusher{fixedNow.Add(-time.Minute)}, http.StatusServiceUnavailable, "unhealthy"},
		{"no push yet", staticSource{runningSnapshot(fixedNow)}, staticPusher{}, http.StatusOK, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.source, tt.pusher)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.expectedCode {
				t.Errorf("Expected status code %d, got %d", tt.expectedCode, rec.Code)
			}
			var status Status
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if status.Status != tt.expected {
				t.Errorf("Expected %s, got %s (%s)", tt.expected, status.Status, status.Reason)
			}
		})
	}
}

func TestStatus_ReturnsSnapshot(t *testing.T) {
	running := runningSnapshot(fixedNow)
	running.Host = &hoststat.Stats{CPUMHz: 1800, MemTotal: 8 << 30}
	s := newTestServer(staticSource{running}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var snap control.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if snap.Interval != control.StateStarted || snap.Ticks != 42 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
	if snap.Config == nil || snap.Config.Min != 60 || snap.Config.Max != 80 {
		t.Errorf("Expected descriptor 60/80, got %+v", snap.Config)
	}
	if snap.Battery == nil || snap.Battery.Percent != 71 {
		t.Errorf("Expected battery percent 71, got %+v", snap.Battery)
	}
	if snap.Host == nil || snap.Host.CPUMHz != 1800 || snap.Host.MemTotal != 8<<30 {
		t.Errorf("Expected host stats, got %+v", snap.Host)
	}
}

func TestMetrics_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "battery_guard_test_gauge", Help: "test"})
	reg.MustRegister(gauge)
	gauge.Set(3)

	s := NewServer(staticSource{}, nil, reg, Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "battery_guard_test_gauge 3") {
		t.Errorf("Expected gauge in output, got:\n%s", rec.Body.String())
	}
}

func TestRouter_RejectsWrongMethod(t *testing.T) {
	s := newTestServer(staticSource{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

type panicSource struct{}

func (panicSource) Snapshot() control.Snapshot { panic("boom") }

func TestRecoveryHandler(t *testing.T) {
	s := newTestServer(panicSource{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}
