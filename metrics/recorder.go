package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mjasion/balena-home/battery-guard/actuator"
	"github.com/mjasion/balena-home/battery-guard/battery"
)

const namespace = "battery_guard"

// Recorder turns control loop events into Prometheus collectors and,
// when a buffer is set, into samples for remote write
type Recorder struct {
	buffer *RingBuffer[Sample]
	labels map[string]string

	percent          prometheus.Gauge
	acConnected      prometheus.Gauge
	hasBattery       prometheus.Gauge
	telemetryErrors  prometheus.Counter
	alerts           *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	transportErrors  *prometheus.CounterVec
}

// NewRecorder registers the collectors on reg. buf may be nil.
func NewRecorder(reg prometheus.Registerer, buf *RingBuffer[Sample], labels map[string]string) (*Recorder, error) {
	r := &Recorder{
		buffer: buf,
		labels: labels,
		percent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_percent",
			Help:      "Battery charge of the latest sample.",
		}),
		acConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ac_connected",
			Help:      "Whether external power was present in the latest sample (1=yes).",
		}),
		hasBattery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "has_battery",
			Help:      "Whether a battery was found in the latest sample (1=yes).",
		}),
		telemetryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_errors_total",
			Help:      "Ticks skipped because the battery could not be sampled.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_alerts_total",
			Help:      "Critical battery alerts by delivery result.",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Power commands by command, delivery path and result.",
		}, []string{"command", "via", "result"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to deliver a power command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"via"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Failed attempts per transport.",
		}, []string{"transport", "path"}),
	}

	for _, c := range []prometheus.Collector{
		r.percent,
		r.acConnected,
		r.hasBattery,
		r.telemetryErrors,
		r.alerts,
		r.dispatches,
		r.dispatchDuration,
		r.transportErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Recorder) ObserveSample(state battery.State) {
	r.percent.Set(state.Percent)
	r.acConnected.Set(boolToFloat(state.ACConnected))
	r.hasBattery.Set(boolToFloat(state.HasBattery))

	ts := state.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r.push(
		Sample{Name: namespace + "_battery_percent", Value: state.Percent, Timestamp: ts},
		Sample{Name: namespace + "_ac_connected", Value: boolToFloat(state.ACConnected), Timestamp: ts},
	)
}

func (r *Recorder) ObserveTelemetryError(err error) {
	r.telemetryErrors.Inc()
}

func (r *Recorder) ObserveAlert(percent float64, err error) {
	r.alerts.WithLabelValues(resultLabel(err)).Inc()
	r.push(Sample{
		Name:      namespace + "_critical_alert",
		Value:     percent,
		Timestamp: time.Now(),
		Labels:    map[string]string{"result": resultLabel(err)},
	})
}

func (r *Recorder) ObserveDispatch(cmd battery.Command, result actuator.Result, err error) {
	via := string(result.Via)
	if via == "" {
		via = "none"
	}
	r.dispatches.WithLabelValues(cmd.String(), via, resultLabel(err)).Inc()
	if err == nil {
		r.dispatchDuration.WithLabelValues(via).Observe(result.Duration.Seconds())
	}

	failures := result.Failures
	var unreachable *actuator.UnreachableError
	if errors.As(err, &unreachable) {
		failures = unreachable.Failures
	}
	for _, f := range failures {
		r.transportErrors.WithLabelValues(f.Transport, string(f.Path)).Inc()
	}

	r.push(Sample{
		Name:      namespace + "_dispatch",
		Value:     boolToFloat(cmd.On()),
		Timestamp: time.Now(),
		Labels:    map[string]string{"via": via, "result": resultLabel(err)},
	})
}

func (r *Recorder) push(samples ...Sample) {
	if r.buffer == nil {
		return
	}
	for i := range samples {
		if len(r.labels) == 0 {
			continue
		}
		merged := make(map[string]string, len(r.labels)+len(samples[i].Labels))
		for k, v := range r.labels {
			merged[k] = v
		}
		for k, v := range samples[i].Labels {
			merged[k] = v
		}
		samples[i].Labels = merged
	}
	r.buffer.Add(samples...)
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
