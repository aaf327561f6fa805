package control

import "github.com/mjasion/balena-home/battery-guard/battery"

// AlertDebouncer allows one critical alert per low-battery episode
type AlertDebouncer struct {
	sent bool
}

// OnSample returns true when a critical alert should be sent for this sample.
// The debouncer re-arms on the first sample at or above the threshold.
// Samples without a battery carry no charge level and leave the state untouched.
func (d *AlertDebouncer) OnSample(state battery.State, criticalThreshold float64) bool {
	if !state.HasBattery {
		return false
	}
	if state.Percent >= criticalThreshold {
		d.sent = false
		return false
	}
	if d.sent {
		return false
	}
	d.sent = true
	return true
}

// Sent reports whether an alert was already emitted for the current episode
func (d *AlertDebouncer) Sent() bool {
	return d.sent
}
