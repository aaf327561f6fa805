package control

import (
	"testing"

	"github.com/mjasion/balena-home/battery-guard/battery"
)

func TestAlertDebouncer_OncePerEpisode(t *testing.T) {
	var d AlertDebouncer
	percents := []float64{15, 14, 13, 25, 10}
	expected := []bool{true, false, false, false, true}

	for i, pct := range percents {
		got := d.OnSample(battery.State{Percent: pct, HasBattery: true}, 20)
		if got != expected[i] {
			t.Errorf("Sample %d (%v%%): expected emit=%v, got %v", i, pct, expected[i], got)
		}
	}
}

func TestAlertDebouncer_ThresholdIsNotCritical(t *testing.T) {
	var d AlertDebouncer
	if d.OnSample(battery.State{Percent: 20, HasBattery: true}, 20) {
		t.Error("Expected no alert exactly at threshold")
	}
	if !d.OnSample(battery.State{Percent: 19.9, HasBattery: true}, 20) {
		t.Error("Expected alert just below threshold")
	}
	if !d.Sent() {
		t.Error("Expected episode to be marked as sent")
	}
	d.OnSample(battery.State{Percent: 20, HasBattery: true}, 20)
	if d.Sent() {
		t.Error("Expected debouncer to re-arm at threshold")
	}
}

func TestAlertDebouncer_IgnoresHostsWithoutBattery(t *testing.T) {
	var d AlertDebouncer
	if d.OnSample(battery.State{Percent: 0}, 20) {
		t.Error("Expected no alert without a battery")
	}
	if !d.OnSample(battery.State{Percent: 5, HasBattery: true}, 20) {
		t.Error("Expected alert once a low battery appears")
	}
	// a battery-less sample must not re-arm the episode
	d.OnSample(battery.State{Percent: 0}, 20)
	if d.OnSample(battery.State{Percent: 5, HasBattery: true}, 20) {
		t.Error("Expected alert to stay suppressed")
	}
}
