package control

import (
	"testing"
	"time"

	"github.com/mjasion/balena-home/battery-guard/battery"
)

var band = battery.ControlConfig{MinPercent: 60, MaxPercent: 80, PollInterval: 10 * time.Second}

func TestDecide_NoBatteryUnpowered(t *testing.T) {
	configs := []battery.ControlConfig{
		band,
		{MinPercent: 0, MaxPercent: 1},
		{MinPercent: 99, MaxPercent: 100},
		{MinPercent: 80, MaxPercent: 20},
	}

	for _, cfg := range configs {
		for pct := 0.0; pct <= 100; pct += 12.5 {
			cmd, ok := Decide(battery.State{Percent: pct}, cfg)
			if !ok || cmd != battery.PowerOn {
				t.Errorf("Expected PowerOn for unpowered host without battery (percent=%v, cfg=%+v), got %v/%v", pct, cfg, cmd, ok)
			}
		}
	}
}

func TestDecide_Band(t *testing.T) {
	tests := []struct {
		name      string
		state     battery.State
		wantCmd   battery.Command
		wantIssue bool
	}{
		{"below min on battery", battery.State{Percent: 59.9, HasBattery: true}, battery.PowerOn, true},
		{"empty on battery", battery.State{Percent: 0, HasBattery: true}, battery.PowerOn, true},
		{"below min already charging", battery.State{Percent: 30, HasBattery: true, ACConnected: true}, 0, false},
		{"at min on battery", battery.State{Percent: 60, HasBattery: true}, 0, false},
		{"inside band on battery", battery.State{Percent: 70, HasBattery: true}, 0, false},
		{"inside band charging", battery.State{Percent: 79.99, HasBattery: true, ACConnected: true}, 0, false},
		{"at max charging", battery.State{Percent: 80, HasBattery: true, ACConnected: true}, battery.PowerOff, true},
		{"full charging", battery.State{Percent: 100, HasBattery: true, ACConnected: true}, battery.PowerOff, true},
		{"above max on battery", battery.State{Percent: 95, HasBattery: true}, 0, false},
		{"no battery on ac", battery.State{Percent: 0, ACConnected: true}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := Decide(tt.state, band)
			if ok != tt.wantIssue {
				t.Fatalf("Expected decision=%v, got %v", tt.wantIssue, ok)
			}
			if ok && cmd != tt.wantCmd {
				t.Errorf("Expected %s, got %s", tt.wantCmd, cmd)
			}
		})
	}
}

func TestDecide_NoChatterInsideBand(t *testing.T) {
	for pct := band.MinPercent; pct < band.MaxPercent; pct += 0.25 {
		for _, ac := range []bool{false, true} {
			if _, ok := Decide(battery.State{Percent: pct, HasBattery: true, ACConnected: ac}, band); ok {
				t.Errorf("Expected no decision inside band (percent=%v, ac=%v)", pct, ac)
			}
		}
	}
}
