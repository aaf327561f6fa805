package control

import "github.com/mjasion/balena-home/battery-guard/battery"

// Decide applies the two-threshold policy to a sample.
// It only acts at the band edges: below min while unplugged, or at/above max while plugged.
// The boolean is false when no command should be sent.
func Decide(state battery.State, cfg battery.ControlConfig) (battery.Command, bool) {
	switch {
	case !state.HasBattery && !state.ACConnected:
		// nothing buffers the host, always restore power
		return battery.PowerOn, true
	case state.Percent < cfg.MinPercent && !state.ACConnected:
		return battery.PowerOn, true
	case state.Percent >= cfg.MaxPercent && state.ACConnected:
		return battery.PowerOff, true
	default:
		return battery.PowerOff, false
	}
}
