package battery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTelemetryUnavailable is returned when the battery could not be sampled
var ErrTelemetryUnavailable = errors.New("battery telemetry unavailable")

// ErrInvalidConfig is returned for thresholds or intervals the control loop cannot run with
var ErrInvalidConfig = errors.New("invalid control config")

// State is a single battery sample
type State struct {
	Percent     float64   `json:"percent"`
	HasBattery  bool      `json:"hasBattery"`
	ACConnected bool      `json:"acConnected"`
	Timestamp   time.Time `json:"timestamp"`
}

// PowerStatus returns a short human readable description of the power source
func (s State) PowerStatus() string {
	switch {
	case !s.HasBattery && s.ACConnected:
		return "ac-only"
	case !s.HasBattery:
		return "no-power"
	case s.ACConnected:
		return "charging"
	default:
		return "on-battery"
	}
}

// TelemetryProvider samples the current battery state
type TelemetryProvider interface {
	Sample(ctx context.Context) (State, error)
}

// Command is a request for the AC power actuator
type Command int

const (
	PowerOff Command = iota
	PowerOn
)

func (c Command) String() string {
	if c == PowerOn {
		return "power_on"
	}
	return "power_off"
}

// On reports whether the command switches the supply on
func (c Command) On() bool {
	return c == PowerOn
}

// ControlConfig holds the thresholds of one control loop instance
type ControlConfig struct {
	MinPercent   float64
	MaxPercent   float64
	PollInterval time.Duration
}

// Validate checks that the loop can run with this configuration
func (c ControlConfig) Validate() error {
	if c.MinPercent < 0 || c.MinPercent > 100 {
		return fmt.Errorf("%w: minPercent must be between 0 and 100, got %v", ErrInvalidConfig, c.MinPercent)
	}
	if c.MaxPercent < 0 || c.MaxPercent > 100 {
		return fmt.Errorf("%w: maxPercent must be between 0 and 100, got %v", ErrInvalidConfig, c.MaxPercent)
	}
	if c.MinPercent >= c.MaxPercent {
		return fmt.Errorf("%w: minPercent (%v) must be lower than maxPercent (%v)", ErrInvalidConfig, c.MinPercent, c.MaxPercent)
	}
	// the scheduler has one second resolution
	if c.PollInterval < time.Second {
		return fmt.Errorf("%w: pollInterval must be at least 1s, got %s", ErrInvalidConfig, c.PollInterval)
	}
	if c.PollInterval%time.Second != 0 {
		return fmt.Errorf("%w: pollInterval must be a whole number of seconds, got %s", ErrInvalidConfig, c.PollInterval)
	}
	return nil
}
