package battery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPowerSupplyPath is where the Linux kernel exposes power supplies
const DefaultPowerSupplyPath = "/sys/class/power_supply"

// SysfsProvider reads battery and mains state from the power_supply class
type SysfsProvider struct {
	root   string
	logger *zap.Logger
}

// NewSysfsProvider creates a provider rooted at the given power_supply directory
func NewSysfsProvider(root string, logger *zap.Logger) *SysfsProvider {
	if root == "" {
		root = DefaultPowerSupplyPath
	}
	return &SysfsProvider{root: root, logger: logger}
}

// Sample reads every supply and folds them into a single State
func (p *SysfsProvider) Sample(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrTelemetryUnavailable, err)
	}

	entries, err := os.ReadDir(p.root)
	if err != nil {
		return State{}, fmt.Errorf("%w: failed to list %s: %v", ErrTelemetryUnavailable, p.root, err)
	}

	state := State{Timestamp: time.Now()}
	var (
		percents      []float64
		sawMains      bool
		batteryStatus string
	)

	for _, entry := range entries {
		dir := filepath.Join(p.root, entry.Name())
		supplyType := readString(dir, "type")

		switch supplyType {
		case "Battery":
			if present, ok := readInt(dir, "present"); ok && present == 0 {
				continue
			}
			// Peripheral batteries (mice, keyboards) report scope=Device
			if readString(dir, "scope") == "Device" {
				continue
			}
			pct, ok := batteryPercent(dir)
			if !ok {
				p.logger.Debug("battery without readable charge level", zap.String("supply", entry.Name()))
				continue
			}
			state.HasBattery = true
			percents = append(percents, pct)
			if batteryStatus == "" {
				batteryStatus = readString(dir, "status")
			}
		case "Mains", "USB", "USB_C", "USB_PD":
			sawMains = true
			if online, ok := readInt(dir, "online"); ok && online == 1 {
				state.ACConnected = true
			}
		}
	}

	if len(percents) > 0 {
		var sum float64
		for _, pct := range percents {
			sum += pct
		}
		state.Percent = sum / float64(len(percents))
	}

	// Some boards expose no mains supply at all, only the battery status
	if !sawMains && state.HasBattery {
		switch batteryStatus {
		case "Charging", "Full", "Not charging":
			state.ACConnected = true
		}
	}

	if !state.HasBattery && !sawMains {
		return State{}, fmt.Errorf("%w: no power supplies found under %s", ErrTelemetryUnavailable, p.root)
	}

	return state, nil
}

// batteryPercent prefers the energy or charge ratio, which is fractional, over capacity
func batteryPercent(dir string) (float64, bool) {
	for _, pair := range [][2]string{{"energy_now", "energy_full"}, {"charge_now", "charge_full"}} {
		now, okNow := readInt(dir, pair[0])
		full, okFull := readInt(dir, pair[1])
		if okNow && okFull && full > 0 {
			return clampPercent(float64(now) * 100 / float64(full)), true
		}
	}
	if capacity, ok := readInt(dir, "capacity"); ok {
		return clampPercent(float64(capacity)), true
	}
	return 0, false
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func readString(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readInt(dir, name string) (int64, bool) {
	raw := readString(dir, name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
