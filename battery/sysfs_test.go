package battery

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeSupply(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create supply dir: %v", err)
	}
	for file, content := range files {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content+"\n"), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", file, err)
		}
	}
}

func TestSample_BatteryAndMains(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "BAT0", map[string]string{
		"type":     "Battery",
		"present":  "1",
		"capacity": "55",
		"status":   "Discharging",
	})
	writeSupply(t, root, "AC", map[string]string{
		"type":   "Mains",
		"online": "0",
	})

	state, err := NewSysfsProvider(root, zap.NewNop()).Sample(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !state.HasBattery {
		t.Error("Expected battery to be present")
	}
	if state.ACConnected {
		t.Error("Expected AC to be disconnected")
	}
	if state.Percent != 55 {
		t.Errorf("Expected 55%%, got %v", state.Percent)
	}
	if state.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestSample_FractionalFromEnergy(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "BAT0", map[string]string{
		"type":        "Battery",
		"capacity":    "82",
		"energy_now":  "41250000",
		"energy_full": "50000000",
	})
	writeSupply(t, root, "ADP1", map[string]string{
		"type":   "Mains",
		"online": "1",
	})

	state, err := NewSysfsProvider(root, zap.NewNop()).Sample(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if math.Abs(state.Percent-82.5) > 0.0001 {
		t.Errorf("Expected 82.5%%, got %v", state.Percent)
	}
	if !state.ACConnected {
		t.Error("Expected AC to be connected")
	}
}

func TestSample_StatusFallbackWithoutMains(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "battery", map[string]string{
		"type":     "Battery",
		"capacity": "90",
		"status":   "Charging",
	})

	state, err := NewSysfsProvider(root, zap.NewNop()).Sample(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !state.ACConnected {
		t.Error("Expected AC to be derived from charging status")
	}
}

func TestSample_IgnoresPeripheralAndAbsentBatteries(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "hidpp_battery_0", map[string]string{
		"type":     "Battery",
		"scope":    "Device",
		"capacity": "5",
	})
	writeSupply(t, root, "BAT1", map[string]string{
		"type":     "Battery",
		"present":  "0",
		"capacity": "0",
	})
	writeSupply(t, root, "AC", map[string]string{
		"type":   "Mains",
		"online": "1",
	})

	state, err := NewSysfsProvider(root, zap.NewNop()).Sample(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state.HasBattery {
		t.Error("Expected no usable battery")
	}
	if !state.ACConnected {
		t.Error("Expected AC to be connected")
	}
	if got := state.PowerStatus(); got != "ac-only" {
		t.Errorf("Expected power status ac-only, got %s", got)
	}
}

func TestSample_NoSupplies(t *testing.T) {
	_, err := NewSysfsProvider(t.TempDir(), zap.NewNop()).Sample(context.Background())
	if !errors.Is(err, ErrTelemetryUnavailable) {
		t.Fatalf("Expected ErrTelemetryUnavailable, got: %v", err)
	}
}

func TestSample_MissingRoot(t *testing.T) {
	_, err := NewSysfsProvider("/non/existent/power_supply", zap.NewNop()).Sample(context.Background())
	if !errors.Is(err, ErrTelemetryUnavailable) {
		t.Fatalf("Expected ErrTelemetryUnavailable, got: %v", err)
	}
}
