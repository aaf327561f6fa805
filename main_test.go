package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/battery-guard/actuator"
	"github.com/mjasion/balena-home/battery-guard/config"
)

func TestBuildTransports_LocalBeforeCloud(t *testing.T) {
	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer cloud.Close()

	cfg := &config.ActuatorConfig{
		DispatchTimeoutSeconds: 30,
		Tuya: config.TuyaConfig{
			BaseURL:        cloud.URL,
			AccessKey:      "access",
			SecretKey:      "secret",
			DeviceID:       "device-1",
			TimeoutSeconds: 1,
		},
		Local: config.LocalPlugConfig{Kind: "shelly", Address: "192.168.1.50", TimeoutSeconds: 1},
	}

	transports, closeAll, err := buildTransports(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer closeAll()

	if len(transports) != 2 {
		t.Fatalf("Expected 2 transports, got %d", len(transports))
	}

	d, err := actuator.NewDispatcher(zap.NewNop(), transports...)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	ordered := d.Transports()
	if ordered[0].Name() != "shelly-http" || ordered[1].Name() != "tuya-cloud" {
		t.Errorf("Expected shelly-http then tuya-cloud, got %s then %s", ordered[0].Name(), ordered[1].Name())
	}
}

func TestBuildTransports_MixedCaseLocalKind(t *testing.T) {
	cfg := &config.ActuatorConfig{
		DispatchTimeoutSeconds: 30,
		Local:                  config.LocalPlugConfig{Kind: "Tasmota", Address: "192.168.1.51", TimeoutSeconds: 1},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected config to validate, got: %v", err)
	}

	transports, closeAll, err := buildTransports(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer closeAll()

	if len(transports) != 1 || transports[0].Name() != "tasmota-http" {
		t.Errorf("Expected a single tasmota-http transport, got %d", len(transports))
	}
}

func TestBuildTransports_InvalidLocal(t *testing.T) {
	cfg := &config.ActuatorConfig{Local: config.LocalPlugConfig{Kind: "sonoff", Address: "10.0.0.2"}}
	if _, _, err := buildTransports(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Error("Expected error for unsupported local plug kind")
	}
}

func TestControlOptions(t *testing.T) {
	cfg := &config.Config{
		Battery:  config.BatteryConfig{CriticalPercent: 15, LogInterval: 6},
		Actuator: config.ActuatorConfig{DispatchTimeoutSeconds: 20},
		Alert:    config.AlertConfig{TimeoutSeconds: 10},
	}

	opts := controlOptions(cfg, nil, nil)
	if opts.CriticalPercent != 15 || opts.LogEvery != 6 {
		t.Errorf("Unexpected options: %+v", opts)
	}
	if opts.DispatchTimeout != 20*time.Second || opts.AlertTimeout != 10*time.Second {
		t.Errorf("Expected 20s/10s timeouts, got %v/%v", opts.DispatchTimeout, opts.AlertTimeout)
	}
	if opts.Host != nil {
		t.Errorf("Expected no host reader, got %v", opts.Host)
	}
}

func TestHostReader(t *testing.T) {
	cfg := &config.Config{Battery: config.BatteryConfig{ProcPath: t.TempDir(), SysPath: t.TempDir()}}
	if hostReader(cfg, zap.NewNop()) == nil {
		t.Error("Expected host reader for existing proc mount")
	}

	cfg.Battery.ProcPath = filepath.Join(t.TempDir(), "missing")
	if r := hostReader(cfg, zap.NewNop()); r != nil {
		t.Errorf("Expected nil reader for missing proc mount, got %v", r)
	}
}
