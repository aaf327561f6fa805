package actuator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/battery-guard/battery"
)

func TestNewMQTTTransport_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
	}{
		{"missing host", MQTTConfig{BrokerURL: "not a url", Topic: "plug"}},
		{"missing topic", MQTTConfig{BrokerURL: "mqtt://127.0.0.1:1883"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMQTTTransport(context.Background(), tt.cfg, zap.NewNop()); err == nil {
				t.Error("Expected error for invalid config")
			}
		})
	}
}

func TestMQTTTransport_CommandTopic(t *testing.T) {
	tr := &MQTTTransport{cfg: MQTTConfig{Topic: "/tasmota_plug/"}}
	if got := tr.CommandTopic(); got != "cmnd/tasmota_plug/POWER" {
		t.Errorf("Expected cmnd/tasmota_plug/POWER, got %s", got)
	}
	if tr.Path() != PathLocal {
		t.Errorf("Expected local path, got %v", tr.Path())
	}
}

func TestMQTTTransport_CloseWithoutConnection(t *testing.T) {
	tr := &MQTTTransport{}
	if err := tr.Close(context.Background()); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestMQTTTransport_DeadBrokerFallsBackToCloud(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mqtt, err := NewMQTTTransport(ctx, MQTTConfig{
		BrokerURL:      "mqtt://127.0.0.1:1",
		Topic:          "plug",
		ConnectTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	cloud := &fakeTransport{name: "tuya", path: PathCloud}
	d, _ := NewDispatcher(zap.NewNop(), mqtt, cloud)

	sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
	defer sendCancel()

	result, err := d.Send(sendCtx, battery.PowerOn)
	if err != nil {
		t.Fatalf("Expected cloud fallback, got: %v", err)
	}
	if result.Via != PathCloud || cloud.callCount() != 1 {
		t.Errorf("Expected one delivery via cloud, got via %s with %d calls", result.Via, cloud.callCount())
	}
	if len(result.Failures) != 1 || !errors.Is(result.Failures[0], context.DeadlineExceeded) {
		t.Errorf("Expected mqtt connect deadline failure, got %q", result.FailureDetail())
	}
}
