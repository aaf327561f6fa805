package actuator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/mjasion/balena-home/battery-guard/battery"
	"go.uber.org/zap"
)

// MQTTConfig describes a Tasmota plug reachable through a local broker.
// Commands go to cmnd/<Topic>/POWER. ConnectTimeout bounds a broker connect
// and the wait for a connection in Set.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	KeepAlive      uint16
	ConnectTimeout time.Duration
}

// MQTTTransport publishes Tasmota power commands through an autopaho connection
type MQTTTransport struct {
	cfg    MQTTConfig
	cm     *autopaho.ConnectionManager
	logger *zap.Logger
}

// NewMQTTTransport starts a background connection to the broker; it does not wait for it
func NewMQTTTransport(ctx context.Context, cfg MQTTConfig, logger *zap.Logger) (*MQTTTransport, error) {
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil || brokerURL.Host == "" {
		return nil, fmt.Errorf("invalid mqtt broker url %q", cfg.BrokerURL)
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("mqtt device topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "battery-guard"
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	t := &MQTTTransport{cfg: cfg, logger: logger}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(5 * time.Second),
		ConnectTimeout:                cfg.ConnectTimeout,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, ack *paho.Connack) {
			logger.Info("mqtt connection established", zap.String("broker", cfg.BrokerURL))
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection failed, retrying", zap.String("broker", cfg.BrokerURL), zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				logger.Error("mqtt client error", zap.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				logger.Warn("mqtt server requested disconnect", zap.String("reason", reason))
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start mqtt connection: %w", err)
	}
	t.cm = cm

	return t, nil
}

func (t *MQTTTransport) Name() string { return "tasmota-mqtt" }

func (t *MQTTTransport) Path() Path { return PathLocal }

// CommandTopic is the topic the power command is published to
func (t *MQTTTransport) CommandTopic() string {
	return "cmnd/" + strings.Trim(t.cfg.Topic, "/") + "/POWER"
}

// Set publishes ON or OFF with QoS 1. It waits at most ConnectTimeout for the broker.
func (t *MQTTTransport) Set(ctx context.Context, cmd battery.Command) error {
	awaitCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	err := t.cm.AwaitConnection(awaitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("mqtt broker not connected: %w", err)
	}

	payload := "OFF"
	if cmd.On() {
		payload = "ON"
	}

	if _, err := t.cm.Publish(ctx, &paho.Publish{
		Topic:   t.CommandTopic(),
		QoS:     1,
		Payload: []byte(payload),
	}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.CommandTopic(), err)
	}

	t.logger.Debug("published power command",
		zap.String("topic", t.CommandTopic()),
		zap.String("payload", payload),
	)
	return nil
}

// Close disconnects from the broker
func (t *MQTTTransport) Close(ctx context.Context) error {
	if t.cm == nil {
		return nil
	}
	if err := t.cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	t.logger.Info("mqtt client disconnected")
	return nil
}
