package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/battery-guard/actuator"
	"github.com/mjasion/balena-home/battery-guard/battery"
)

// Config holds all configuration parameters for battery-guard
type Config struct {
	Battery     BatteryConfig     `yaml:"battery"`
	Actuator    ActuatorConfig    `yaml:"actuator"`
	Alert       AlertConfig       `yaml:"alert"`
	Server      ServerConfig      `yaml:"server"`
	RemoteWrite RemoteWriteConfig `yaml:"remoteWrite"`

	Logging       LoggingConfig       `yaml:"logging"`
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
}

// BatteryConfig holds the control loop thresholds
type BatteryConfig struct {
	MinPercent      float64 `yaml:"keepMin" env:"BATTERY_KEEP_MIN" env-default:"60"`
	MaxPercent      float64 `yaml:"keepMax" env:"BATTERY_KEEP_MAX" env-default:"80"`
	CheckIntervalMs int     `yaml:"checkIntervalMs" env:"BATTERY_CHECK_INTERVAL_MS" env-default:"10000"`
	CriticalPercent float64 `yaml:"critical" env:"BATTERY_CRITICAL" env-default:"20"`
	LogInterval     int     `yaml:"logInterval" env:"BATTERY_LOG_INTERVAL" env-default:"12"`
	PowerSupplyPath string  `yaml:"powerSupplyPath" env:"BATTERY_POWER_SUPPLY_PATH" env-default:"/sys/class/power_supply"`
	ProcPath        string  `yaml:"procPath" env:"HOST_PROC_PATH" env-default:"/proc"`
	SysPath         string  `yaml:"sysPath" env:"HOST_SYS_PATH" env-default:"/sys"`
	// AutoStart starts the loop at boot, otherwise it waits for a SIGHUP
	AutoStart bool `yaml:"autoStart" env:"BATTERY_AUTO_START" env-default:"true"`
}

// ActuatorConfig lists the transports used to switch the plug.
// Each local attempt is bounded by LocalAttemptTimeoutSeconds so the cloud keeps the rest of the dispatch budget.
type ActuatorConfig struct {
	DispatchTimeoutSeconds     int             `yaml:"dispatchTimeoutSeconds" env:"ACTUATOR_DISPATCH_TIMEOUT_SECONDS" env-default:"30"`
	LocalAttemptTimeoutSeconds int             `yaml:"localAttemptTimeoutSeconds" env:"ACTUATOR_LOCAL_ATTEMPT_TIMEOUT_SECONDS" env-default:"10"`
	Local                      LocalPlugConfig `yaml:"local"`
	MQTT                       MQTTConfig      `yaml:"mqtt"`
	Tuya                       TuyaConfig      `yaml:"tuya"`
}

// LocalPlugConfig is a plug reachable over the LAN
type LocalPlugConfig struct {
	Kind           string  `yaml:"kind" env:"LOCAL_PLUG_KIND"`
	Address        string  `yaml:"address" env:"LOCAL_PLUG_ADDRESS"`
	Channel        int     `yaml:"channel" env:"LOCAL_PLUG_CHANNEL" env-default:"0"`
	Username       string  `yaml:"username" env:"LOCAL_PLUG_USERNAME"`
	Password       string  `yaml:"password" env:"LOCAL_PLUG_PASSWORD"`
	TimeoutSeconds float64 `yaml:"timeoutSeconds" env:"LOCAL_PLUG_TIMEOUT_SECONDS" env-default:"5"`
}

// MQTTConfig is a Tasmota plug behind an MQTT broker
type MQTTConfig struct {
	BrokerURL             string `yaml:"brokerUrl" env:"MQTT_BROKER_URL"`
	ClientID              string `yaml:"clientId" env:"MQTT_CLIENT_ID" env-default:"battery-guard"`
	Username              string `yaml:"username" env:"MQTT_USERNAME"`
	Password              string `yaml:"password" env:"MQTT_PASSWORD"`
	Topic                 string `yaml:"topic" env:"MQTT_TOPIC"`
	KeepAlive             uint16 `yaml:"keepAlive" env:"MQTT_KEEP_ALIVE" env-default:"30"`
	ConnectTimeoutSeconds int    `yaml:"connectTimeoutSeconds" env:"MQTT_CONNECT_TIMEOUT_SECONDS" env-default:"5"`
}

// TuyaConfig holds the cloud project credentials
type TuyaConfig struct {
	BaseURL        string  `yaml:"baseUrl" env:"TUYA_BASE_URL" env-default:"https://openapi.tuyain.com"`
	AccessKey      string  `yaml:"accessKey" env:"TUYA_ACCESS_KEY"`
	SecretKey      string  `yaml:"secretKey" env:"TUYA_SECRET_KEY"`
	DeviceID       string  `yaml:"deviceId" env:"TUYA_DEVICE_ID"`
	SwitchCode     string  `yaml:"switchCode" env:"TUYA_SWITCH_CODE" env-default:"switch_1"`
	TimeoutSeconds float64 `yaml:"timeoutSeconds" env:"TUYA_TIMEOUT_SECONDS" env-default:"10"`
}

// AlertConfig configures the critical battery notification
type AlertConfig struct {
	Script         string `yaml:"script" env:"ALERT_SCRIPT" env-default:"./notify.sh"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" env:"ALERT_TIMEOUT_SECONDS" env-default:"30"`
}

// ServerConfig configures the status server
type ServerConfig struct {
	Port int `yaml:"port" env:"PORT" env-default:"8801"`
}

// RemoteWriteConfig configures pushing samples to a Prometheus remote write endpoint
type RemoteWriteConfig struct {
	Enabled             bool   `yaml:"enabled" env:"REMOTE_WRITE_ENABLED" env-default:"false"`
	URL                 string `yaml:"url" env:"PROMETHEUS_URL"`
	Username            string `yaml:"username" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"password" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

// Load reads the config file when it exists and applies environment overrides.
// Without a file the configuration comes from the environment alone.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath != "" && fileExists(configPath) {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ControlConfig converts the battery section into loop parameters
func (c *Config) ControlConfig() battery.ControlConfig {
	return battery.ControlConfig{
		MinPercent:   c.Battery.MinPercent,
		MaxPercent:   c.Battery.MaxPercent,
		PollInterval: time.Duration(c.Battery.CheckIntervalMs) * time.Millisecond,
	}
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	if err := c.ControlConfig().Validate(); err != nil {
		return err
	}

	if c.Battery.CriticalPercent < 0 || c.Battery.CriticalPercent > 100 {
		return fmt.Errorf("critical must be between 0 and 100, got %v", c.Battery.CriticalPercent)
	}

	if c.Battery.LogInterval < 1 {
		return fmt.Errorf("logInterval must be at least 1, got %d", c.Battery.LogInterval)
	}

	if err := c.Actuator.Validate(); err != nil {
		return fmt.Errorf("actuator validation failed: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if err := c.RemoteWrite.Validate(); err != nil {
		return fmt.Errorf("remote write validation failed: %w", err)
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}

	if err := ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}

	if err := ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

// Validate checks that at least one transport is fully configured
func (a *ActuatorConfig) Validate() error {
	if a.DispatchTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatchTimeoutSeconds must be positive, got %d", a.DispatchTimeoutSeconds)
	}
	if a.LocalAttemptTimeoutSeconds < 0 || a.LocalAttemptTimeoutSeconds >= a.DispatchTimeoutSeconds {
		return fmt.Errorf("localAttemptTimeoutSeconds must be between 0 and dispatchTimeoutSeconds (%d), got %d",
			a.DispatchTimeoutSeconds, a.LocalAttemptTimeoutSeconds)
	}

	if a.Local.Enabled() {
		kind := strings.ToLower(strings.TrimSpace(a.Local.Kind))
		if kind != actuator.KindShelly && kind != actuator.KindTasmota {
			return fmt.Errorf("local plug kind must be '%s' or '%s', got '%s'", actuator.KindShelly, actuator.KindTasmota, a.Local.Kind)
		}
		if a.Local.Address == "" {
			return errors.New("local plug address is required when kind is set")
		}
	}

	if a.MQTT.Enabled() {
		if _, err := url.ParseRequestURI(a.MQTT.BrokerURL); err != nil {
			return fmt.Errorf("invalid mqtt brokerUrl: %w", err)
		}
		if a.MQTT.Topic == "" {
			return errors.New("mqtt topic is required when a broker is set")
		}
	}

	tuyaFields := []string{a.Tuya.AccessKey, a.Tuya.SecretKey, a.Tuya.DeviceID}
	set := 0
	for _, f := range tuyaFields {
		if f != "" {
			set++
		}
	}
	if set != 0 && set != len(tuyaFields) {
		return errors.New("tuya accessKey, secretKey and deviceId must be set together")
	}
	if a.Tuya.Enabled() {
		if _, err := url.ParseRequestURI(a.Tuya.BaseURL); err != nil {
			return fmt.Errorf("invalid tuya baseUrl: %w", err)
		}
	}

	if !a.Local.Enabled() && !a.MQTT.Enabled() && !a.Tuya.Enabled() {
		return errors.New("no transport configured, set a local plug, an mqtt broker or tuya credentials")
	}

	return nil
}

// Enabled reports whether a local HTTP plug is configured
func (l LocalPlugConfig) Enabled() bool { return l.Kind != "" }

// Enabled reports whether an MQTT plug is configured
func (m MQTTConfig) Enabled() bool { return m.BrokerURL != "" }

// Enabled reports whether the cloud transport is configured
func (t TuyaConfig) Enabled() bool { return t.AccessKey != "" && t.SecretKey != "" && t.DeviceID != "" }

// Validate checks the remote write section when it is enabled
func (r *RemoteWriteConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if _, err := url.ParseRequestURI(r.URL); err != nil {
		return fmt.Errorf("invalid prometheus url: %w", err)
	}
	if r.PushIntervalSeconds <= 0 {
		return fmt.Errorf("pushIntervalSeconds must be positive, got %d", r.PushIntervalSeconds)
	}
	if r.BufferSize <= 0 {
		return fmt.Errorf("bufferSize must be positive, got %d", r.BufferSize)
	}
	return nil
}

// Redacted returns a copy of the config with sensitive fields redacted for logging
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"battery": map[string]interface{}{
			"keepMin":         c.Battery.MinPercent,
			"keepMax":         c.Battery.MaxPercent,
			"checkIntervalMs": c.Battery.CheckIntervalMs,
			"critical":        c.Battery.CriticalPercent,
			"logInterval":     c.Battery.LogInterval,
			"powerSupplyPath": c.Battery.PowerSupplyPath,
			"procPath":        c.Battery.ProcPath,
			"sysPath":         c.Battery.SysPath,
			"autoStart":       c.Battery.AutoStart,
		},
		"actuator": map[string]interface{}{
			"dispatchTimeoutSeconds":     c.Actuator.DispatchTimeoutSeconds,
			"localAttemptTimeoutSeconds": c.Actuator.LocalAttemptTimeoutSeconds,
			"local": map[string]interface{}{
				"kind":        c.Actuator.Local.Kind,
				"address":     c.Actuator.Local.Address,
				"channel":     c.Actuator.Local.Channel,
				"passwordSet": c.Actuator.Local.Password != "",
			},
			"mqtt": map[string]interface{}{
				"brokerUrl":   redactURL(c.Actuator.MQTT.BrokerURL),
				"topic":       c.Actuator.MQTT.Topic,
				"passwordSet": c.Actuator.MQTT.Password != "",
			},
			"tuya": map[string]interface{}{
				"baseUrl":      c.Actuator.Tuya.BaseURL,
				"accessKeySet": c.Actuator.Tuya.AccessKey != "",
				"secretKey":    "***",
				"deviceId":     c.Actuator.Tuya.DeviceID,
				"switchCode":   c.Actuator.Tuya.SwitchCode,
			},
		},
		"alert": map[string]interface{}{
			"script":         c.Alert.Script,
			"timeoutSeconds": c.Alert.TimeoutSeconds,
		},
		"port": c.Server.Port,
		"remoteWrite": map[string]interface{}{
			"enabled":             c.RemoteWrite.Enabled,
			"url":                 redactURL(c.RemoteWrite.URL),
			"username":            c.RemoteWrite.Username,
			"password":            "***",
			"pushIntervalSeconds": c.RemoteWrite.PushIntervalSeconds,
		},
		"logging": map[string]interface{}{
			"logFormat": c.Logging.Format,
			"logLevel":  c.Logging.Level,
		},
		"opentelemetry": map[string]interface{}{
			"enabled":        c.OpenTelemetry.Enabled,
			"serviceName":    c.OpenTelemetry.ServiceName,
			"tracesEnabled":  c.OpenTelemetry.Traces.Enabled,
			"metricsEnabled": c.OpenTelemetry.Metrics.Enabled,
		},
		"profiling": map[string]interface{}{
			"enabled":       c.Profiling.Enabled,
			"serverAddress": c.Profiling.ServerAddress,
		},
	}
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return NewLogger(&c.Logging)
}

// PrintConfig logs the effective loop and transport settings
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.Float64("keep_min", c.Battery.MinPercent),
		zap.Float64("keep_max", c.Battery.MaxPercent),
		zap.Int("check_interval_ms", c.Battery.CheckIntervalMs),
		zap.Float64("critical", c.Battery.CriticalPercent),
		zap.Int("log_interval", c.Battery.LogInterval),
		zap.Bool("auto_start", c.Battery.AutoStart),
		zap.String("local_plug_kind", c.Actuator.Local.Kind),
		zap.Bool("mqtt_enabled", c.Actuator.MQTT.Enabled()),
		zap.Bool("tuya_enabled", c.Actuator.Tuya.Enabled()),
		zap.String("alert_script", c.Alert.Script),
		zap.Int("port", c.Server.Port),
		zap.Bool("remote_write_enabled", c.RemoteWrite.Enabled),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
