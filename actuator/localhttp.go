package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mjasion/balena-home/battery-guard/battery"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Device flavours understood by the LAN HTTP transport
const (
	KindShelly  = "shelly"
	KindTasmota = "tasmota"
)

// HTTPConfig describes a smart plug reachable over the local network
type HTTPConfig struct {
	Kind     string
	BaseURL  string
	Channel  int
	Username string
	Password string
	Timeout  time.Duration
}

// HTTPTransport switches Shelly Gen2 or Tasmota plugs through their local HTTP API
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPTransport validates the config and builds an instrumented client
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	if cfg.Kind != KindShelly && cfg.Kind != KindTasmota {
		return nil, fmt.Errorf("unsupported local device kind %q", cfg.Kind)
	}
	if !strings.Contains(cfg.BaseURL, "://") {
		cfg.BaseURL = "http://" + cfg.BaseURL
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid local device url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	return &HTTPTransport{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "actuator.local_http"
				}),
			),
		},
	}, nil
}

func (t *HTTPTransport) Name() string { return t.cfg.Kind + "-http" }

func (t *HTTPTransport) Path() Path { return PathLocal }

// Set sends the command and checks the device confirms the new relay state
func (t *HTTPTransport) Set(ctx context.Context, cmd battery.Command) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.commandURL(cmd), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if t.cfg.Username != "" {
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if t.cfg.Kind == KindTasmota {
		return checkTasmotaResponse(body, cmd)
	}
	return nil
}

func (t *HTTPTransport) commandURL(cmd battery.Command) string {
	if t.cfg.Kind == KindShelly {
		q := url.Values{}
		q.Set("id", strconv.Itoa(t.cfg.Channel))
		q.Set("on", strconv.FormatBool(cmd.On()))
		return t.cfg.BaseURL + "/rpc/Switch.Set?" + q.Encode()
	}

	power := "Power"
	if t.cfg.Channel > 0 {
		power += strconv.Itoa(t.cfg.Channel)
	}
	q := url.Values{}
	q.Set("cmnd", power+" "+tasmotaState(cmd))
	return t.cfg.BaseURL + "/cm?" + q.Encode()
}

func tasmotaState(cmd battery.Command) string {
	if cmd.On() {
		return "On"
	}
	return "Off"
}

// checkTasmotaResponse verifies a {"POWER":"ON"} style reply
func checkTasmotaResponse(body []byte, cmd battery.Command) error {
	var reply map[string]interface{}
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("failed to parse tasmota response: %w", err)
	}
	want := strings.ToUpper(tasmotaState(cmd))
	for key, value := range reply {
		if !strings.HasPrefix(key, "POWER") {
			continue
		}
		if state, ok := value.(string); ok && strings.EqualFold(state, want) {
			return nil
		}
		return fmt.Errorf("tasmota reported %s=%v, expected %s", key, value, want)
	}
	return fmt.Errorf("tasmota response has no POWER state: %s", string(body))
}
