package tuya

import (
	"context"

	"github.com/mjasion/balena-home/battery-guard/actuator"
	"github.com/mjasion/balena-home/battery-guard/battery"
)

// DefaultSwitchCode is the data point of the first outlet on Tuya smart plugs
const DefaultSwitchCode = "switch_1"

// Command is a single data point update
type Command struct {
	Code  string      `json:"code"`
	Value interface{} `json:"value"`
}

// Switch drives a smart plug through the cloud API
type Switch struct {
	client   *Client
	deviceID string
	code     string
}

// NewSwitch binds a client to one device outlet
func NewSwitch(client *Client, deviceID, code string) *Switch {
	if code == "" {
		code = DefaultSwitchCode
	}
	return &Switch{client: client, deviceID: deviceID, code: code}
}

func (s *Switch) Name() string { return "tuya-cloud" }

func (s *Switch) Path() actuator.Path { return actuator.PathCloud }

// Set turns the outlet on or off
func (s *Switch) Set(ctx context.Context, cmd battery.Command) error {
	return s.client.SendCommands(ctx, s.deviceID, []Command{{Code: s.code, Value: cmd.On()}})
}

// Detail returns the device information for start-up logging
func (s *Switch) Detail(ctx context.Context) (*DeviceDetail, error) {
	return s.client.GetDevice(ctx, s.deviceID)
}
