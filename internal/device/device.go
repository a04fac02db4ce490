// Package device is the boundary to laboratory hardware. Executors talk to a
// Gateway; the wire protocol behind it is not this module's concern.
package device

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownResource = errors.New("unknown device resource")
	ErrTimeout         = errors.New("device did not answer in time")
)

// Device types known to the executors. Sensors use "sensor_<kind>".
const (
	Hotplate = "hotplate"
	Pump     = "pump"
	Valve    = "valve"
)

// SensorType returns the device type of a sensor kind.
func SensorType(kind string) string {
	return "sensor_" + kind
}

// Reading is one sensor sample.
type Reading struct {
	Sensor string    `json:"sensor"`
	Value  float64   `json:"value"`
	Unit   string    `json:"unit,omitempty"`
	Time   time.Time `json:"time"`
}

// Gateway issues commands to devices. Every command takes the resource ID
// returned by AllocateDevice.
type Gateway interface {
	AllocateDevice(ctx context.Context, deviceType string, exclusive bool, timeout time.Duration) (string, error)
	ReleaseDevice(ctx context.Context, resourceID string) error

	SetTemperature(ctx context.Context, resourceID string, celsius float64) error
	SetStirringSpeed(ctx context.Context, resourceID string, rpm float64) error
	GetCurrentTemperature(ctx context.Context, resourceID string) (float64, error)

	SetFlowRate(ctx context.Context, resourceID string, mlPerMinute float64) error
	SetDirection(ctx context.Context, resourceID string, direction string) error

	SetPosition(ctx context.Context, resourceID string, position string) error

	SetSamplingRate(ctx context.Context, resourceID string, hz float64) error
	GetReadings(ctx context.Context, resourceID string) ([]Reading, error)
}
