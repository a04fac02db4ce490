package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Command is one call recorded by the Simulator.
type Command struct {
	ResourceID string
	Name       string
	Arg        any
}

// Simulator is an in-process Gateway. It records every command, tracks
// outstanding allocations and can be told to fail specific commands.
type Simulator struct {
	mu           sync.Mutex
	seq          int
	resources    map[string]string // resource ID -> device type
	temperatures map[string]float64
	rates        map[string]float64
	commands     []Command
	failures     map[string]error
	now          func() time.Time
}

func NewSimulator() *Simulator {
	return &Simulator{
		resources:    make(map[string]string),
		temperatures: make(map[string]float64),
		rates:        make(map[string]float64),
		failures:     make(map[string]error),
		now:          time.Now,
	}
}

// Fail makes every later call of the named command return err. The name is
// the Gateway method name, e.g. "SetTemperature" or "AllocateDevice". A nil
// err clears the failure.
func (s *Simulator) Fail(command string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, command)
		return
	}
	s.failures[command] = err
}

// Commands returns a copy of the command log.
func (s *Simulator) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// Outstanding lists allocated resource IDs that were not released.
func (s *Simulator) Outstanding() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.resources))
	for id := range s.resources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// record logs a command and returns the injected failure, if any. The
// resource must be allocated unless resourceID is empty.
func (s *Simulator) record(ctx context.Context, resourceID, name string, arg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resourceID != "" {
		if _, ok := s.resources[resourceID]; !ok {
			return fmt.Errorf("%s %s: %w", name, resourceID, ErrUnknownResource)
		}
	}
	s.commands = append(s.commands, Command{ResourceID: resourceID, Name: name, Arg: arg})
	return s.failures[name]
}

func (s *Simulator) AllocateDevice(ctx context.Context, deviceType string, exclusive bool, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(ctx, "", "AllocateDevice", deviceType); err != nil {
		return "", err
	}
	s.seq++
	id := fmt.Sprintf("%s-%d", deviceType, s.seq)
	s.resources[id] = deviceType
	return id, nil
}

func (s *Simulator) ReleaseDevice(_ context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[resourceID]; !ok {
		return fmt.Errorf("release %s: %w", resourceID, ErrUnknownResource)
	}
	s.commands = append(s.commands, Command{ResourceID: resourceID, Name: "ReleaseDevice"})
	delete(s.resources, resourceID)
	delete(s.temperatures, resourceID)
	delete(s.rates, resourceID)
	return s.failures["ReleaseDevice"]
}

func (s *Simulator) SetTemperature(ctx context.Context, resourceID string, celsius float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(ctx, resourceID, "SetTemperature", celsius); err != nil {
		return err
	}
	s.temperatures[resourceID] = celsius
	return nil
}

func (s *Simulator) SetStirringSpeed(ctx context.Context, resourceID string, rpm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(ctx, resourceID, "SetStirringSpeed", rpm)
}

// GetCurrentTemperature reports the last set point; simulated plates reach
// it instantly.
func (s *Simulator) GetCurrentTemperature(ctx context.Context, resourceID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(ctx, resourceID, "GetCurrentTemperature", nil); err != nil {
		return 0, err
	}
	return s.temperatures[resourceID], nil
}

func (s *Simulator) SetFlowRate(ctx context.Context, resourceID string, mlPerMinute float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(ctx, resourceID, "SetFlowRate", mlPerMinute)
}

func (s *Simulator) SetDirection(ctx context.Context, resourceID string, direction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(ctx, resourceID, "SetDirection", direction)
}

func (s *Simulator) SetPosition(ctx context.Context, resourceID string, position string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(ctx, resourceID, "SetPosition", position)
}

func (s *Simulator) SetSamplingRate(ctx context.Context, resourceID string, hz float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(ctx, resourceID, "SetSamplingRate", hz); err != nil {
		return err
	}
	s.rates[resourceID] = hz
	return nil
}

// GetReadings returns one sample per configured hertz, at least one.
func (s *Simulator) GetReadings(ctx context.Context, resourceID string) ([]Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(ctx, resourceID, "GetReadings", nil); err != nil {
		return nil, err
	}

	sensor := strings.TrimPrefix(s.resources[resourceID], "sensor_")
	n := int(s.rates[resourceID])
	if n < 1 {
		n = 1
	}
	now := s.now()
	out := make([]Reading, n)
	for i := range out {
		out[i] = Reading{Sensor: sensor, Value: float64(i + 1), Time: now}
	}
	return out, nil
}
