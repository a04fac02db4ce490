package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/device"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/resource"
)

// deviceExecutor runs the allocate / command / release cycle. request picks
// the device from the parameters; run issues the commands.
type deviceExecutor struct {
	base
	deps    Deps
	request func(params map[string]any) (resource.Request, error)
	run     func(ctx context.Context, resourceID string, params map[string]any) (map[string]any, error)
}

func (e *deviceExecutor) Execute(ctx context.Context, params map[string]any) (res Result, err error) {
	if e.deps.Allocator == nil || e.deps.Gateway == nil {
		return Result{}, e.HandleError(ctx, errors.New("device executor needs an allocator and a gateway"))
	}

	req, err := e.request(params)
	if err != nil {
		return Result{}, e.HandleError(ctx, err)
	}
	if req.Timeout == 0 {
		req.Timeout = e.deps.AllocationTimeout
	}

	h, err := e.deps.Allocator.Allocate(ctx, e.nodeID, req)
	if err != nil {
		return Result{}, e.HandleError(ctx, err)
	}
	defer func() {
		if rerr := e.deps.Allocator.Release(context.WithoutCancel(ctx), h); rerr != nil {
			ctxlog.FromContext(ctx).Warn("Device release failed", "node", e.nodeID, "resource", h.ResourceID, "error", rerr)
			if err == nil {
				res, err = Result{}, e.HandleError(ctx, rerr)
			}
		}
	}()

	payload, err := e.run(ctx, h.ResourceID, params)
	if err != nil {
		return Result{}, e.HandleError(ctx, err)
	}
	out := e.result(payload)
	out.ResourceID = h.ResourceID
	return out, nil
}

// NewHotplate sets temperature and optional stirring speed, holds for
// duration seconds and reads the temperature back.
func NewHotplate(nodeID string, deps Deps) Executor {
	return &deviceExecutor{
		base: base{nodeID: nodeID, opType: graph.HotplateControl},
		deps: deps,
		request: func(map[string]any) (resource.Request, error) {
			return resource.Request{DeviceType: device.Hotplate, Exclusive: true}, nil
		},
		run: func(ctx context.Context, id string, params map[string]any) (map[string]any, error) {
			target, _, err := number(params, "temperature", true)
			if err != nil {
				return nil, err
			}
			stirring, hasStirring, err := number(params, "stirringSpeed", false)
			if err != nil {
				return nil, err
			}
			duration, err := seconds(params, "duration")
			if err != nil {
				return nil, err
			}

			gw := deps.Gateway
			if err := gw.SetTemperature(ctx, id, target); err != nil {
				return nil, fmt.Errorf("set temperature: %w", err)
			}
			if hasStirring {
				if err := gw.SetStirringSpeed(ctx, id, stirring); err != nil {
					return nil, fmt.Errorf("set stirring speed: %w", err)
				}
			}
			if err := wait(ctx, duration, deps.MaxWait); err != nil {
				return nil, err
			}
			current, err := gw.GetCurrentTemperature(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("read temperature: %w", err)
			}

			payload := map[string]any{
				"targetTemperature": target,
				"temperature":       current,
				"duration":          duration.Seconds(),
			}
			if hasStirring {
				payload["stirringSpeed"] = stirring
			}
			return payload, nil
		},
	}
}

// NewPump sets flow rate and direction, then runs for duration seconds.
func NewPump(nodeID string, deps Deps) Executor {
	return &deviceExecutor{
		base: base{nodeID: nodeID, opType: graph.PumpControl},
		deps: deps,
		request: func(map[string]any) (resource.Request, error) {
			return resource.Request{DeviceType: device.Pump, Exclusive: true}, nil
		},
		run: func(ctx context.Context, id string, params map[string]any) (map[string]any, error) {
			rate, _, err := number(params, "flowRate", true)
			if err != nil {
				return nil, err
			}
			direction, err := text(params, "direction", false)
			if err != nil {
				return nil, err
			}
			if direction == "" {
				direction = "forward"
			}
			duration, err := seconds(params, "duration")
			if err != nil {
				return nil, err
			}

			if err := deps.Gateway.SetFlowRate(ctx, id, rate); err != nil {
				return nil, fmt.Errorf("set flow rate: %w", err)
			}
			if err := deps.Gateway.SetDirection(ctx, id, direction); err != nil {
				return nil, fmt.Errorf("set direction: %w", err)
			}
			if err := wait(ctx, duration, deps.MaxWait); err != nil {
				return nil, err
			}
			return map[string]any{
				"flowRate":  rate,
				"direction": direction,
				"duration":  duration.Seconds(),
				// ml/min over the run
				"volume": rate * duration.Minutes(),
			}, nil
		},
	}
}

func NewValve(nodeID string, deps Deps) Executor {
	return &deviceExecutor{
		base: base{nodeID: nodeID, opType: graph.ValveControl},
		deps: deps,
		request: func(map[string]any) (resource.Request, error) {
			return resource.Request{DeviceType: device.Valve, Exclusive: true}, nil
		},
		run: func(ctx context.Context, id string, params map[string]any) (map[string]any, error) {
			position, err := text(params, "position", true)
			if err != nil {
				return nil, err
			}
			if err := deps.Gateway.SetPosition(ctx, id, position); err != nil {
				return nil, fmt.Errorf("set position: %w", err)
			}
			return map[string]any{"position": position}, nil
		},
	}
}

// NewSensor takes a shared handle on sensor_<sensorType>, so several sensor
// tasks can read the same instrument.
func NewSensor(nodeID string, deps Deps) Executor {
	return &deviceExecutor{
		base: base{nodeID: nodeID, opType: graph.SensorNode},
		deps: deps,
		request: func(params map[string]any) (resource.Request, error) {
			kind, err := text(params, "sensorType", true)
			if err != nil {
				return resource.Request{}, err
			}
			return resource.Request{DeviceType: device.SensorType(kind)}, nil
		},
		run: func(ctx context.Context, id string, params map[string]any) (map[string]any, error) {
			rate, hasRate, err := number(params, "samplingRate", false)
			if err != nil {
				return nil, err
			}
			if hasRate {
				if err := deps.Gateway.SetSamplingRate(ctx, id, rate); err != nil {
					return nil, fmt.Errorf("set sampling rate: %w", err)
				}
			}
			readings, err := deps.Gateway.GetReadings(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("get readings: %w", err)
			}
			values := make([]any, 0, len(readings))
			for _, r := range readings {
				values = append(values, r.Value)
			}
			kind, _ := text(params, "sensorType", false)
			return map[string]any{
				"sensorType": kind,
				"readings":   values,
			}, nil
		},
	}
}
