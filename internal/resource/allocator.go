// Package resource arbitrates access to shared laboratory devices. It is the
// single authority on contention: executors ask it for a handle before
// issuing device commands and give the handle back afterwards.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
)

var (
	ErrAllocationTimeout = errors.New("device allocation timed out")
	ErrAlreadyAllocated  = errors.New("node already holds a device")
	ErrNotAllocated      = errors.New("node holds no device")
)

// Error describes a failed allocator operation.
type Error struct {
	Op         string
	RunID      string
	NodeID     string
	DeviceType string
	Err        error
}

func (e *Error) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("resource %s for node %s of run %s (%s): %v", e.Op, e.NodeID, e.RunID, e.DeviceType, e.Err)
	}
	return fmt.Sprintf("resource %s for node %s (%s): %v", e.Op, e.NodeID, e.DeviceType, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Gateway is the part of the device layer the allocator needs.
type Gateway interface {
	AllocateDevice(ctx context.Context, deviceType string, exclusive bool, timeout time.Duration) (string, error)
	ReleaseDevice(ctx context.Context, resourceID string) error
}

// Request asks for one device.
type Request struct {
	DeviceType string
	Exclusive  bool
	// Timeout bounds the wait; zero uses the allocator default.
	Timeout time.Duration
}

// Handle is a granted device. ID is unique per grant; Release takes the
// handle back by ID.
type Handle struct {
	ID         string
	RunID      string
	NodeID     string
	DeviceType string
	ResourceID string
	Exclusive  bool
	Timeout    time.Duration
	AcquiredAt time.Time
	weight     int64
}

type runKey struct{}

// WithRun scopes the allocations made under ctx to runID. Node IDs only
// need to be unique within a run.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFromContext returns the run scope set by WithRun, or "".
func RunFromContext(ctx context.Context) string {
	runID, _ := ctx.Value(runKey{}).(string)
	return runID
}

// owner identifies the holder of a handle.
type owner struct {
	run  string
	node string
}

const (
	DefaultTimeout  = 30 * time.Second
	DefaultCapacity = 8
)

// Allocator hands out device handles. Each device type has a weighted
// semaphore: a shared handle takes one unit, an exclusive handle takes the
// whole capacity. Waiters are served in FIFO order.
type Allocator struct {
	mu         sync.Mutex
	gateway    Gateway
	timeout    time.Duration
	capacity   map[string]int64
	defaultCap int64
	sems       map[string]*semaphore.Weighted
	used       map[string]int64
	held       map[string]Handle // by handle ID
	owners     map[owner]string
	pending    map[owner]bool
	now        func() time.Time
}

// Option configures an Allocator
type Option func(*Allocator)

// WithGateway makes the allocator reserve devices on the device layer too.
func WithGateway(gw Gateway) Option {
	return func(a *Allocator) {
		a.gateway = gw
	}
}

func WithTimeout(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithCapacity sets how many shared holders a device type admits.
func WithCapacity(deviceType string, n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.capacity[deviceType] = int64(n)
		}
	}
}

func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		timeout:    DefaultTimeout,
		capacity:   make(map[string]int64),
		defaultCap: DefaultCapacity,
		sems:       make(map[string]*semaphore.Weighted),
		used:       make(map[string]int64),
		held:       make(map[string]Handle),
		owners:     make(map[owner]string),
		pending:    make(map[owner]bool),
		now:        time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Allocator) capacityOf(deviceType string) int64 {
	if n, ok := a.capacity[deviceType]; ok {
		return n
	}
	return a.defaultCap
}

// semaphoreFor must be called with a.mu held.
func (a *Allocator) semaphoreFor(deviceType string) *semaphore.Weighted {
	s, ok := a.sems[deviceType]
	if !ok {
		s = semaphore.NewWeighted(a.capacityOf(deviceType))
		a.sems[deviceType] = s
	}
	return s
}

// Allocate waits for the requested device and records the handle for
// nodeID in the run scope of ctx. A node holds at most one handle per run;
// the same node ID in another run waits like any other request.
func (a *Allocator) Allocate(ctx context.Context, nodeID string, req Request) (Handle, error) {
	who := owner{run: RunFromContext(ctx), node: nodeID}
	fail := func(err error) (Handle, error) {
		return Handle{}, &Error{Op: "allocate", RunID: who.run, NodeID: nodeID, DeviceType: req.DeviceType, Err: err}
	}
	if req.DeviceType == "" {
		return fail(errors.New("device type is required"))
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}

	a.mu.Lock()
	if _, exists := a.owners[who]; exists || a.pending[who] {
		a.mu.Unlock()
		return fail(ErrAlreadyAllocated)
	}
	a.pending[who] = true
	sem := a.semaphoreFor(req.DeviceType)
	weight := int64(1)
	if req.Exclusive {
		weight = a.capacityOf(req.DeviceType)
	}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, who)
		a.mu.Unlock()
	}()

	logger := ctxlog.FromContext(ctx).With("node", nodeID, "device_type", req.DeviceType, "exclusive", req.Exclusive)
	logger.Debug("Waiting for device")

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sem.Acquire(waitCtx, weight); err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(fmt.Errorf("%w after %s", ErrAllocationTimeout, timeout))
	}

	resourceID := req.DeviceType + "-" + uuid.NewString()
	if a.gateway != nil {
		id, err := a.gateway.AllocateDevice(ctx, req.DeviceType, req.Exclusive, timeout)
		if err != nil {
			sem.Release(weight)
			return fail(err)
		}
		resourceID = id
	}

	h := Handle{
		ID:         uuid.NewString(),
		RunID:      who.run,
		NodeID:     nodeID,
		DeviceType: req.DeviceType,
		ResourceID: resourceID,
		Exclusive:  req.Exclusive,
		Timeout:    timeout,
		AcquiredAt: a.now(),
		weight:     weight,
	}

	a.mu.Lock()
	a.held[h.ID] = h
	a.owners[who] = h.ID
	a.used[req.DeviceType] += weight
	a.mu.Unlock()

	logger.Debug("Device allocated", "resource", resourceID)
	return h, nil
}

// Release gives back h. Releasing a handle that is no longer held is a
// no-op. The semaphore is freed even if the gateway fails.
func (a *Allocator) Release(ctx context.Context, handle Handle) error {
	a.mu.Lock()
	h, exists := a.held[handle.ID]
	if !exists {
		a.mu.Unlock()
		return nil
	}
	delete(a.held, h.ID)
	delete(a.owners, owner{run: h.RunID, node: h.NodeID})
	a.used[h.DeviceType] -= h.weight
	sem := a.sems[h.DeviceType]
	a.mu.Unlock()

	sem.Release(h.weight)
	ctxlog.FromContext(ctx).Debug("Device released", "node", h.NodeID, "resource", h.ResourceID)

	if a.gateway != nil {
		// release even when ctx is already cancelled
		if err := a.gateway.ReleaseDevice(context.WithoutCancel(ctx), h.ResourceID); err != nil {
			return &Error{Op: "release", RunID: h.RunID, NodeID: h.NodeID, DeviceType: h.DeviceType, Err: err}
		}
	}
	return nil
}

// ReleaseRun releases the handles still held by runID. Other runs keep
// their devices.
func (a *Allocator) ReleaseRun(ctx context.Context, runID string) error {
	var errs []error
	for _, h := range a.Held() {
		if h.RunID != runID {
			continue
		}
		if err := a.Release(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseAll releases every outstanding handle of every run.
func (a *Allocator) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, h := range a.Held() {
		if err := a.Release(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handle returns the handle nodeID holds in runID.
func (a *Allocator) Handle(runID, nodeID string) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, exists := a.owners[owner{run: runID, node: nodeID}]
	if !exists {
		return Handle{}, &Error{Op: "lookup", RunID: runID, NodeID: nodeID, Err: ErrNotAllocated}
	}
	return a.held[id], nil
}

// Held returns the outstanding handles sorted by run and node ID.
func (a *Allocator) Held() []Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Handle, 0, len(a.held))
	for _, h := range a.held {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Available reports whether a request for deviceType would be granted
// without waiting.
func (a *Allocator) Available(deviceType string, exclusive bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := a.capacityOf(deviceType) - a.used[deviceType]
	if exclusive {
		return free == a.capacityOf(deviceType)
	}
	return free >= 1
}
