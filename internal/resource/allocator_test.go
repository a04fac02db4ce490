package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	next     int
	active   map[string]bool
	failNext error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{active: make(map[string]bool)}
}

func (g *fakeGateway) AllocateDevice(_ context.Context, deviceType string, _ bool, _ time.Duration) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failNext; err != nil {
		g.failNext = nil
		return "", err
	}
	g.next++
	id := deviceType + "#" + string(rune('0'+g.next))
	g.active[id] = true
	return id, nil
}

func (g *fakeGateway) ReleaseDevice(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
	return nil
}

func (g *fakeGateway) outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

func TestAllocateRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw := newFakeGateway()
	a := NewAllocator(WithGateway(gw))

	h, err := a.Allocate(ctx, "n1", Request{DeviceType: "hotplate", Exclusive: true})
	require.NoError(t, err)
	require.Equal(t, "hotplate#1", h.ResourceID)
	require.Equal(t, DefaultTimeout, h.Timeout)
	require.False(t, a.Available("hotplate", false))
	require.True(t, a.Available("pump", true))

	_, err = a.Allocate(ctx, "n1", Request{DeviceType: "pump"})
	require.ErrorIs(t, err, ErrAlreadyAllocated)

	got, err := a.Handle("", "n1")
	require.NoError(t, err)
	require.Equal(t, h.ResourceID, got.ResourceID)
	require.Equal(t, h.ID, got.ID)

	require.NoError(t, a.Release(ctx, h))
	require.NoError(t, a.Release(ctx, h))
	require.Empty(t, a.Held())
	require.Zero(t, gw.outstanding())
	require.True(t, a.Available("hotplate", true))

	_, err = a.Handle("", "n1")
	require.ErrorIs(t, err, ErrNotAllocated)
}

func TestExclusiveExcludesOthers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewAllocator(WithCapacity("sensor_pH", 2))

	_, err := a.Allocate(ctx, "s1", Request{DeviceType: "sensor_pH"})
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "s2", Request{DeviceType: "sensor_pH"})
	require.NoError(t, err)
	require.False(t, a.Available("sensor_pH", false))

	_, err = a.Allocate(ctx, "s3", Request{DeviceType: "sensor_pH", Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrAllocationTimeout)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "s3", rerr.NodeID)

	_, err = a.Allocate(ctx, "x", Request{DeviceType: "sensor_pH", Exclusive: true, Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrAllocationTimeout)
	require.Len(t, a.Held(), 2)
}

func TestAllocateWaitsForRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewAllocator()

	first, err := a.Allocate(ctx, "first", Request{DeviceType: "pump", Exclusive: true})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.Allocate(ctx, "second", Request{DeviceType: "pump", Exclusive: true, Timeout: 5 * time.Second})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("second allocation must wait")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, a.Release(ctx, first))
	require.NoError(t, <-done)

	held := a.Held()
	require.Len(t, held, 1)
	require.Equal(t, "second", held[0].NodeID)
}

func TestAllocateCancelled(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	_, err := a.Allocate(context.Background(), "busy", Request{DeviceType: "valve", Exclusive: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Allocate(ctx, "n", Request{DeviceType: "valve", Exclusive: true})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrAllocationTimeout)
}

func TestGatewayFailureReturnsCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw := newFakeGateway()
	boom := errors.New("device offline")
	gw.failNext = boom
	a := NewAllocator(WithGateway(gw))

	_, err := a.Allocate(ctx, "n1", Request{DeviceType: "hotplate", Exclusive: true})
	require.ErrorIs(t, err, boom)
	require.Empty(t, a.Held())
	require.True(t, a.Available("hotplate", true))

	_, err = a.Allocate(ctx, "n1", Request{DeviceType: "hotplate", Exclusive: true, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
}

func TestReleaseAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw := newFakeGateway()
	a := NewAllocator(WithGateway(gw))

	for _, req := range []struct {
		node string
		req  Request
	}{
		{"a", Request{DeviceType: "hotplate", Exclusive: true}},
		{"b", Request{DeviceType: "pump", Exclusive: true}},
		{"c", Request{DeviceType: "sensor_temp"}},
	} {
		_, err := a.Allocate(ctx, req.node, req.req)
		require.NoError(t, err)
	}
	require.Equal(t, 3, gw.outstanding())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, a.ReleaseAll(cancelled))
	require.Empty(t, a.Held())
	require.Zero(t, gw.outstanding())
}

func TestSameNodeInAnotherRunWaits(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	runA := WithRun(context.Background(), "wf1/run-a")
	runB := WithRun(context.Background(), "wf2/run-b")

	first, err := a.Allocate(runA, "hotplatecontrol_1", Request{DeviceType: "hotplate", Exclusive: true})
	require.NoError(t, err)
	require.Equal(t, "wf1/run-a", first.RunID)

	_, err = a.Allocate(runA, "hotplatecontrol_1", Request{DeviceType: "pump"})
	require.ErrorIs(t, err, ErrAlreadyAllocated)

	done := make(chan error, 1)
	go func() {
		_, err := a.Allocate(runB, "hotplatecontrol_1", Request{DeviceType: "hotplate", Exclusive: true, Timeout: 5 * time.Second})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("allocation in the other run must wait, got %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, a.Release(runA, first))
	require.NoError(t, <-done)

	held := a.Held()
	require.Len(t, held, 1)
	require.Equal(t, "wf2/run-b", held[0].RunID)
	_, err = a.Handle("wf1/run-a", "hotplatecontrol_1")
	require.ErrorIs(t, err, ErrNotAllocated)
}

func TestReleaseRunKeepsOtherRuns(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	a := NewAllocator(WithGateway(gw))
	runA := WithRun(context.Background(), "run-a")
	runB := WithRun(context.Background(), "run-b")

	_, err := a.Allocate(runA, "heat", Request{DeviceType: "hotplate", Exclusive: true})
	require.NoError(t, err)
	_, err = a.Allocate(runA, "probe", Request{DeviceType: "sensor_pH"})
	require.NoError(t, err)
	kept, err := a.Allocate(runB, "feed", Request{DeviceType: "pump", Exclusive: true})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(runA)
	cancel()
	require.NoError(t, a.ReleaseRun(cancelled, "run-a"))

	held := a.Held()
	require.Len(t, held, 1)
	require.Equal(t, kept.ID, held[0].ID)
	require.Equal(t, 1, gw.outstanding())
	require.False(t, a.Available("pump", true))
	require.True(t, a.Available("hotplate", true))
}

func TestMissingDeviceType(t *testing.T) {
	t.Parallel()
	_, err := NewAllocator().Allocate(context.Background(), "n", Request{})
	require.Error(t, err)
}
