package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// flipTarget reports a started handle from the n-th probe on.
type flipTarget struct {
	after  int32
	probes atomic.Int32
	handle ModuleHandle
}

func (f *flipTarget) Probe() Probe {
	if f.probes.Add(1) >= f.after {
		return Probe{Handle: f.handle, Started: true}
	}
	return Probe{}
}

func TestGateFiresOnceAfterModuleStarts(t *testing.T) {
	target := &flipTarget{after: 5, handle: newFakeModule()}
	g := NewGate(target, zaptest.NewLogger(t), WithPollInterval(time.Millisecond))

	var calls atomic.Int32
	require.NoError(t, g.AwaitReady(context.Background(), func(ModuleHandle) { calls.Add(1) }))

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("gate did not settle")
	}

	assert.Equal(t, Ready, g.State())
	assert.Equal(t, 5, g.Attempts())
	assert.NoError(t, g.Err())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(5), target.probes.Load())
}

func TestGateImmediateWhenAlreadyStarted(t *testing.T) {
	target := &flipTarget{after: 1, handle: newFakeModule()}
	g := NewGate(target, zaptest.NewLogger(t), WithPollInterval(time.Hour))

	h, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", h.Name())
	assert.Equal(t, 1, g.Attempts())
}

func TestGateHandleWithoutStartedMarkerKeepsPolling(t *testing.T) {
	m := newFakeModule()
	var n atomic.Int32
	target := TargetFunc(func() Probe {
		if n.Add(1) < 3 {
			return Probe{Handle: m}
		}
		return Probe{Handle: m, Started: true}
	})
	g := NewGate(target, zaptest.NewLogger(t), WithPollInterval(time.Millisecond))

	_, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, g.Attempts())
}

func TestGateTimesOut(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	g := NewGate(TargetFunc(func() Probe { return Probe{} }), zap.New(core),
		WithPollInterval(time.Millisecond))

	var calls atomic.Int32
	require.NoError(t, g.AwaitReady(context.Background(), func(ModuleHandle) { calls.Add(1) }))

	select {
	case <-g.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("gate did not time out")
	}

	assert.Equal(t, TimedOut, g.State())
	assert.Equal(t, DefaultMaxAttempts, g.Attempts())
	assert.Equal(t, int32(0), calls.Load())

	var timeout *ReadinessTimeoutError
	require.ErrorAs(t, g.Err(), &timeout)
	assert.Equal(t, DefaultMaxAttempts, timeout.Attempts)

	entries := logs.FilterMessage("Module not ready").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
}

func TestGateAttachesToPendingSignal(t *testing.T) {
	pending := make(chan ModuleHandle, 1)
	var probes atomic.Int32
	target := TargetFunc(func() Probe {
		probes.Add(1)
		return Probe{Pending: pending}
	})
	g := NewGate(target, zaptest.NewLogger(t), WithPollInterval(time.Millisecond))

	var mu sync.Mutex
	var got ModuleHandle
	require.NoError(t, g.AwaitReady(context.Background(), func(h ModuleHandle) {
		mu.Lock()
		got = h
		mu.Unlock()
	}))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, Polling, g.State())

	pending <- newFakeModule()
	<-g.Done()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, Ready, g.State())
	assert.Equal(t, int32(1), probes.Load())
}

func TestGateRejectedSignal(t *testing.T) {
	pending := make(chan ModuleHandle)
	close(pending)
	g := NewGate(TargetFunc(func() Probe { return Probe{Pending: pending} }), zaptest.NewLogger(t))

	_, err := g.Wait(context.Background())
	require.ErrorIs(t, err, ErrModuleRejected)
	assert.Equal(t, Rejected, g.State())
}

func TestGateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGate(TargetFunc(func() Probe { return Probe{} }), zaptest.NewLogger(t),
		WithPollInterval(time.Millisecond), WithMaxAttempts(1_000_000))

	var calls atomic.Int32
	require.NoError(t, g.AwaitReady(ctx, func(ModuleHandle) { calls.Add(1) }))
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-g.Done()

	assert.Equal(t, Cancelled, g.State())
	var cancelled *ReadinessCancelledError
	require.ErrorAs(t, g.Err(), &cancelled)
	assert.ErrorIs(t, g.Err(), context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestGateSingleRegistration(t *testing.T) {
	g := NewGate(&flipTarget{after: 1, handle: newFakeModule()}, zaptest.NewLogger(t))
	require.NoError(t, g.AwaitReady(context.Background(), func(ModuleHandle) {}))
	assert.ErrorIs(t, g.AwaitReady(context.Background(), func(ModuleHandle) {}), ErrAlreadyAwaiting)
	<-g.Done()
}

func TestReadinessStateString(t *testing.T) {
	assert.Equal(t, "timed-out", TimedOut.String())
	assert.False(t, Polling.Terminal())
	assert.True(t, Rejected.Terminal())
}
