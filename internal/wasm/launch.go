package wasm

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitando/orbital-host/internal/bridge"
)

// Launch is a module being compiled and instantiated in the background. It
// is the slot a readiness gate watches: polled directly it reports the
// instance and its started marker, and Promise exposes the same outcome as a
// one-shot signal.
type Launch struct {
	mu       sync.Mutex
	instance *Instance
	err      error

	pending chan bridge.ModuleHandle
	done    chan struct{}
}

// Launch loads source and instantiates it asynchronously.
func (m *InstanceManager) Launch(ctx context.Context, loader *ModuleLoader, source ModuleSource, config InstanceConfig) *Launch {
	l := &Launch{
		pending: make(chan bridge.ModuleHandle, 1),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(l.done)

		inst, err := m.load(ctx, loader, source, config)

		l.mu.Lock()
		l.instance, l.err = inst, err
		l.mu.Unlock()

		if err != nil {
			m.logger.Error("Module launch failed",
				zap.String("module", source.Name()),
				zap.Error(err),
			)
			close(l.pending)
			return
		}
		l.pending <- inst
	}()

	return l
}

func (m *InstanceManager) load(ctx context.Context, loader *ModuleLoader, source ModuleSource, config InstanceConfig) (*Instance, error) {
	compiled, err := loader.LoadModule(ctx, source)
	if err != nil {
		return nil, err
	}
	config.ModuleName = compiled.Name
	return m.Instantiate(ctx, &config)
}

// Probe reports the instance once it exists, with its started marker.
func (l *Launch) Probe() bridge.Probe {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.instance == nil {
		return bridge.Probe{}
	}
	return bridge.Probe{Handle: l.instance, Started: l.instance.Started()}
}

// Promise returns a target whose probe always carries the one-shot signal.
// The signal delivers the instance, or closes empty if the launch failed.
func (l *Launch) Promise() bridge.Target {
	return bridge.TargetFunc(func() bridge.Probe {
		return bridge.Probe{Pending: l.pending}
	})
}

// Done is closed when the launch has finished, successfully or not.
func (l *Launch) Done() <-chan struct{} {
	return l.done
}

// Result returns the instance or the launch failure. Both are nil while the
// launch is in progress.
func (l *Launch) Result() (*Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.instance, l.err
}
