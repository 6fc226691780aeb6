package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// HostModuleName is the import namespace of the host functions.
const HostModuleName = "env"

// maxLogMessage caps how much guest memory one log call may read.
const maxLogMessage = 4096

// HostFunctions implements the functions a module may import from the host.
type HostFunctions struct {
	logger *zap.Logger
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger) *HostFunctions {
	return &HostFunctions{
		logger: logger.With(zap.String("component", "wasm-host")),
	}
}

// Instantiate registers the host module on r. It must run before any guest
// importing from it is instantiated.
func (h *HostFunctions) Instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().
		WithFunc(h.logMessage).
		WithParameterNames("level", "ptr", "length").
		Export("log_message").
		Instantiate(ctx)
	if err != nil {
		return &HostFunctionError{FunctionName: "log_message", Err: err}
	}
	return nil
}

// logMessage is called by Wasm modules to log messages.
// Signature: log_message(level, ptr, length)
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
func (h *HostFunctions) logMessage(_ context.Context, mod api.Module, level, ptr, length uint32) {
	if length > maxLogMessage {
		length = maxLogMessage
	}

	msg, ok := NewMemory(mod).ReadBytes(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.String("module", mod.Name()),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	field := zap.String("module", mod.Name())
	switch level {
	case 0:
		h.logger.Debug(string(msg), field)
	case 1:
		h.logger.Info(string(msg), field)
	case 2:
		h.logger.Warn(string(msg), field)
	case 3:
		h.logger.Error(string(msg), field)
	default:
		h.logger.Info(string(msg), field, zap.Uint32("level", level))
	}
}
