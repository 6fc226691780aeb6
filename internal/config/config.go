// Package config loads the host configuration.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/orbitando/orbital-host/internal/bridge"
)

// Front ends the host can run.
const (
	FrontendAuto     = "auto"
	FrontendTUI      = "tui"
	FrontendWS       = "ws"
	FrontendHeadless = "headless"
)

// Readiness modes.
const (
	ReadinessPoll    = "poll"
	ReadinessPromise = "promise"
)

// EnvPrefix prefixes environment overrides, e.g. ORBITAL_LOG_LEVEL.
const EnvPrefix = "ORBITAL"

type Config struct {
	LogLevel    string             `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Frontend    string             `mapstructure:"frontend" validate:"oneof=auto tui ws headless"`
	Rows        int                `mapstructure:"rows" validate:"gte=1,lte=15"`
	RowsFile    string             `mapstructure:"rows_file"`
	Canvas      CanvasConfig       `mapstructure:"canvas"`
	Module      ModuleConfig       `mapstructure:"module"`
	Readiness   ReadinessConfig    `mapstructure:"readiness"`
	Dispatch    DispatchConfig     `mapstructure:"dispatch"`
	EntryPoints bridge.EntryPoints `mapstructure:"entry_points"`
	WS          WSConfig           `mapstructure:"ws"`
}

// CanvasConfig is the drawing area announced to the module once it is ready.
type CanvasConfig struct {
	Width  int32 `mapstructure:"width" validate:"gt=0"`
	Height int32 `mapstructure:"height" validate:"gt=0"`
}

// ModuleConfig holds Wasm module and runtime configuration.
type ModuleConfig struct {
	// Artifact directory or Wasm file. Empty runs the embedded module.
	Path string `mapstructure:"path"`
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"gte=1,lte=65536"`
	// Enable debug logging of module calls.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances" validate:"gte=1"`
	// Publish "_name" bindings for the module's exports.
	DirectBindings bool `mapstructure:"direct_bindings"`
}

// ReadinessConfig controls how the host waits for the module.
type ReadinessConfig struct {
	Mode         string        `mapstructure:"mode" validate:"oneof=poll promise"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=1"`
}

// DispatchConfig orders the binding strategies tried for each entry point.
type DispatchConfig struct {
	Strategies []string `mapstructure:"strategies" validate:"min=1,dive,oneof=direct named"`
}

// WSConfig configures the websocket front end.
type WSConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("frontend", FrontendAuto)
	v.SetDefault("rows", 3)
	v.SetDefault("rows_file", "")

	v.SetDefault("canvas.width", 1024)
	v.SetDefault("canvas.height", 768)

	v.SetDefault("module.path", "")
	v.SetDefault("module.memory_pages", 256) // 16MB
	v.SetDefault("module.debug", false)
	v.SetDefault("module.cache_dir", "")
	v.SetDefault("module.max_instances", 4)
	v.SetDefault("module.direct_bindings", true)

	v.SetDefault("readiness.mode", ReadinessPoll)
	v.SetDefault("readiness.poll_interval", bridge.DefaultPollInterval)
	v.SetDefault("readiness.max_attempts", bridge.DefaultMaxAttempts)

	v.SetDefault("dispatch.strategies", slices.Clone(bridge.DefaultStrategies))

	ep := bridge.DefaultEntryPoints()
	v.SetDefault("entry_points.apply_inputs", ep.ApplyInputs)
	v.SetDefault("entry_points.start", ep.Start)
	v.SetDefault("entry_points.stop", ep.Stop)
	v.SetDefault("entry_points.set_canvas_size", ep.SetCanvasSize)

	v.SetDefault("ws.addr", "127.0.0.1:8765")
}

var validate = validator.New()

// Load reads configPath (if any) over the defaults, applies ORBITAL_*
// environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid config: %s failed '%s' check: %w", fe.Namespace(), fe.Tag(), err)
	}
	return fmt.Errorf("invalid config: %w", err)
}
