package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/orbitando/orbital-host/internal/bridge"
	"github.com/orbitando/orbital-host/internal/config"
	"github.com/orbitando/orbital-host/internal/frontend/tui"
	"github.com/orbitando/orbital-host/internal/frontend/ws"
	"github.com/orbitando/orbital-host/internal/host"
	"github.com/orbitando/orbital-host/pkg/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config")
	logFile := flag.String("log-file", "orbital.log", "Log destination while the terminal front end owns the screen")
	frontend := flag.String("frontend", "", "Front end (auto, tui, ws, headless); overrides the config")
	modulePath := flag.String("module", "", "Artifact directory or Wasm file; overrides the config")
	printSchema := flag.Bool("print-schema", false, "Print the websocket command schema and exit")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("orbital %s (%s, %s)\n", version, commit, date)
		return
	}
	if *printSchema {
		raw, err := protocol.CommandSchema()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(raw))
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *frontend != "" {
		cfg.Frontend = *frontend
	}
	if *modulePath != "" {
		cfg.Module.Path = *modulePath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Frontend == config.FrontendAuto {
		cfg.Frontend = detectFrontend()
	}

	// Initialize logger
	output := "stderr"
	if cfg.Frontend == config.FrontendTUI {
		output = *logFile
	}
	logger, err := newLogger(cfg.LogLevel, output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting orbital host",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
		zap.String("frontend", cfg.Frontend),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Host error", zap.Error(err))
	}

	logger.Info("Host shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	h, err := host.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close(context.Background())

	if err := h.Boot(ctx); err != nil {
		return err
	}

	rows, err := h.InitialRows()
	if err != nil {
		return err
	}

	switch cfg.Frontend {
	case config.FrontendTUI:
		return tui.Run(ctx, h, rows)
	case config.FrontendWS:
		srv, err := ws.NewServer(h, logger)
		if err != nil {
			return err
		}
		return srv.ListenAndServe(ctx, cfg.WS.Addr)
	default:
		return runHeadless(ctx, h, rows, logger)
	}
}

// runHeadless applies the initial rows once the module is ready, starts the
// animation and stops it on shutdown.
func runHeadless(ctx context.Context, h *host.Host, rows []bridge.RowFields, logger *zap.Logger) error {
	select {
	case <-h.Ready():
	case <-h.Gate().Done():
		select {
		case <-h.Ready():
		default:
			return h.Gate().Err()
		}
	case <-ctx.Done():
		return nil
	}

	if _, err := h.Apply(ctx, rows); err != nil {
		logger.Warn("Initial rows not applied", zap.Error(err))
	}
	if err := h.Start(ctx); err != nil {
		logger.Warn("Animation not started", zap.Error(err))
	}

	<-ctx.Done()

	// ctx is already cancelled; stopping still has to reach the module.
	_ = h.Stop(context.Background())
	return nil
}

func detectFrontend() string {
	if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		return config.FrontendTUI
	}
	return config.FrontendHeadless
}

func newLogger(level, output string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{output}
	return zc.Build()
}
