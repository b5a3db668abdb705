// skelly-jelly runs the attentional-state telemetry pipeline as a single
// process: Capture feeds Storage, Storage batches to Analysis, Analysis
// classifies to Policy, and Policy's InterventionRequests reach the
// companion UI through the Animation and Text adapters. One root cobra
// command with flag-bearing subcommands, each RunE returning the error
// cobra reports.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/skelly-jelly/pipeline/internal/adapters"
	"github.com/skelly-jelly/pipeline/internal/analysis"
	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/capture"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/errorkind"
	"github.com/skelly-jelly/pipeline/internal/logging"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
	"github.com/skelly-jelly/pipeline/internal/orchestrator"
	"github.com/skelly-jelly/pipeline/internal/policy"
	"github.com/skelly-jelly/pipeline/internal/storage"
)

const version = "0.1.0"

// exitCoder lets RunE report a specific process exit code (spec.md §6:
// 0 success, 1 config-validation failure, 2 required-module startup
// failure, 3 forced-shutdown timeout, 64 invalid usage) instead of
// cobra's blanket exit(1).
type exitCoder struct {
	code int
	err  error
}

func (e *exitCoder) Error() string { return e.err.Error() }
func (e *exitCoder) Unwrap() error { return e.err }

func exitWith(code int, err error) error { return &exitCoder{code: code, err: err} }

func main() {
	root := &cobra.Command{
		Use:           "skelly-jelly",
		Short:         "Behavioral telemetry pipeline for attentional-state detection",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var startConfigPath string
	var startDemo bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the pipeline and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("config") {
				if v := os.Getenv("CONFIG_PATH"); v != "" {
					startConfigPath = v
				}
			}
			return runStart(startConfigPath, startDemo)
		},
	}
	startCmd.Flags().StringVar(&startConfigPath, "config", "./skelly-jelly.yaml", "path to config file")
	startCmd.Flags().BoolVar(&startDemo, "demo", false, "run with synthetic capture monitors, no OS hooks required")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Request a running instance to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return exitWith(64, fmt.Errorf("stop: no running-instance control channel configured; send SIGTERM to the start process instead"))
		},
	}

	var healthModule string
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Report module health (requires a running instance's companion port)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return exitWith(64, fmt.Errorf("health: out-of-process health queries are not wired; run with --module=%s against the companion port instead", healthModule))
		},
	}
	healthCmd.Flags().StringVar(&healthModule, "module", "", "restrict the report to one module id")

	validateCmd := &cobra.Command{
		Use:   "validate-config PATH",
		Short: "Validate a config file without starting the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateConfig(args[0])
		},
	}

	var showConfigPath string
	showConfigCmd := &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration (defaults + file + env) as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("config") {
				if v := os.Getenv("CONFIG_PATH"); v != "" {
					showConfigPath = v
				}
			}
			return runShowConfig(showConfigPath)
		},
	}
	showConfigCmd.Flags().StringVar(&showConfigPath, "config", "./skelly-jelly.yaml", "path to config file")

	root.AddCommand(startCmd, stopCmd, healthCmd, validateCmd, showConfigCmd)

	if err := root.Execute(); err != nil {
		var ec *exitCoder
		if errors.As(err, &ec) {
			fmt.Fprintln(os.Stderr, "skelly-jelly:", ec.err)
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, "skelly-jelly:", err)
		os.Exit(64)
	}
}

func runValidateConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return exitWith(1, err)
	}
	if err := cfg.Validate(); err != nil {
		return exitWith(1, err)
	}
	fmt.Println("config is valid")
	return nil
}

func runShowConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return exitWith(1, err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func runStart(path string, demo bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return exitWith(1, err)
	}
	if demo {
		cfg.Capture.KeystrokeEnabled = true
		cfg.Capture.MouseEnabled = true
		cfg.Capture.WindowEnabled = true
		cfg.Capture.ScreenshotEnabled = false
	}
	if err := cfg.Validate(); err != nil {
		return exitWith(1, err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return exitWith(1, err)
	}
	defer log.Sync()

	snap := config.NewSnapshot(cfg)
	b := bus.New()
	defer b.Close()

	store, err := buildStore(cfg.Storage)
	if err != nil {
		return exitWith(2, err)
	}
	var redisIndex *storage.RedisIndex
	if cfg.Storage.RedisAddr != "" {
		redisIndex = storage.NewRedisIndex(cfg.Storage.RedisAddr)
	}

	orch := orchestrator.New(b, snap, log)
	orch.Register(newBusModule(b))
	orch.Register(storage.New(store, redisIndex, logging.ForModule(log, model.ModuleStorage)))
	orch.Register(capture.New(logging.ForModule(log, model.ModuleCapture)))
	orch.Register(analysis.New(logging.ForModule(log, model.ModuleAnalysis)))
	orch.Register(policy.New(logging.ForModule(log, model.ModulePolicy)))
	orch.Register(adapters.NewAnimationAdapter(logging.ForModule(log, model.ModuleAnimationAdap)))
	orch.Register(adapters.NewTextAdapter(logging.ForModule(log, model.ModuleTextAdapter)))

	obsServer := observability.NewServer(log.With(zap.String("module", "observability")))
	if err := obsServer.Start(b, cfg.Observability.MetricsPort); err != nil {
		log.Warn("metrics endpoint failed to start", zap.Error(err))
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Warn("config hot-reload disabled: failed to watch config file", zap.Error(err))
	} else {
		watcher.OnUpdate = func(next *config.Config) {
			if err := next.Validate(); err != nil {
				log.Warn("discarding invalid config reload", zap.Error(err))
				return
			}
			snap.Store(next)
			_, _ = b.Publish(context.Background(), bus.Message{Source: model.ModuleOrchestrator, Payload: model.ConfigUpdate{}})
			log.Info("config reloaded")
		}
		watcher.OnError = func(err error) {
			log.Warn("config reload failed", zap.Error(err))
		}
		watcher.Start()
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return exitWith(2, err)
	}
	log.Info("pipeline started", zap.String("config", path), zap.Bool("demo", demo))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.DefaultShutdownTimeout)
	defer cancel()
	if err := obsServer.Stop(shutdownCtx); err != nil {
		log.Warn("metrics endpoint shutdown error", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx, model.ShutdownRequested); err != nil {
		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			return exitWith(3, fmt.Errorf("forced shutdown: %w", err))
		}
		return exitWith(3, err)
	}
	return nil
}

func buildStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.PostgresDSN == "" {
		return storage.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errorkind.New(errorkind.TransientIO, "main.buildStore", err)
	}
	return s, nil
}

// busModule adapts the already-constructed bus.Bus into an
// orchestrator.Module so it participates in the same startup-level /
// health / shutdown bookkeeping every other module does (spec.md §5: the
// event bus is itself a monitored module, not privileged infrastructure).
type busModule struct {
	b bus.Bus
}

func newBusModule(b bus.Bus) *busModule { return &busModule{b: b} }

func (m *busModule) ID() model.ModuleId { return model.ModuleBus }

func (m *busModule) Start(ctx context.Context, b bus.Bus, _ *config.Snapshot) error {
	_, err := b.Publish(ctx, bus.Message{Source: model.ModuleBus, Payload: model.ModuleReady{ModuleID: model.ModuleBus}})
	return err
}

func (m *busModule) Stop(_ context.Context) error {
	m.b.Close()
	return nil
}
