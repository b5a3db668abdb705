// Package config holds the single Config struct every component reads, its
// YAML (de)serialization, environment overrides, and the copy-on-write
// snapshot mechanism the orchestrator uses for hot-reload (spec.md §5, §9):
// defaults first, YAML file on top, environment variables last, then an
// atomic snapshot swap instead of mutating a shared package-global config
// in place.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skelly-jelly/pipeline/internal/errorkind"
)

// Config is the root configuration for the whole pipeline.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	DevMode      bool               `yaml:"dev_mode"`
	Bus          BusConfig          `yaml:"bus"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	Capture      CaptureConfig      `yaml:"capture"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Policy       PolicyConfig       `yaml:"policy"`
	Adapters     AdaptersConfig     `yaml:"adapters"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type BusConfig struct {
	QueueDepth          int           `yaml:"queue_depth"`
	ReliableMaxAttempts int           `yaml:"reliable_max_attempts"`
	BreakerOpenFor      time.Duration `yaml:"breaker_open_for"`
	BreakerWindow       time.Duration `yaml:"breaker_window"`
}

type ResourceLimits struct {
	MaxCPUPercent float64 `yaml:"max_cpu_percent"`
	MaxMemoryMB   int64   `yaml:"max_memory_mb"`
	MaxThreads    int     `yaml:"max_threads"`
	MaxOpenFiles  int     `yaml:"max_open_files"`
}

type RecoveryStrategy string

const (
	RecoveryRestart          RecoveryStrategy = "restart"
	RecoveryRestartWithReset RecoveryStrategy = "restart_with_reset"
	RecoveryDegradedMode     RecoveryStrategy = "degraded_mode"
	RecoverySystemRestart    RecoveryStrategy = "system_restart"
)

type ModuleDescriptor struct {
	ID                  string           `yaml:"id"`
	DependsOn           []string         `yaml:"depends_on"`
	Required            bool             `yaml:"required"`
	StartupTimeout      time.Duration    `yaml:"startup_timeout"`
	ShutdownTimeout      time.Duration   `yaml:"shutdown_timeout"`
	HealthCheckInterval time.Duration    `yaml:"health_check_interval"`
	ResourceLimits      ResourceLimits   `yaml:"resource_limits"`
	Recovery            RecoveryStrategy `yaml:"recovery"`
	MaxRecoveryAttempts int              `yaml:"max_recovery_attempts"`
}

type OrchestratorConfig struct {
	Modules              []ModuleDescriptor `yaml:"modules"`
	ParallelStartup      bool               `yaml:"parallel_startup"`
	ResourceSampleHz      float64           `yaml:"resource_sample_hz"`
	DefaultShutdownTimeout time.Duration    `yaml:"default_shutdown_timeout"`
}

type StorageConfig struct {
	WindowDuration     time.Duration `yaml:"window_duration"`
	WindowOverlap      time.Duration `yaml:"window_overlap"`
	MaxPendingBatches  int           `yaml:"max_pending_batches"`
	ScratchDir         string        `yaml:"scratch_dir"`
	ScratchSweepAge    time.Duration `yaml:"scratch_sweep_age"`
	PostgresDSN        string        `yaml:"postgres_dsn"`
	RedisAddr          string        `yaml:"redis_addr"`
	HighWaterMarkEvents int          `yaml:"high_water_mark_events"`
	ScreenshotDeleteRetries int      `yaml:"screenshot_delete_retries"`
}

type CaptureConfig struct {
	KeystrokeEnabled  bool     `yaml:"keystroke_enabled"`
	MouseEnabled      bool     `yaml:"mouse_enabled"`
	WindowEnabled     bool     `yaml:"window_enabled"`
	ScreenshotEnabled bool     `yaml:"screenshot_enabled"`
	ProcessEnabled    bool     `yaml:"process_enabled"`
	MouseMaxHz        float64  `yaml:"mouse_max_hz"`
	ScreenshotsPerMin float64  `yaml:"screenshots_per_min"`
	RingBufferSize    int      `yaml:"ring_buffer_size"`
	DenyListApps      []string `yaml:"deny_list_apps"`
}

type AnalysisConfig struct {
	WindowHistorySize          int           `yaml:"window_history_size"`
	ExtractorDeadline          time.Duration `yaml:"extractor_deadline"`
	TransitionSmoothingAlpha   float64       `yaml:"transition_smoothing_alpha"`
	StateConfidenceThreshold   float64       `yaml:"state_confidence_threshold"`
	TieBreakEpsilon            float64       `yaml:"tie_break_epsilon"`
	TreeModelWeight            float64       `yaml:"tree_model_weight"`
	NeuralModelWeight          float64       `yaml:"neural_model_weight"`
	LearningRate               float64       `yaml:"learning_rate"`
	WeightClipL2               float64       `yaml:"weight_clip_l2"`
	FeedbackDecayDays          float64       `yaml:"feedback_decay_days"`
	OCRConfidenceThreshold     float64       `yaml:"ocr_confidence_threshold"`
	ScreenshotReleaseDeadline  time.Duration `yaml:"screenshot_release_deadline"`
	MaxConcurrentExtractors    int           `yaml:"max_concurrent_extractors"`
}

type UserPreference string

const (
	PreferenceMinimal  UserPreference = "minimal"
	PreferenceModerate UserPreference = "moderate"
	PreferenceFrequent UserPreference = "frequent"
)

type CategoryPolicy struct {
	MinCooldown time.Duration `yaml:"min_cooldown"`
}

type PolicyConfig struct {
	RespectFlowStates      bool                       `yaml:"respect_flow_states"`
	HyperfocusThreshold    time.Duration              `yaml:"hyperfocus_threshold"`
	MaxPerHour             int                        `yaml:"max_per_hour"`
	AdaptiveThreshold      float64                    `yaml:"adaptive_threshold"`
	UserPreference         UserPreference             `yaml:"user_preference"`
	Categories             map[string]CategoryPolicy  `yaml:"categories"`
	SuccessRateWindow      int                        `yaml:"success_rate_window"`
	CooldownDecayHalfLife  time.Duration              `yaml:"cooldown_decay_half_life"`
	StateHistorySize       int                        `yaml:"state_history_size"`
}

type AdaptersConfig struct {
	CompanionPort int `yaml:"companion_port"`
}

// ObservabilityConfig controls the loopback-only Prometheus metrics
// endpoint. MetricsPort 0 disables it.
type ObservabilityConfig struct {
	MetricsPort int `yaml:"metrics_port"`
}

// Default returns the configuration used when no file is present, mirroring
// every tunable the spec pins a default for.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		DevMode: false,
		Bus: BusConfig{
			QueueDepth:          256,
			ReliableMaxAttempts: 4,
			BreakerOpenFor:      10 * time.Second,
			BreakerWindow:       30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Modules: []ModuleDescriptor{
				{ID: "bus", Required: true, StartupTimeout: 5 * time.Second, ShutdownTimeout: 5 * time.Second, HealthCheckInterval: 10 * time.Second, Recovery: RecoveryRestart, MaxRecoveryAttempts: 3},
				{ID: "storage", DependsOn: []string{"bus"}, Required: true, StartupTimeout: 10 * time.Second, ShutdownTimeout: 30 * time.Second, HealthCheckInterval: 10 * time.Second, Recovery: RecoveryRestartWithReset, MaxRecoveryAttempts: 3},
				{ID: "capture", DependsOn: []string{"bus", "storage"}, Required: true, StartupTimeout: 10 * time.Second, ShutdownTimeout: 15 * time.Second, HealthCheckInterval: 5 * time.Second, Recovery: RecoveryDegradedMode, MaxRecoveryAttempts: 5},
				{ID: "analysis", DependsOn: []string{"bus", "storage"}, Required: true, StartupTimeout: 10 * time.Second, ShutdownTimeout: 15 * time.Second, HealthCheckInterval: 10 * time.Second, Recovery: RecoveryRestart, MaxRecoveryAttempts: 3},
				{ID: "policy", DependsOn: []string{"bus", "analysis"}, Required: true, StartupTimeout: 5 * time.Second, ShutdownTimeout: 5 * time.Second, HealthCheckInterval: 10 * time.Second, Recovery: RecoveryRestart, MaxRecoveryAttempts: 3},
				{ID: "adapter.animation", DependsOn: []string{"bus", "policy"}, Required: false, StartupTimeout: 5 * time.Second, ShutdownTimeout: 5 * time.Second, HealthCheckInterval: 15 * time.Second, Recovery: RecoveryDegradedMode, MaxRecoveryAttempts: 3},
				{ID: "adapter.text", DependsOn: []string{"bus", "policy"}, Required: false, StartupTimeout: 5 * time.Second, ShutdownTimeout: 5 * time.Second, HealthCheckInterval: 15 * time.Second, Recovery: RecoveryDegradedMode, MaxRecoveryAttempts: 3},
			},
			ParallelStartup:       true,
			ResourceSampleHz:      0.1,
			DefaultShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			WindowDuration:          30 * time.Second,
			WindowOverlap:           5 * time.Second,
			MaxPendingBatches:       20,
			ScratchDir:              "./data/scratch",
			ScratchSweepAge:         60 * time.Second,
			HighWaterMarkEvents:     5000,
			ScreenshotDeleteRetries: 3,
		},
		Capture: CaptureConfig{
			KeystrokeEnabled:  true,
			MouseEnabled:      true,
			WindowEnabled:     true,
			ScreenshotEnabled: true,
			ProcessEnabled:    true,
			MouseMaxHz:        100,
			ScreenshotsPerMin: 1.5,
			RingBufferSize:    4096,
		},
		Analysis: AnalysisConfig{
			WindowHistorySize:         128,
			ExtractorDeadline:         10 * time.Millisecond,
			TransitionSmoothingAlpha:  0.3,
			StateConfidenceThreshold:  0.7,
			TieBreakEpsilon:           0.02,
			TreeModelWeight:           0.6,
			NeuralModelWeight:         0.4,
			LearningRate:              0.01,
			WeightClipL2:              1.0,
			FeedbackDecayDays:         30,
			OCRConfidenceThreshold:    0.6,
			ScreenshotReleaseDeadline: 100 * time.Millisecond,
			MaxConcurrentExtractors:   0, // 0 = runtime.NumCPU()
		},
		Policy: PolicyConfig{
			RespectFlowStates:     true,
			HyperfocusThreshold:   90 * time.Minute,
			MaxPerHour:            3,
			AdaptiveThreshold:     0.6,
			UserPreference:        PreferenceModerate,
			SuccessRateWindow:     20,
			CooldownDecayHalfLife: 7 * 24 * time.Hour,
			StateHistorySize:      100,
			Categories: map[string]CategoryPolicy{
				"gentle_nudge":      {MinCooldown: 30 * time.Minute},
				"break_suggestion":  {MinCooldown: 45 * time.Minute},
				"hyperfocus_check":  {MinCooldown: 60 * time.Minute},
				"refocus_prompt":    {MinCooldown: 20 * time.Minute},
				"celebration":       {MinCooldown: 15 * time.Minute},
			},
		},
		Adapters: AdaptersConfig{CompanionPort: 7717},
		Observability: ObservabilityConfig{MetricsPort: 9117},
	}
}

// Load reads path, falling back to defaults if it does not exist, then
// applies environment overrides: defaults first, YAML on top, env last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save serializes cfg to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MAX_CPU_PERCENT"); v != "" {
		if f, err := parseFloat(v); err == nil {
			for i := range c.Orchestrator.Modules {
				c.Orchestrator.Modules[i].ResourceLimits.MaxCPUPercent = f
			}
		}
	}
	if v := os.Getenv("MAX_MEMORY_MB"); v != "" {
		if n, err := parseInt(v); err == nil {
			for i := range c.Orchestrator.Modules {
				c.Orchestrator.Modules[i].ResourceLimits.MaxMemoryMB = n
			}
		}
	}
	if v := os.Getenv("DEV_MODE"); v == "1" || v == "true" {
		c.DevMode = true
	}
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

func parseInt(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// Validate checks invariants the orchestrator relies on before accepting a
// hot-reloaded config. It never mutates c. Every failure is tagged
// errorkind.ConfigValidationFailure so the orchestrator boundary can
// branch on it without string-matching the message.
func (c *Config) Validate() error {
	if c.Storage.WindowOverlap >= c.Storage.WindowDuration {
		return cfgErr("storage.window_overlap must be smaller than storage.window_duration")
	}
	if c.Analysis.TreeModelWeight+c.Analysis.NeuralModelWeight <= 0 {
		return cfgErr("analysis ensemble weights must be positive")
	}
	if c.Analysis.TransitionSmoothingAlpha < 0 || c.Analysis.TransitionSmoothingAlpha > 1 {
		return cfgErr("analysis.transition_smoothing_alpha must be in [0,1]")
	}
	if c.Policy.MaxPerHour <= 0 {
		return cfgErr("policy.max_per_hour must be positive")
	}
	seen := make(map[string]bool, len(c.Orchestrator.Modules))
	for _, m := range c.Orchestrator.Modules {
		if m.ID == "" {
			return cfgErr("a module descriptor has an empty id")
		}
		if seen[m.ID] {
			return cfgErr("duplicate module id %q", m.ID)
		}
		seen[m.ID] = true
		for _, dep := range m.DependsOn {
			if dep == m.ID {
				return cfgErr("module %q depends on itself", m.ID)
			}
		}
	}
	for _, m := range c.Orchestrator.Modules {
		for _, dep := range m.DependsOn {
			if !seen[dep] {
				return cfgErr("module %q depends on unknown module %q", m.ID, dep)
			}
		}
	}
	return nil
}

func cfgErr(format string, args ...any) error {
	return errorkind.New(errorkind.ConfigValidationFailure, "config.Validate", fmt.Errorf(format, args...))
}
