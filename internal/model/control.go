package model

import "time"

// HealthStatusKind is a module's self-reported liveness.
type HealthStatusKind string

const (
	HealthHealthy   HealthStatusKind = "healthy"
	HealthDegraded  HealthStatusKind = "degraded"
	HealthUnhealthy HealthStatusKind = "unhealthy"
)

// ModuleReady is published once by a module after its Start completes and
// it is prepared to receive traffic; the orchestrator's Starting→Running
// transition waits for this rather than trusting Start's return alone.
type ModuleReady struct {
	ModuleID ModuleId
}

type HealthCheckRequest struct {
	ModuleID ModuleId
	Deadline time.Time
}

type HealthStatus struct {
	ModuleID ModuleId
	Status   HealthStatusKind
	Metrics  map[string]float64
}

// ErrorSeverity bounds an error's escalation path (spec.md §7).
type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "info"
	SeverityWarning  ErrorSeverity = "warning"
	SeverityCritical ErrorSeverity = "critical"
)

type ModuleError struct {
	ModuleID ModuleId
	Kind     string
	Severity ErrorSeverity
	Message  string
	Context  map[string]string
}

// ConfigUpdate is published after a hot-reloaded config change validates.
// ModuleID is empty when the change is global.
type ConfigUpdate struct {
	ModuleID ModuleId
	Changes  map[string]string
}

type ConfigError struct {
	ModuleID ModuleId
	Reason   string
}

// ShutdownReason explains why the orchestrator is tearing the pipeline down.
type ShutdownReason string

const (
	ShutdownRequested     ShutdownReason = "requested"
	ShutdownCriticalError ShutdownReason = "critical_error"
	ShutdownPrivacyViolation ShutdownReason = "privacy_violation"
)

type Shutdown struct {
	Reason    ShutdownReason
	SaveState bool
	Timeout   time.Duration
}

// ScreenshotAnalyzed is Analysis's ack that it finished with a screenshot ref;
// Storage uses it to destroy the underlying bytes within 1s (spec.md §4.3).
type ScreenshotAnalyzed struct {
	RefID       string
	CompletedAt time.Time
}

// ResourcePressure is published by the orchestrator to a module that has
// breached its declared resource cap; the module must reduce sampling.
type ResourcePressure struct {
	ModuleID   ModuleId
	CPUPercent float64
	RSSBytes   int64
}

// SystemNotice is the only channel through which internal errors may reach
// the user, via the companion UI (spec.md §7).
type SystemNotice struct {
	Title   string
	Body    string
	Urgency Urgency
}
