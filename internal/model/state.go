package model

import "time"

// ADHDStateKind discriminates the ADHDState union.
type ADHDStateKind string

const (
	StateFlow          ADHDStateKind = "flow"
	StateHyperfocus    ADHDStateKind = "hyperfocus"
	StateDistracted    ADHDStateKind = "distracted"
	StateTransitioning ADHDStateKind = "transitioning"
	StateNeutral       ADHDStateKind = "neutral"
)

// DistractionKind further classifies a Distracted state.
type DistractionKind string

const (
	DistractionWindowSwitching DistractionKind = "window_switching"
	DistractionIdle            DistractionKind = "idle"
	DistractionDoomscroll      DistractionKind = "doomscroll"
)

// ADHDState is the tagged-variant classification output. Exactly one of
// the kind-specific payloads applies, selected by Kind.
type ADHDState struct {
	Kind       ADHDStateKind
	Confidence float64
	Duration   time.Duration // wall-time since this state was first entered

	// Flow
	FlowDepth float64

	// Hyperfocus
	HyperfocusTargetApp string
	HyperfocusIntensity float64

	// Distracted
	DistractionKind     DistractionKind
	DistractionSeverity float64

	// Transitioning
	TransitionFrom     ADHDStateKind
	TransitionTo       ADHDStateKind
	TransitionProgress float64 // [0,1]
}

// StateDistribution is the classifier's raw output over the five discriminants
// before tie-breaking/smoothing collapses it to a single ADHDState.
type StateDistribution map[ADHDStateKind]float64

// Sum totals the distribution mass; spec.md invariant 4 requires this be
// 1 ± 1e-6 for any published StateClassification.
func (d StateDistribution) Sum() float64 {
	var total float64
	for _, p := range d {
		total += p
	}
	return total
}

// Argmax returns the highest-probability state and its probability.
func (d StateDistribution) Argmax() (ADHDStateKind, float64) {
	var best ADHDStateKind
	var bestP float64 = -1
	for k, p := range d {
		if p > bestP {
			best, bestP = k, p
		}
	}
	return best, bestP
}

// BehavioralMetrics summarizes the window for observability/UI purposes
// without re-exposing the raw FeatureVector.
type BehavioralMetrics struct {
	KeystrokesPerMin float64
	WindowSwitchRate float64
	MouseActivity    float64
	FocusScore       float64
}

// WorkContextUrgency is derived from the screenshot work-context classifier.
type WorkContextUrgency string

const (
	UrgencyNone     WorkContextUrgency = "none"
	UrgencyElevated WorkContextUrgency = "elevated"
	UrgencyCritical WorkContextUrgency = "critical"
)

type WorkContext struct {
	Urgency    WorkContextUrgency
	AppHint    string
	Confidence float64
}

// StateClassification is published by Analysis to the bus once per window.
type StateClassification struct {
	WindowID             string
	Timestamp            time.Time
	State                ADHDState
	Confidence           float64
	Metrics              BehavioralMetrics
	WorkContext          *WorkContext // nil if the screenshot subvector was absent
	InterventionReadiness float64
}
