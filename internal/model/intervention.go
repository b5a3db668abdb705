package model

import "time"

// InterventionCategory is the fixed, enumerated set of intervention kinds.
// Extension is by adding a variant and its scoring contribution (spec.md §9),
// never by plugin loading.
type InterventionCategory string

const (
	CategoryGentleNudge     InterventionCategory = "gentle_nudge"
	CategoryBreakSuggestion InterventionCategory = "break_suggestion"
	CategoryHyperfocusCheck InterventionCategory = "hyperfocus_check"
	CategoryRefocusPrompt   InterventionCategory = "refocus_prompt"
	CategoryCelebration     InterventionCategory = "celebration"
)

// Urgency controls how insistently an AnimationCommand should present.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// ReasonCode is the single source of truth for intervention observability
// (spec.md §3). Every InterventionDecision, whether or not it intervenes,
// carries one.
type ReasonCode string

const (
	ReasonFlowProtected       ReasonCode = "FLOW_PROTECTED"
	ReasonHyperfocusRespected ReasonCode = "HYPERFOCUS_RESPECTED"
	ReasonHyperfocusCheck     ReasonCode = "HYPERFOCUS_CHECK"
	ReasonCriticalContext     ReasonCode = "CRITICAL_CONTEXT"
	ReasonCooldownActive      ReasonCode = "COOLDOWN_ACTIVE"
	ReasonHourlyCapReached    ReasonCode = "HOURLY_CAP_REACHED"
	ReasonBelowThreshold      ReasonCode = "BELOW_THRESHOLD"
	ReasonDistractionSustained ReasonCode = "DISTRACTION_SUSTAINED"
	ReasonNoEligibleCategory  ReasonCode = "NO_ELIGIBLE_CATEGORY"
)

// InterventionDecision is Policy's internal verdict before it is turned into
// an (optional) InterventionRequest on the bus.
type InterventionDecision struct {
	ShouldIntervene    bool
	Kind               InterventionCategory
	MessageTemplateKey string
	Urgency            Urgency
	NotBeforeTimestamp time.Time
	ReasonCode         ReasonCode
}

// InterventionRequest is the message Policy publishes to the bus when
// ShouldIntervene is true.
type InterventionRequest struct {
	DecisionID         string
	Category           InterventionCategory
	TargetState         ADHDStateKind
	Context            map[string]string
	NotBeforeTimestamp time.Time
	ReasonCode         ReasonCode
}

// AnimationID enumerates the fixed set of companion animations an adapter
// may request; the companion UI itself is out of scope (spec.md §1).
type AnimationID string

const (
	AnimationIdleFidget     AnimationID = "idle_fidget"
	AnimationGentleWave     AnimationID = "gentle_wave"
	AnimationStretchPrompt  AnimationID = "stretch_prompt"
	AnimationCelebrate      AnimationID = "celebrate"
	AnimationConcernedNudge AnimationID = "concerned_nudge"
)

type AnimationMessage struct {
	Text     string        // ≤200 chars
	Duration time.Duration // ∈ [2s, 15s]
}

// AnimationCommand is the Adapter → UI contract (spec.md §6).
type AnimationCommand struct {
	AnimationID AnimationID
	Duration    time.Duration // ∈ [1s, 30s]
	Expression  string
	Message     *AnimationMessage
}

// FeedbackResponse categorizes how the user reacted to a delivered
// intervention; it drives the per-category cooldown multiplier (spec.md §4.6).
type FeedbackResponse string

const (
	FeedbackDismissedQuickly  FeedbackResponse = "dismissed_quickly"
	FeedbackIgnored           FeedbackResponse = "ignored"
	FeedbackEngagedPositively FeedbackResponse = "engaged_positively"
	FeedbackActedUpon         FeedbackResponse = "acted_upon"
	FeedbackClickedThrough    FeedbackResponse = "clicked_through"
)

// InterventionFeedback is published by an Adapter once the companion UI
// reports how the user reacted to a delivered intervention; Policy uses it
// to drive the per-category adaptive cooldown multiplier (spec.md §4.6).
type InterventionFeedback struct {
	DecisionID string
	Category   InterventionCategory
	Response   FeedbackResponse
	At         time.Time
}

// StateSnapshot is one entry in Policy's ring-buffer history, used for
// contextual scoring and observability (spec.md §4.6).
type StateSnapshot struct {
	Timestamp time.Time
	State     ADHDState
	Readiness float64
}

// UserFeedback is accepted by Analysis's online-learning path (spec.md §4.5.5).
type UserFeedback struct {
	WindowID     string
	CorrectState ADHDStateKind
}
