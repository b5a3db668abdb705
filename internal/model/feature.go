package model

// FeatureVector is the fixed-width record derived from one EventBatch.
// Missing subvectors are zero-filled; Presence records which extractor
// actually produced data for this window so the classifier (and tests)
// can distinguish "zero" from "absent".
type FeatureVector struct {
	BatchID string

	Keystroke KeystrokeFeatures
	Mouse     MouseFeatures
	Window    WindowFeatures
	Screenshot ScreenshotFeatureVector
	Temporal  TemporalFeatures
	Resource  ResourceFeatures

	Presence PresenceBitmap
}

// PresenceBitmap records which subvectors an extractor actually populated.
type PresenceBitmap struct {
	Keystroke  bool
	Mouse      bool
	Window     bool
	Screenshot bool
	Temporal   bool
	Resource   bool
}

// KeystrokeFeatures — 10 dims per spec.md §3.
type KeystrokeFeatures struct {
	MeanIKI          float64
	IKIVariance      float64
	IKICoeffVariation float64
	RhythmScore      float64
	PauseFrequency   float64
	BurstCount       int
	MeanBurstLength  float64
	BurstIntensity   float64
	BackspaceRate    float64
	CorrectionCount  int
}

// MouseFeatures — 8 dims: velocity/click/idle plus 5 path-geometry metrics.
type MouseFeatures struct {
	MeanVelocity   float64
	ClickRate      float64
	IdlePercentage float64
	PathLength     float64
	PathStraightness float64
	DirectionChanges float64
	MeanCurvature  float64
	Jerkiness      float64
}

// WindowFeatures — 6 dims.
type WindowFeatures struct {
	SwitchCount           int
	MeanDwellMs           float64
	UniqueApps            int
	BrowserRatio          float64
	DomainSwitchCount     int
	FocusConsistencyScore float64
}

// ScreenshotFeatureVector — 12 dims, optional (async producer).
type ScreenshotFeatureVector struct {
	TextDensity     float64
	UIComplexity    float64
	ColorEntropy    float64
	HasCodeEditor   bool
	HasTerminal     bool
	HasEditor       bool
	MaskedRegionCount int
	ActivityIndicators [6]float64
}

// TemporalFeatures — 5 dims.
type TemporalFeatures struct {
	TimeOfDay       float64 // fraction of day [0,1)
	SessionAge      float64 // seconds since session start
	StateDwell      float64 // seconds in current ADHDState
	LastTransitionAge float64
	DayOfWeekSin    float64
	DayOfWeekCos    float64
}

// ResourceFeatures — 4 dims.
type ResourceFeatures struct {
	CPUPercent float64
	DeltaMemMB float64
	SpawnRate  float64
	BatteryState float64
}
