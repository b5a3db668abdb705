package model

import "time"

// RawEventKind discriminates the RawEvent union. Capture emits exactly one
// kind-specific payload per event, selected by this tag.
type RawEventKind string

const (
	EventKeystroke    RawEventKind = "keystroke"
	EventMouse        RawEventKind = "mouse"
	EventWindowFocus  RawEventKind = "window_focus"
	EventWindowSwitch RawEventKind = "window_switch"
	EventScreenshot   RawEventKind = "screenshot"
	EventProcess      RawEventKind = "process"
	EventResource     RawEventKind = "resource"
)

// EventHeader is common to every RawEvent variant.
type EventHeader struct {
	// Timestamp is a time.Time taken with time.Now(): wall-clock time that
	// also carries Go's monotonic clock reading inside this process. The
	// monotonic part does not survive a process restart; never compare
	// across one.
	Timestamp time.Time
	SessionID SessionId
	Source    ModuleId
	Kind      RawEventKind
}

// KeyClass classifies a keystroke without retaining the character pressed.
type KeyClass string

const (
	KeyChar      KeyClass = "char"
	KeyBackspace KeyClass = "backspace"
	KeyDelete    KeyClass = "delete"
	KeyModifier  KeyClass = "modifier"
)

// KeystrokeEvent never carries the actual key code for printable characters.
type KeystrokeEvent struct {
	Class              KeyClass
	InterKeyIntervalMs float64
	SessionCharCount    int64
	WordCompletion     bool
}

type MouseEvent struct {
	X, Y        float64
	VelocityPxMs float64
	ClickCount  int
	IdleMs      float64
}

// WindowEvent covers both WindowFocus and WindowSwitch (Header.Kind tells
// them apart); both share the same masked fields.
type WindowEvent struct {
	AppName     string
	WindowTitle string // masked per §7 before this struct is ever built
	DwellMs     float64
	IsBrowser   bool
	URLDomain   string // registrable domain only, empty if not a browser
}

type ScreenshotReason string

const (
	ScreenshotScheduled     ScreenshotReason = "scheduled"
	ScreenshotContextSwitch ScreenshotReason = "context_switch"
	ScreenshotError         ScreenshotReason = "error"
)

// ScreenshotFeatures are produced by the privacy-masking + OCR pipeline;
// the pixel bytes themselves never appear on this struct.
type ScreenshotFeatures struct {
	HasCodeEditor  bool
	HasTerminal    bool
	TextDensity    float64
	UIElementCount int
	MaskedRegions  int
}

type ScreenshotEvent struct {
	Reason   ScreenshotReason
	Features ScreenshotFeatures
	Ref      ScreenshotRef
}

type ProcessEvent struct {
	PID         int
	Executable  string
	SpawnRate   float64 // spawns/sec in the sampling window
}

type ResourceEvent struct {
	CPUPercent  float64
	DeltaMemMB  float64
	SpawnRate   float64
	BatteryPct  float64 // -1 when no battery present
}

// RawEvent is the discriminated union Capture publishes. Exactly one of the
// kind-specific pointers is non-nil, matching Header.Kind.
type RawEvent struct {
	Header     EventHeader
	Keystroke  *KeystrokeEvent  `json:",omitempty"`
	Mouse      *MouseEvent      `json:",omitempty"`
	Window     *WindowEvent     `json:",omitempty"`
	Screenshot *ScreenshotEvent `json:",omitempty"`
	Process    *ProcessEvent    `json:",omitempty"`
	Resource   *ResourceEvent   `json:",omitempty"`
}

// Timestamp is a convenience accessor used throughout ordering/invariant checks.
func (e RawEvent) Timestamp() time.Time { return e.Header.Timestamp }

// ScreenshotStorage tells where the pixel bytes currently live.
type ScreenshotStorage string

const (
	StorageMemory   ScreenshotStorage = "memory"
	StorageTempFile ScreenshotStorage = "tempfile"
)

// ScreenshotRef is a transient handle to screenshot pixel bytes. Storage is
// the sole owner; every other component only ever borrows one inside an
// EventBatch and must not retain it past batch processing. See the 30s /
// 1s-after-ack deletion invariant in spec.md §3.
type ScreenshotRef struct {
	ID            string
	Storage       ScreenshotStorage
	ByteSize      int64
	ExpiresAt     time.Time
	ProcessedFlag bool
}

// EventBatch is the 30s-nominal, 5s-overlap window of events Storage hands
// to Analysis. Events are timestamp-monotonic within a batch.
type EventBatch struct {
	BatchID       string
	WindowStart   time.Time
	WindowEnd     time.Time
	Events        []RawEvent
	ScreenshotRefs []ScreenshotRef
}

// Duration reports the window span; spec.md requires this in [25s, 35s].
func (b EventBatch) Duration() time.Duration { return b.WindowEnd.Sub(b.WindowStart) }
