package analysis

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
)

// Analysis is the orchestrator.Module turning each EventBatch into a
// published StateClassification: feature extraction, the classifier
// ensemble, transition smoothing, and the online-learning feedback loop.
type Analysis struct {
	bus bus.Bus
	cfg *config.Snapshot
	log *zap.Logger

	classifier *classifier

	mu           sync.Mutex
	dedup        *windowDedup
	window       *windowState
	feedbackLog  *feedbackLog
	sessionStart time.Time
	lastTransition time.Time

	batchSubID   bus.SubscriptionId
	feedbackSubID bus.SubscriptionId
}

func New(log *zap.Logger) *Analysis {
	return &Analysis{log: log, classifier: newClassifier()}
}

func (a *Analysis) ID() model.ModuleId { return model.ModuleAnalysis }

func (a *Analysis) Start(ctx context.Context, b bus.Bus, cfg *config.Snapshot) error {
	a.bus = b
	a.cfg = cfg
	a.sessionStart = time.Now()
	a.lastTransition = a.sessionStart

	analysisCfg := cfg.Load().Analysis
	a.dedup = newWindowDedup(analysisCfg.WindowHistorySize)
	a.window = newWindowState(10)
	a.feedbackLog = newFeedbackLog(analysisCfg.WindowHistorySize)

	subID, err := b.Subscribe(string(model.ModuleAnalysis)+".batches",
		bus.Filter{PayloadType: bus.PayloadIs[model.EventBatch]()}, bus.Reliable, a.onEventBatch)
	if err != nil {
		return err
	}
	a.batchSubID = subID

	fbSubID, err := b.Subscribe(string(model.ModuleAnalysis)+".feedback",
		bus.Filter{PayloadType: bus.PayloadIs[model.UserFeedback]()}, bus.BestEffort, a.onUserFeedback)
	if err != nil {
		return err
	}
	a.feedbackSubID = fbSubID

	_, _ = b.Publish(ctx, bus.Message{Source: model.ModuleAnalysis, Payload: model.ModuleReady{ModuleID: model.ModuleAnalysis}})
	return nil
}

func (a *Analysis) onEventBatch(ctx context.Context, msg bus.Message) error {
	batch, ok := msg.Payload.(model.EventBatch)
	if !ok {
		return nil
	}

	a.mu.Lock()
	admitted := a.dedup.admit(batch.BatchID)
	a.mu.Unlock()
	if !admitted {
		return nil
	}

	started := time.Now()
	cfg := a.cfg.Load().Analysis

	a.mu.Lock()
	sess := sessionContext{
		sessionStart:      a.sessionStart,
		currentStateSince: time.Unix(0, a.window.currentSince),
		lastTransition:    a.lastTransition,
	}
	a.mu.Unlock()

	fv := buildFeatureVector(ctx, batch, cfg, sess)

	var work *model.WorkContext
	for _, ev := range batch.Events {
		if ev.Header.Kind == model.EventScreenshot && ev.Screenshot != nil {
			features, wc := a.analyzeScreenshot(ctx, *ev.Screenshot, cfg)
			fv.Screenshot = features
			fv.Presence.Screenshot = true
			work = wc
		}
	}

	dist, err := a.classifier.Classify(fv, cfg)
	if err != nil {
		a.log.Warn("classification failed", zap.Error(err))
		return nil
	}

	a.mu.Lock()
	prevKind := a.window.current.Kind
	state := smooth(a.window, dist, cfg, batch.WindowEnd)
	if state.Kind != prevKind {
		a.lastTransition = batch.WindowEnd
		observability.AnalysisStateTransitions.WithLabelValues(string(prevKind), string(state.Kind)).Inc()
	}
	hidden := a.classifier.net.hiddenActivations(fv)
	a.feedbackLog.record(batch.BatchID, hidden, state.Kind, batch.WindowEnd)
	a.mu.Unlock()

	observability.AnalysisClassificationDuration.Observe(time.Since(started).Seconds())

	classification := model.StateClassification{
		WindowID:    batch.BatchID,
		Timestamp:   batch.WindowEnd,
		State:       state,
		Confidence:  state.Confidence,
		Metrics:     deriveMetrics(fv, batch),
		WorkContext: work,
		InterventionReadiness: interventionReadiness(state, work),
	}

	_, err = a.bus.Publish(ctx, bus.Message{Source: model.ModuleAnalysis, Payload: classification})
	return err
}

func (a *Analysis) onUserFeedback(_ context.Context, msg bus.Message) error {
	fb, ok := msg.Payload.(model.UserFeedback)
	if !ok {
		return nil
	}
	cfg := a.cfg.Load().Analysis

	a.mu.Lock()
	defer a.mu.Unlock()
	a.classifier.applyFeedback(a.feedbackLog, fb, cfg, time.Now())
	observability.AnalysisFeedbackApplied.Inc()
	return nil
}

func deriveMetrics(fv model.FeatureVector, batch model.EventBatch) model.BehavioralMetrics {
	windowMinutes := batch.Duration().Minutes()
	if windowMinutes <= 0 {
		windowMinutes = 1
	}
	keystrokesPerMin := 0.0
	if fv.Presence.Keystroke {
		keystrokesPerMin = float64(countKind(batch.Events, model.EventKeystroke)) / windowMinutes
	}
	return model.BehavioralMetrics{
		KeystrokesPerMin: keystrokesPerMin,
		WindowSwitchRate: float64(fv.Window.SwitchCount) / windowMinutes,
		MouseActivity:    fv.Mouse.MeanVelocity,
		FocusScore:       fv.Window.FocusConsistencyScore,
	}
}

func countKind(events []model.RawEvent, kind model.RawEventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Header.Kind == kind {
			n++
		}
	}
	return n
}

// interventionReadiness precomputes a [0,1] score Policy uses directly
// rather than re-deriving it from state+context (spec.md §4.5's
// "precomputed intervention_readiness" field).
func interventionReadiness(state model.ADHDState, work *model.WorkContext) float64 {
	base := 0.0
	switch state.Kind {
	case model.StateDistracted:
		base = 0.5 + 0.5*state.DistractionSeverity
	case model.StateTransitioning:
		base = 0.3
	case model.StateNeutral:
		base = 0.2
	default:
		base = 0.0 // Flow/Hyperfocus: protected states, never ready
	}
	if work != nil && work.Urgency == model.UrgencyCritical {
		base *= 0.2
	}
	if base > 1 {
		base = 1
	}
	return base
}

func (a *Analysis) Stop(ctx context.Context) error {
	_ = a.bus.Unsubscribe(a.batchSubID)
	_ = a.bus.Unsubscribe(a.feedbackSubID)
	return nil
}
