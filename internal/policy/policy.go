// Package policy decides, for each published StateClassification, whether
// to intervene and with which category, using per-category eligibility
// checks (cooldown, flow-state respect, hourly cap) and EMA-based success
// scoring to adapt each category's cooldown multiplier over time.
package policy

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
	"github.com/skelly-jelly/pipeline/internal/ringbuffer"
)

// Policy is the orchestrator.Module implementing intervention decisions.
type Policy struct {
	bus bus.Bus
	cfg *config.Snapshot
	log *zap.Logger

	mu         sync.Mutex
	history    *ringbuffer.Buffer[model.StateSnapshot]
	lastFired  map[model.InterventionCategory]time.Time
	hourBucket []time.Time
	cooldownMult map[model.InterventionCategory]float64
	successRate  map[model.InterventionCategory]*ringbuffer.Buffer[bool]
	decisionCategory map[string]model.InterventionCategory // decisionID -> category, for feedback lookup
	lastDecayAt      time.Time

	stateSubID    bus.SubscriptionId
	feedbackSubID bus.SubscriptionId
}

func New(log *zap.Logger) *Policy {
	return &Policy{
		log:              log,
		lastFired:        make(map[model.InterventionCategory]time.Time),
		cooldownMult:     make(map[model.InterventionCategory]float64),
		successRate:      make(map[model.InterventionCategory]*ringbuffer.Buffer[bool]),
		decisionCategory: make(map[string]model.InterventionCategory),
	}
}

func (p *Policy) ID() model.ModuleId { return model.ModulePolicy }

func (p *Policy) Start(ctx context.Context, b bus.Bus, cfg *config.Snapshot) error {
	p.bus = b
	p.cfg = cfg
	p.history = ringbuffer.New[model.StateSnapshot](cfg.Load().Policy.StateHistorySize)

	for cat := range cfg.Load().Policy.Categories {
		p.cooldownMult[model.InterventionCategory(cat)] = 1.0
		p.successRate[model.InterventionCategory(cat)] = ringbuffer.New[bool](cfg.Load().Policy.SuccessRateWindow)
	}

	subID, err := b.Subscribe(string(model.ModulePolicy)+".state",
		bus.Filter{PayloadType: bus.PayloadIs[model.StateClassification]()}, bus.Reliable, p.onStateClassification)
	if err != nil {
		return err
	}
	p.stateSubID = subID

	fbSubID, err := b.Subscribe(string(model.ModulePolicy)+".feedback",
		bus.Filter{PayloadType: bus.PayloadIs[model.InterventionFeedback]()}, bus.BestEffort, p.onInterventionFeedback)
	if err != nil {
		return err
	}
	p.feedbackSubID = fbSubID

	_, _ = b.Publish(ctx, bus.Message{Source: model.ModulePolicy, Payload: model.ModuleReady{ModuleID: model.ModulePolicy}})
	return nil
}

func (p *Policy) onStateClassification(ctx context.Context, msg bus.Message) error {
	sc, ok := msg.Payload.(model.StateClassification)
	if !ok {
		return nil
	}

	p.mu.Lock()
	p.history.Push(model.StateSnapshot{Timestamp: sc.Timestamp, State: sc.State, Readiness: sc.InterventionReadiness})
	if !p.lastDecayAt.IsZero() {
		p.decayCooldowns(sc.Timestamp.Sub(p.lastDecayAt), p.cfg.Load().Policy.CooldownDecayHalfLife)
	}
	p.lastDecayAt = sc.Timestamp
	decision := p.decide(sc)
	p.mu.Unlock()

	observability.PolicyDecisions.WithLabelValues(
		strconv.FormatBool(decision.ShouldIntervene), string(decision.ReasonCode)).Inc()

	if !decision.ShouldIntervene {
		p.log.Debug("no intervention", zap.String("reason", string(decision.ReasonCode)))
		return nil
	}

	decisionID := model.NewMessageId().String()
	p.mu.Lock()
	p.decisionCategory[decisionID] = decision.Kind
	p.lastFired[decision.Kind] = sc.Timestamp
	p.hourBucket = append(p.hourBucket, sc.Timestamp)
	p.mu.Unlock()

	req := model.InterventionRequest{
		DecisionID:         decisionID,
		Category:           decision.Kind,
		TargetState:        sc.State.Kind,
		NotBeforeTimestamp: decision.NotBeforeTimestamp,
		ReasonCode:         decision.ReasonCode,
		Context:            map[string]string{"message_template_key": decision.MessageTemplateKey, "urgency": string(decision.Urgency)},
	}
	_, err := p.bus.Publish(ctx, bus.Message{Source: model.ModulePolicy, Payload: req})
	return err
}

func (p *Policy) onInterventionFeedback(_ context.Context, msg bus.Message) error {
	fb, ok := msg.Payload.(model.InterventionFeedback)
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	category := fb.Category
	if category == "" {
		category = p.decisionCategory[fb.DecisionID]
	}
	delete(p.decisionCategory, fb.DecisionID)

	if buf, ok := p.successRate[category]; ok {
		buf.Push(isPositive(fb.Response))
	}
	p.adjustCooldown(category, fb.Response)
	return nil
}

func isPositive(r model.FeedbackResponse) bool {
	switch r {
	case model.FeedbackEngagedPositively, model.FeedbackActedUpon, model.FeedbackClickedThrough:
		return true
	default:
		return false
	}
}

func (p *Policy) Stop(ctx context.Context) error {
	_ = p.bus.Unsubscribe(p.stateSubID)
	_ = p.bus.Unsubscribe(p.feedbackSubID)
	return nil
}
