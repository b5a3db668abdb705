package adapters

import (
	"context"

	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

// TextAdapter renders an InterventionRequest's message template key into
// a SystemNotice — the only channel spec.md §7 permits for text to reach
// the user — without opening any socket of its own. It rides on the same
// bus the AnimationAdapter does rather than duplicating a transport.
type TextAdapter struct {
	bus   bus.Bus
	log   *zap.Logger
	subID bus.SubscriptionId
}

func NewTextAdapter(log *zap.Logger) *TextAdapter {
	return &TextAdapter{log: log}
}

func (t *TextAdapter) ID() model.ModuleId { return model.ModuleTextAdapter }

func (t *TextAdapter) Start(ctx context.Context, b bus.Bus, cfg *config.Snapshot) error {
	t.bus = b

	subID, err := b.Subscribe(string(model.ModuleTextAdapter)+".interventions",
		bus.Filter{PayloadType: bus.PayloadIs[model.InterventionRequest]()}, bus.BestEffort, t.onInterventionRequest)
	if err != nil {
		return err
	}
	t.subID = subID

	_, _ = b.Publish(ctx, bus.Message{Source: model.ModuleTextAdapter, Payload: model.ModuleReady{ModuleID: model.ModuleTextAdapter}})
	return nil
}

func (t *TextAdapter) onInterventionRequest(ctx context.Context, msg bus.Message) error {
	req, ok := msg.Payload.(model.InterventionRequest)
	if !ok {
		return nil
	}
	notice := model.SystemNotice{
		Title:   string(req.Category),
		Body:    renderTemplate(req.Context["message_template_key"], req.TargetState),
		Urgency: urgencyFromString(req.Context["urgency"]),
	}
	_, err := t.bus.Publish(ctx, bus.Message{Source: model.ModuleTextAdapter, Payload: notice})
	return err
}

// renderTemplate is a fixed, non-pluggable template lookup per spec.md §9
// ("extension is by adding a variant, never by plugin loading") — the
// templates themselves are intentionally minimal placeholders; the
// companion UI owns presentation.
func renderTemplate(key string, target model.ADHDStateKind) string {
	switch key {
	case "gentle_nudge_default":
		return "Still with us? A quick stretch might help."
	case "break_suggestion_default":
		return "You've been at this a while — consider a short break."
	case "hyperfocus_check_default":
		return "Deep in it — just checking you're still intentional about this."
	case "refocus_prompt_default":
		return "Looks like focus has drifted. Want to refocus on " + string(target) + "?"
	case "celebration_default":
		return "Nice work — that was a solid flow stretch."
	default:
		return "Checking in."
	}
}

func urgencyFromString(s string) model.Urgency {
	switch model.Urgency(s) {
	case model.UrgencyHigh, model.UrgencyMedium, model.UrgencyLow:
		return model.Urgency(s)
	default:
		return model.UrgencyLow
	}
}

func (t *TextAdapter) Stop(ctx context.Context) error {
	return t.bus.Unsubscribe(t.subID)
}
