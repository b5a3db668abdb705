package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

func newTestPolicy(t *testing.T) (*Policy, bus.Bus, *config.Snapshot) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)

	cfg := config.Default()
	snap := config.NewSnapshot(cfg)

	p := New(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx, b, snap))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = p.Stop(stopCtx)
	})
	return p, b, snap
}

func distractedClassification(now time.Time) model.StateClassification {
	return model.StateClassification{
		WindowID:   "w1",
		Timestamp:  now,
		State:      model.ADHDState{Kind: model.StateDistracted, Confidence: 0.9, DistractionSeverity: 0.8, DistractionKind: model.DistractionWindowSwitching},
		Confidence: 0.9,
		InterventionReadiness: 0.9,
	}
}

func TestFlowStateIsNeverInterrupted(t *testing.T) {
	p, b, _ := newTestPolicy(t)

	requests := make(chan model.InterventionRequest, 2)
	_, err := b.Subscribe("test.requests", bus.Filter{PayloadType: bus.PayloadIs[model.InterventionRequest]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		requests <- msg.Payload.(model.InterventionRequest)
		return nil
	})
	require.NoError(t, err)

	sc := model.StateClassification{
		WindowID:   "flow-1",
		Timestamp:  time.Now(),
		State:      model.ADHDState{Kind: model.StateFlow, Confidence: 0.95},
		Confidence: 0.95,
	}
	_, err = b.Publish(context.Background(), bus.Message{Payload: sc})
	require.NoError(t, err)

	select {
	case <-requests:
		t.Fatal("flow state should never trigger an intervention")
	case <-time.After(300 * time.Millisecond):
	}

	_ = p
}

func TestDistractedStateCanTriggerIntervention(t *testing.T) {
	_, b, _ := newTestPolicy(t)

	requests := make(chan model.InterventionRequest, 2)
	_, err := b.Subscribe("test.requests2", bus.Filter{PayloadType: bus.PayloadIs[model.InterventionRequest]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		requests <- msg.Payload.(model.InterventionRequest)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), bus.Message{Payload: distractedClassification(time.Now())})
	require.NoError(t, err)

	select {
	case req := <-requests:
		require.NotEmpty(t, req.Category)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an intervention request for sustained distraction")
	}
}

func TestCooldownBlocksRepeatedInterventionForSameCategory(t *testing.T) {
	p, b, _ := newTestPolicy(t)

	requests := make(chan model.InterventionRequest, 4)
	_, err := b.Subscribe("test.requests3", bus.Filter{PayloadType: bus.PayloadIs[model.InterventionRequest]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		requests <- msg.Payload.(model.InterventionRequest)
		return nil
	})
	require.NoError(t, err)

	now := time.Now()
	_, err = b.Publish(context.Background(), bus.Message{Payload: distractedClassification(now)})
	require.NoError(t, err)

	var first model.InterventionRequest
	select {
	case first = <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("expected first intervention")
	}

	_, err = b.Publish(context.Background(), bus.Message{Payload: distractedClassification(now.Add(time.Second))})
	require.NoError(t, err)

	select {
	case <-requests:
		t.Fatal("second publish within cooldown window should not fire")
	case <-time.After(300 * time.Millisecond):
	}

	require.NotEmpty(t, first.Category)
	_ = p
}

func TestHourlyCapStopsFurtherInterventions(t *testing.T) {
	_, b, snap := newTestPolicy(t)
	cfg := snap.Load()
	cfg.Policy.MaxPerHour = 1
	for k, v := range cfg.Policy.Categories {
		v.MinCooldown = 0
		cfg.Policy.Categories[k] = v
	}
	snap.Store(cfg)

	requests := make(chan model.InterventionRequest, 4)
	_, err := b.Subscribe("test.requests4", bus.Filter{PayloadType: bus.PayloadIs[model.InterventionRequest]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		requests <- msg.Payload.(model.InterventionRequest)
		return nil
	})
	require.NoError(t, err)

	now := time.Now()
	_, err = b.Publish(context.Background(), bus.Message{Payload: distractedClassification(now)})
	require.NoError(t, err)
	select {
	case <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("expected first intervention")
	}

	_, err = b.Publish(context.Background(), bus.Message{Payload: distractedClassification(now.Add(time.Minute))})
	require.NoError(t, err)
	select {
	case <-requests:
		t.Fatal("hourly cap of 1 should block the second intervention")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestAdaptiveThresholdShiftsByPreference(t *testing.T) {
	p := &Policy{}
	minimal := config.PolicyConfig{AdaptiveThreshold: 0.6, UserPreference: config.PreferenceMinimal}
	frequent := config.PolicyConfig{AdaptiveThreshold: 0.6, UserPreference: config.PreferenceFrequent}
	require.Greater(t, p.adaptiveThreshold(minimal), p.adaptiveThreshold(frequent))
}
