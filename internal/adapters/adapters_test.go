package adapters

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

func TestTextAdapterRendersSystemNotice(t *testing.T) {
	b := bus.New()
	defer b.Close()

	cfg := config.Default()
	snap := config.NewSnapshot(cfg)

	ta := NewTextAdapter(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ta.Start(ctx, b, snap))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = ta.Stop(stopCtx)
	}()

	notices := make(chan model.SystemNotice, 1)
	_, err := b.Subscribe("test.notices", bus.Filter{PayloadType: bus.PayloadIs[model.SystemNotice]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		notices <- msg.Payload.(model.SystemNotice)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), bus.Message{Payload: model.InterventionRequest{
		Category:   model.CategoryGentleNudge,
		TargetState: model.StateDistracted,
		Context:    map[string]string{"message_template_key": "gentle_nudge_default", "urgency": "low"},
	}})
	require.NoError(t, err)

	select {
	case n := <-notices:
		require.NotEmpty(t, n.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for system notice")
	}
}

func TestAnimationCommandMappingPerCategory(t *testing.T) {
	cmd := toAnimationCommand(model.InterventionRequest{Category: model.CategoryCelebration, Context: map[string]string{}})
	require.Equal(t, model.AnimationCelebrate, cmd.AnimationID)

	cmd2 := toAnimationCommand(model.InterventionRequest{Category: model.CategoryHyperfocusCheck, ReasonCode: model.ReasonHyperfocusCheck, Context: map[string]string{}})
	require.Equal(t, model.AnimationConcernedNudge, cmd2.AnimationID)
	require.Equal(t, 10*time.Second, cmd2.Duration)
}

func TestAnimationAdapterBindsLoopbackOnly(t *testing.T) {
	b := bus.New()
	defer b.Close()

	cfg := config.Default()
	cfg.Adapters.CompanionPort = 0 // ephemeral port for the test
	snap := config.NewSnapshot(cfg)

	a := NewAnimationAdapter(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx, b, snap))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
	}()

	require.Contains(t, a.listener.Addr().String(), "127.0.0.1")
}
