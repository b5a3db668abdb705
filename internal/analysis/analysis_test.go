package analysis

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

func newTestAnalysis(t *testing.T) (*Analysis, bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)

	cfg := config.Default()
	snap := config.NewSnapshot(cfg)

	a := New(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx, b, snap))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
	})
	return a, b
}

func flowBatch(id string, start time.Time) model.EventBatch {
	var events []model.RawEvent
	for i := 0; i < 40; i++ {
		events = append(events, model.RawEvent{
			Header: model.EventHeader{Timestamp: start.Add(time.Duration(i) * 100 * time.Millisecond), Kind: model.EventKeystroke},
			Keystroke: &model.KeystrokeEvent{
				Class:              model.KeyChar,
				InterKeyIntervalMs: 90 + float64(i%3),
				SessionCharCount:   int64(i),
			},
		})
	}
	events = append(events, model.RawEvent{
		Header: model.EventHeader{Timestamp: start, Kind: model.EventWindowFocus},
		Window: &model.WindowEvent{AppName: "editor", DwellMs: 30000},
	})
	return model.EventBatch{BatchID: id, WindowStart: start, WindowEnd: start.Add(30 * time.Second), Events: events}
}

func TestEventBatchPublishesStateClassification(t *testing.T) {
	_, b := newTestAnalysis(t)

	results := make(chan model.StateClassification, 4)
	_, err := b.Subscribe("test.classifications", bus.Filter{PayloadType: bus.PayloadIs[model.StateClassification]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		results <- msg.Payload.(model.StateClassification)
		return nil
	})
	require.NoError(t, err)

	now := time.Now()
	_, err = b.Publish(context.Background(), bus.Message{Payload: flowBatch("batch-1", now)})
	require.NoError(t, err)

	select {
	case got := <-results:
		require.Equal(t, "batch-1", got.WindowID)
		require.GreaterOrEqual(t, got.Confidence, 0.0)
		require.LessOrEqual(t, got.Confidence, 1.0)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for classification")
	}
}

func TestDuplicateBatchIDIsNotReclassified(t *testing.T) {
	a, b := newTestAnalysis(t)

	results := make(chan model.StateClassification, 4)
	_, err := b.Subscribe("test.classifications2", bus.Filter{PayloadType: bus.PayloadIs[model.StateClassification]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		results <- msg.Payload.(model.StateClassification)
		return nil
	})
	require.NoError(t, err)

	now := time.Now()
	batch := flowBatch("dup-1", now)
	_, err = b.Publish(context.Background(), bus.Message{Payload: batch})
	require.NoError(t, err)
	select {
	case <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("first publish never classified")
	}

	_, err = b.Publish(context.Background(), bus.Message{Payload: batch})
	require.NoError(t, err)

	select {
	case <-results:
		t.Fatal("duplicate batch ID should not be reclassified")
	case <-time.After(300 * time.Millisecond):
	}

	require.NotNil(t, a.dedup)
}

func TestExtractKeystrokeComputesVarianceAndBursts(t *testing.T) {
	events := []model.RawEvent{
		{Header: model.EventHeader{Kind: model.EventKeystroke}, Keystroke: &model.KeystrokeEvent{InterKeyIntervalMs: 50}},
		{Header: model.EventHeader{Kind: model.EventKeystroke}, Keystroke: &model.KeystrokeEvent{InterKeyIntervalMs: 55}},
		{Header: model.EventHeader{Kind: model.EventKeystroke}, Keystroke: &model.KeystrokeEvent{InterKeyIntervalMs: 48}},
		{Header: model.EventHeader{Kind: model.EventKeystroke}, Keystroke: &model.KeystrokeEvent{InterKeyIntervalMs: 52}},
		{Header: model.EventHeader{Kind: model.EventKeystroke}, Keystroke: &model.KeystrokeEvent{InterKeyIntervalMs: 300}},
	}
	f := extractKeystroke(events)
	require.Greater(t, f.MeanIKI, 0.0)
	require.Greater(t, f.IKIVariance, 0.0)
	require.GreaterOrEqual(t, f.BurstCount, 0)
}

func TestTieBreakPrefersCurrentState(t *testing.T) {
	ws := newWindowState(10)
	ws.current.Kind = model.StateFlow

	d := model.StateDistribution{
		model.StateFlow:          0.5,
		model.StateHyperfocus:    0.51,
		model.StateDistracted:    0.0,
		model.StateTransitioning: 0.0,
		model.StateNeutral:       0.0,
	}
	winner := tieBreak(d, ws, 0.02)
	require.Equal(t, model.StateFlow, winner)
}

func TestOnUserFeedbackIgnoresUnknownWindow(t *testing.T) {
	a, b := newTestAnalysis(t)
	a.mu.Lock()
	before := a.classifier.net.w2
	a.mu.Unlock()
	_, err := b.Publish(context.Background(), bus.Message{Payload: model.UserFeedback{WindowID: "missing", CorrectState: model.StateFlow}})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NotNil(t, a.classifier)
	a.mu.Lock()
	after := a.classifier.net.w2
	a.mu.Unlock()
	require.Equal(t, before, after)
}
