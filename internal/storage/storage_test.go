package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

func newTestStorage(t *testing.T) (*Storage, bus.Bus, *config.Snapshot) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)

	cfg := config.Default()
	cfg.Storage.ScratchDir = filepath.Join(t.TempDir(), "scratch")
	cfg.Storage.WindowDuration = 200 * time.Millisecond
	cfg.Storage.WindowOverlap = 50 * time.Millisecond
	snap := config.NewSnapshot(cfg)

	st := New(NewMemoryStore(), nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, st.Start(ctx, b, snap))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = st.Stop(stopCtx)
	})
	return st, b, snap
}

func TestEmitWindowPublishesEventBatch(t *testing.T) {
	st, b, _ := newTestStorage(t)

	batches := make(chan model.EventBatch, 4)
	_, err := b.Subscribe("test.batches", bus.Filter{PayloadType: bus.PayloadIs[model.EventBatch]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		batches <- msg.Payload.(model.EventBatch)
		return nil
	})
	require.NoError(t, err)

	_ = st.bus.PublishRawEvent(context.Background(), model.RawEvent{
		Header: model.EventHeader{Timestamp: time.Now(), Kind: model.EventMouse},
		Mouse:  &model.MouseEvent{X: 1, Y: 2},
	})

	select {
	case batch := <-batches:
		require.NotEmpty(t, batch.BatchID)
		require.False(t, batch.WindowEnd.Before(batch.WindowStart))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event batch")
	}
}

func TestScreenshotDestroyedAfterAnalyzed(t *testing.T) {
	st, b, _ := newTestStorage(t)

	ref := model.ScreenshotRef{ID: "shot-1", Storage: model.StorageTempFile, ExpiresAt: time.Now().Add(30 * time.Second)}
	require.NoError(t, st.store.PutScreenshotRef(context.Background(), ref))

	_, err := b.Publish(context.Background(), bus.Message{Payload: model.ScreenshotAnalyzed{RefID: "shot-1", CompletedAt: time.Now()}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok, _ := st.store.GetScreenshotRef(context.Background(), "shot-1")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestScreenshotEventRawEventIsTracked(t *testing.T) {
	st, _, _ := newTestStorage(t)

	ref := model.ScreenshotRef{ID: "shot-live", Storage: model.StorageMemory, ExpiresAt: time.Now().Add(30 * time.Second)}
	_ = st.bus.PublishRawEvent(context.Background(), model.RawEvent{
		Header:     model.EventHeader{Timestamp: time.Now(), Kind: model.EventScreenshot},
		Screenshot: &model.ScreenshotEvent{Ref: ref},
	})

	require.Eventually(t, func() bool {
		_, ok, _ := st.store.GetScreenshotRef(context.Background(), "shot-live")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestExpiredUnanalyzedScreenshotIsSwept(t *testing.T) {
	st, _, _ := newTestStorage(t)

	ref := model.ScreenshotRef{ID: "shot-2", Storage: model.StorageTempFile, ExpiresAt: time.Now().Add(-time.Second)}
	require.NoError(t, st.store.PutScreenshotRef(context.Background(), ref))

	require.Eventually(t, func() bool {
		_, ok, _ := st.store.GetScreenshotRef(context.Background(), "shot-2")
		return !ok
	}, 6*time.Second, 50*time.Millisecond)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ref := model.ScreenshotRef{ID: "a", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, s.PutScreenshotRef(ctx, ref))

	got, ok, err := s.GetScreenshotRef(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", got.ID)

	require.NoError(t, s.MarkScreenshotAnalyzed(ctx, "a", time.Now()))
	require.Error(t, s.MarkScreenshotAnalyzed(ctx, "missing", time.Now()))

	require.NoError(t, s.DeleteScreenshotRef(ctx, "a"))
	_, ok, _ = s.GetScreenshotRef(ctx, "a")
	require.False(t, ok)
}
