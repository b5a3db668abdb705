package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/errorkind"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
)

// Storage is the orchestrator.Module implementation: it consumes RawEvents
// from the bus's direct lane, batches them into overlapping windows, owns
// ScreenshotRef lifecycle, sweeps stale scratch files once at startup, and
// runs a ticker-driven sweep loop for expired refs.
type Storage struct {
	store      Store
	redisIndex *RedisIndex
	bus        bus.Bus
	cfg        *config.Snapshot
	log        *zap.Logger

	mu      sync.Mutex
	pending []model.RawEvent
	windowStart time.Time

	pendingBatches int
	rawSubID       bus.SubscriptionId
	analyzedSubID  bus.SubscriptionId

	stop chan struct{}
	done chan struct{}
}

// New constructs a Storage module backed by store. redisIndex may be nil;
// expiry is driven by ListExpiredScreenshotRefs polls either way, and a
// non-nil index only mirrors tracked refs.
func New(store Store, redisIndex *RedisIndex, log *zap.Logger) *Storage {
	return &Storage{
		store:      store,
		redisIndex: redisIndex,
		log:        log,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Storage) ID() model.ModuleId { return model.ModuleStorage }

func (s *Storage) Start(ctx context.Context, b bus.Bus, cfg *config.Snapshot) error {
	s.bus = b
	s.cfg = cfg
	s.windowStart = time.Now()

	if err := s.sweepScratchOnStartup(); err != nil {
		return err
	}

	subID, err := b.SubscribeRawEvents(string(model.ModuleStorage), s.onRawEvent)
	if err != nil {
		return err
	}
	s.rawSubID = subID

	analyzedID, err := b.Subscribe(string(model.ModuleStorage)+".analyzed",
		bus.Filter{PayloadType: bus.PayloadIs[model.ScreenshotAnalyzed]()}, bus.Reliable, s.onScreenshotAnalyzed)
	if err != nil {
		return err
	}
	s.analyzedSubID = analyzedID

	go s.run(ctx)

	_, _ = b.Publish(ctx, bus.Message{Source: model.ModuleStorage, Payload: model.ModuleReady{ModuleID: model.ModuleStorage}})
	return nil
}

func (s *Storage) onRawEvent(ev model.RawEvent) {
	if ev.Header.Kind == model.EventScreenshot && ev.Screenshot != nil {
		s.trackScreenshot(ev.Screenshot.Ref)
	}

	s.mu.Lock()
	s.pending = append(s.pending, ev)
	overflow := len(s.pending) >= s.cfg.Load().Storage.HighWaterMarkEvents
	s.mu.Unlock()

	if overflow {
		s.emitWindow(context.Background())
	}
}

// trackScreenshot registers a freshly captured ref so the expiry sweep and
// MarkScreenshotAnalyzed have a row to act on (spec.md §4.3 screenshot
// lifecycle: every ref is tracked from capture until deletion or the
// ScreenshotAnalyzed ack, whichever comes first).
func (s *Storage) trackScreenshot(ref model.ScreenshotRef) {
	ctx := context.Background()
	if err := s.store.PutScreenshotRef(ctx, ref); err != nil {
		s.log.Warn("failed to track screenshot ref", zap.String("ref_id", ref.ID), zap.Error(err))
		return
	}
	if s.redisIndex != nil {
		_ = s.redisIndex.Track(ctx, ref)
	}
	observability.StorageScreenshotBacklog.Inc()
}

func (s *Storage) run(ctx context.Context) {
	defer close(s.done)

	cfg := s.cfg.Load().Storage
	tickInterval := cfg.WindowDuration - cfg.WindowOverlap
	if tickInterval <= 0 {
		tickInterval = cfg.WindowDuration
	}

	windowTicker := time.NewTicker(tickInterval)
	defer windowTicker.Stop()

	sweepTicker := time.NewTicker(2 * time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-windowTicker.C:
			s.emitWindow(ctx)
		case <-sweepTicker.C:
			s.sweepExpiredScreenshots(ctx)
		}
	}
}

// emitWindow closes the current window, publishes its EventBatch (retaining
// the overlap tail for the next window), and applies backlog backpressure
// per spec.md §4.3's failure semantics.
func (s *Storage) emitWindow(ctx context.Context) {
	cfg := s.cfg.Load().Storage

	s.mu.Lock()
	windowStart := s.windowStart
	windowEnd := time.Now()
	if windowEnd.Sub(windowStart) < cfg.WindowOverlap {
		s.mu.Unlock()
		return
	}

	events := s.pending
	// retain the overlap tail: events within WindowOverlap of windowEnd
	// carry into the next window too (spec.md §4.3 overlap invariant).
	cutover := windowEnd.Add(-cfg.WindowOverlap)
	var carry []model.RawEvent
	for _, ev := range events {
		if ev.Timestamp().After(cutover) {
			carry = append(carry, ev)
		}
	}
	s.pending = carry
	s.windowStart = cutover
	s.mu.Unlock()

	batch := model.EventBatch{
		BatchID:     uuid.NewString(),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Events:      events,
	}

	if err := s.store.AppendBatchMetadata(ctx, batch); err != nil {
		s.log.Warn("failed to persist batch metadata", zap.Error(err))
	}

	_, err := s.bus.Publish(ctx, bus.Message{Source: model.ModuleStorage, Payload: batch})
	if err != nil {
		s.handleBacklog(ctx, len(events))
		return
	}
	observability.StorageWindowsClosed.Inc()
}

func (s *Storage) handleBacklog(ctx context.Context, lost int) {
	s.mu.Lock()
	s.pendingBatches++
	overBacklog := s.pendingBatches > s.cfg.Load().Storage.MaxPendingBatches
	if overBacklog {
		// Drop oldest RawEvents, not batches (spec.md §4.3).
		dropN := len(s.pending) / 2
		if dropN > 0 {
			s.pending = s.pending[dropN:]
		}
		s.pendingBatches = 0
	}
	s.mu.Unlock()

	if overBacklog {
		_, _ = s.bus.Publish(ctx, bus.Message{
			Source: model.ModuleStorage,
			Payload: model.ModuleError{
				ModuleID: model.ModuleStorage,
				Kind:     "EventLossWarning",
				Severity: model.SeverityWarning,
				Message:  "dropped oldest buffered raw events under sustained backlog",
				Context:  map[string]string{"count": itoa(lost)},
			},
		})
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Storage) onScreenshotAnalyzed(ctx context.Context, msg bus.Message) error {
	analyzed, ok := msg.Payload.(model.ScreenshotAnalyzed)
	if !ok {
		return nil
	}
	if err := s.store.MarkScreenshotAnalyzed(ctx, analyzed.RefID, analyzed.CompletedAt); err != nil {
		return err
	}
	return s.destroyScreenshot(ctx, analyzed.RefID)
}

func (s *Storage) sweepExpiredScreenshots(ctx context.Context) {
	expired, err := s.store.ListExpiredScreenshotRefs(ctx, time.Now())
	if err != nil {
		s.log.Warn("failed listing expired screenshot refs", zap.Error(err))
		return
	}
	for _, ref := range expired {
		if ref.ProcessedFlag {
			continue
		}
		if err := s.destroyScreenshot(ctx, ref.ID); err != nil {
			s.log.Warn("ScreenshotExpiredUnanalyzed cleanup failed", zap.String("ref_id", ref.ID), zap.Error(err))
			continue
		}
		s.log.Info("ScreenshotExpiredUnanalyzed", zap.String("ref_id", ref.ID))
	}
}

// destroyScreenshot deletes the ref's bytes and metadata, retrying up to
// ScreenshotDeleteRetries times before marking the session degraded
// (spec.md §4.3 failure semantics: "Screenshot deletion is fatal on
// failure").
func (s *Storage) destroyScreenshot(ctx context.Context, id string) error {
	retries := s.cfg.Load().Storage.ScreenshotDeleteRetries
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := s.store.DeleteScreenshotRef(ctx, id); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
			continue
		}
		if s.redisIndex != nil {
			_ = s.redisIndex.Untrack(ctx, id)
		}
		observability.StorageScreenshotBacklog.Dec()
		return nil
	}

	observability.StorageScreenshotDeleteFailures.Inc()
	_, _ = s.bus.Publish(ctx, bus.Message{
		Source: model.ModuleStorage,
		Payload: model.ModuleError{
			ModuleID: model.ModuleStorage,
			Kind:     "ScreenshotDeletionFailed",
			Severity: model.SeverityCritical,
			Message:  "screenshot bytes could not be destroyed after retries; session degraded",
			Context:  map[string]string{"ref_id": id},
		},
	})
	return errorkind.New(errorkind.ScreenshotPipelineFailure, "storage.destroyScreenshot", lastErr)
}

func (s *Storage) Stop(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	_ = s.bus.Unsubscribe(s.analyzedSubID)
	return s.store.Close()
}
