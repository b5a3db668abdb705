package analysis

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
)

// buildFeatureVector runs every pure extractor concurrently under its own
// ExtractorDeadline, bounded by MaxConcurrentExtractors, zero-filling and
// marking absent any extractor that times out or finds no relevant events
// — an errgroup+semaphore fan-out over five fixed, independent extractors.
func buildFeatureVector(ctx context.Context, batch model.EventBatch, cfg config.AnalysisConfig, sess sessionContext) model.FeatureVector {
	fv := model.FeatureVector{BatchID: batch.BatchID}

	maxConcurrent := cfg.MaxConcurrentExtractors
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	deadline := cfg.ExtractorDeadline
	if deadline <= 0 {
		deadline = 10 * time.Millisecond
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(runExtractor(gctx, sem, deadline, "keystroke", func() {
		if hasKind(batch.Events, model.EventKeystroke) {
			fv.Keystroke = extractKeystroke(batch.Events)
			fv.Presence.Keystroke = true
		}
	}))
	g.Go(runExtractor(gctx, sem, deadline, "mouse", func() {
		if hasKind(batch.Events, model.EventMouse) {
			fv.Mouse = extractMouse(batch.Events)
			fv.Presence.Mouse = true
		}
	}))
	g.Go(runExtractor(gctx, sem, deadline, "window", func() {
		if hasKind(batch.Events, model.EventWindowFocus) || hasKind(batch.Events, model.EventWindowSwitch) {
			fv.Window = extractWindow(batch.Events)
			fv.Presence.Window = true
		}
	}))
	g.Go(runExtractor(gctx, sem, deadline, "temporal", func() {
		fv.Temporal = extractTemporal(sess.sessionStart, sess.currentStateSince, sess.lastTransition, batch.WindowEnd)
		fv.Presence.Temporal = true
	}))
	g.Go(runExtractor(gctx, sem, deadline, "resource", func() {
		if hasKind(batch.Events, model.EventResource) {
			fv.Resource = extractResource(batch.Events)
			fv.Presence.Resource = true
		}
	}))

	_ = g.Wait()
	return fv
}

type sessionContext struct {
	sessionStart      time.Time
	currentStateSince time.Time
	lastTransition    time.Time
}

// runExtractor wraps fn so a timeout or panic never fails the batch: the
// corresponding Presence bit simply stays false (spec.md §4.5.1: "a slow
// extractor degrades its own feature subvector, never the whole window").
func runExtractor(ctx context.Context, sem *semaphore.Weighted, deadline time.Duration, name string, fn func()) func() error {
	return func() error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		defer sem.Release(1)

		done := make(chan struct{})
		extractCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		go func() {
			defer close(done)
			defer func() { _ = recover() }()
			fn()
		}()

		select {
		case <-done:
		case <-extractCtx.Done():
			observability.AnalysisExtractorTimeouts.WithLabelValues(name).Inc()
		}
		return nil
	}
}

func hasKind(events []model.RawEvent, kind model.RawEventKind) bool {
	for _, ev := range events {
		if ev.Header.Kind == kind {
			return true
		}
	}
	return false
}
