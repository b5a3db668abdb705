// Package storage owns durable event metadata, the time-windowed batching
// of RawEvents into EventBatches, and the full lifecycle of ScreenshotRefs
// (spec.md §4.3): a mutex-guarded-map store interface with copy-out reads,
// a startup sweep of the scratch area, and a ticker-driven sweep loop for
// expired refs.
package storage

import (
	"context"
	"time"

	"github.com/skelly-jelly/pipeline/internal/model"
)

// Store is durable metadata persistence: event-batch aggregates and
// screenshot-ref bookkeeping. Pixel bytes never pass through this
// interface — only ScreenshotRef metadata (spec.md invariant: "Screenshot
// pixel bytes are never written to the permanent store").
type Store interface {
	// AppendBatchMetadata persists the metadata of a closed EventBatch
	// (counts, window bounds, ref ids) — never the raw event payloads,
	// which are ephemeral and live only in the in-process ring buffers.
	AppendBatchMetadata(ctx context.Context, batch model.EventBatch) error

	PutScreenshotRef(ctx context.Context, ref model.ScreenshotRef) error
	GetScreenshotRef(ctx context.Context, id string) (model.ScreenshotRef, bool, error)
	MarkScreenshotAnalyzed(ctx context.Context, id string, completedAt time.Time) error
	DeleteScreenshotRef(ctx context.Context, id string) error

	// ListExpiredScreenshotRefs returns every ref whose ExpiresAt is <= now
	// and that has not yet been deleted.
	ListExpiredScreenshotRefs(ctx context.Context, now time.Time) ([]model.ScreenshotRef, error)

	Close() error
}

// ErrNotFound is returned by point lookups that miss.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return "storage: not found: " + e.ID }
