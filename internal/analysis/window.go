// Package analysis turns each windowed EventBatch into a published
// StateClassification: pure feature extraction under per-extractor
// deadlines, a two-model classifier ensemble, transition smoothing with
// tie-breaking, and an online-learning feedback loop. A dedup-by-ID ring
// buffer guards against classifying the same batch twice, and extraction
// fans out via errgroup for parallel dispatch.
package analysis

import (
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/ringbuffer"
)

// windowDedup blocks a batch ID already seen within the last
// WindowHistorySize windows from being classified twice — e.g. if Storage
// retries a publish after a transient bus failure.
type windowDedup struct {
	seen     *ringbuffer.Buffer[string]
	set      map[string]struct{}
	capacity int
}

func newWindowDedup(size int) *windowDedup {
	if size <= 0 {
		size = 128
	}
	return &windowDedup{seen: ringbuffer.New[string](size), set: make(map[string]struct{}, size), capacity: size}
}

// admit reports whether batchID is new; it records the ID either way so a
// second call with the same ID returns false until the ring evicts it.
func (d *windowDedup) admit(batchID string) bool {
	if _, ok := d.set[batchID]; ok {
		return false
	}

	var oldest string
	evicting := d.seen.Len() >= d.capacity
	if evicting {
		if snap := d.seen.Snapshot(); len(snap) > 0 {
			oldest = snap[0]
		}
	}

	d.seen.Push(batchID)
	d.set[batchID] = struct{}{}

	if evicting {
		delete(d.set, oldest)
	}
	return true
}

// windowState carries the rolling context a single batch's classification
// needs beyond its own FeatureVector: the previous smoothed distribution,
// the current published ADHDState (for tie-break preference and dwell
// time), and a short prior history for tie-break's "higher recent prior".
type windowState struct {
	prevDistribution model.StateDistribution
	current          model.ADHDState
	currentSince     int64 // unix nano
	recentStates     *ringbuffer.Buffer[model.ADHDStateKind]
	transitionWindow int // windows remaining in an in-flight Transitioning state
}

func newWindowState(priorHistory int) *windowState {
	if priorHistory <= 0 {
		priorHistory = 10
	}
	return &windowState{
		current:      model.ADHDState{Kind: model.StateNeutral, Confidence: 1},
		recentStates: ringbuffer.New[model.ADHDStateKind](priorHistory),
	}
}
