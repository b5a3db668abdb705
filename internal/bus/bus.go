// Package bus implements the typed, back-pressured pub/sub router that is
// the only path between pipeline components (spec.md §4.1): a
// register/unregister-channel hub with a per-subscription delivery loop,
// topic/filter matching, and one goroutine per subscription owning its own
// buffered channel.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/skelly-jelly/pipeline/internal/model"
)

// Priority orders messages within a single subscriber's queue when the
// queue implementation chooses to honor it (the memory bus does not
// reorder; priority is exposed for future queue implementations and for
// dead-letter triage).
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// DeliveryMode governs subscriber behavior under back-pressure (spec.md §4.1).
type DeliveryMode int

const (
	// Reliable retries with exponential backoff up to MaxAttempts, then
	// moves the message to the subscription's dead-letter queue.
	Reliable DeliveryMode = iota
	// BestEffort drops the message and increments a counter on back-pressure.
	BestEffort
	// LatestOnly coalesces to the most recent value per subscriber.
	LatestOnly
)

func (m DeliveryMode) String() string {
	switch m {
	case Reliable:
		return "reliable"
	case BestEffort:
		return "best_effort"
	case LatestOnly:
		return "latest_only"
	default:
		return "unknown"
	}
}

// Message is the envelope every publish wraps a payload in.
type Message struct {
	ID            model.MessageId
	Timestamp     time.Time
	Source        model.ModuleId
	Payload       any
	CorrelationID string
	Priority      Priority
}

// Filter selects which published messages a subscription receives. A zero
// Filter matches everything. PayloadType, when non-nil, is matched by exact
// concrete type (via a type switch at dispatch, not reflection, to keep the
// hot path allocation-free).
type Filter struct {
	PayloadType func(any) bool // nil matches any payload
	Source      model.ModuleId // empty matches any source
	Predicate   func(Message) bool
}

// Matches reports whether msg satisfies f.
func (f Filter) Matches(msg Message) bool {
	if f.Source != "" && f.Source != msg.Source {
		return false
	}
	if f.PayloadType != nil && !f.PayloadType(msg.Payload) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(msg) {
		return false
	}
	return true
}

// Handler processes one delivered message. An error (or panic, which the
// bus recovers and converts to an error) counts against the subscription's
// circuit breaker.
type Handler func(context.Context, Message) error

// SubscriptionId identifies a live subscription for Unsubscribe.
type SubscriptionId = model.MessageId

// ErrQueueFull is returned by Publish when a Reliable subscriber's queue
// could not accept the message even after retrying.
var ErrQueueFull = errors.New("bus: destination queue full")

// ErrUnknownSubscription is returned by Unsubscribe for an unknown id.
var ErrUnknownSubscription = errors.New("bus: unknown subscription")

// SubscriberLatency is a tiny latency histogram snapshot for one subscriber.
type SubscriberLatency struct {
	SubscriberID string
	P50, P95, P99 time.Duration
	Samples       int
}

// Metrics is the snapshot returned by Bus.Metrics().
type Metrics struct {
	Published       uint64
	Delivered       uint64
	Failed          uint64
	Dropped         uint64
	DeadLettered    uint64
	QueueDepth      map[string]int
	SubscriberLatencies []SubscriberLatency
}

// Bus is the only inter-component communication primitive. Implementations
// must be safe for concurrent use by many publishers and subscribers.
type Bus interface {
	// Publish routes msg according to its payload's subscriptions. It
	// returns ErrQueueFull when any matching Reliable subscriber
	// rejected the message after exhausting retries; BestEffort and
	// LatestOnly subscribers never cause Publish to fail.
	Publish(ctx context.Context, msg Message) (model.MessageId, error)

	// Subscribe registers handler to receive messages matching filter,
	// under the given delivery mode. subscriberID need not be unique
	// globally but should be stable for a given logical consumer, since it
	// labels metrics and the dead-letter queue.
	Subscribe(subscriberID string, filter Filter, mode DeliveryMode, handler Handler) (SubscriptionId, error)

	Unsubscribe(id SubscriptionId) error

	Metrics() Metrics

	// PublishRawEvent uses the dedicated high-frequency lane to Storage,
	// bypassing general topic-based fanout (spec.md §4.1 routing policy).
	PublishRawEvent(ctx context.Context, ev model.RawEvent) error

	// SubscribeRawEvents attaches a consumer to the direct RawEvent lane.
	// Only Storage is expected to use this in the running pipeline, but the
	// interface does not enforce that — it is a routing optimization, not
	// an access-control boundary.
	SubscribeRawEvents(subscriberID string, handler func(model.RawEvent)) (SubscriptionId, error)

	// DeadLetters returns the current contents of subscriptionID's
	// dead-letter queue, newest first.
	DeadLetters(subscriptionID SubscriptionId) []Message

	// Close drains and stops every subscription goroutine. It is safe to
	// call more than once.
	Close()
}

// PayloadIs returns a Filter.PayloadType matcher for exactly one Go type,
// used as: Filter{PayloadType: PayloadIs[model.StateClassification]()}.
func PayloadIs[T any]() func(any) bool {
	return func(v any) bool {
		_, ok := v.(T)
		return ok
	}
}
