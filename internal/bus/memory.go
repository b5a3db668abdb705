package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/skelly-jelly/pipeline/internal/errorkind"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/ringbuffer"
)

// queueDepth is the per-subscriber channel capacity: generous enough to
// absorb a burst from one slow publish cycle, small enough that a stuck
// subscriber is detected within a few hundred milliseconds rather than
// unbounded growth.
const queueDepth = 256

// dlqCapacity bounds the dead-letter ring per subscription.
const dlqCapacity = 128

// reliableMaxAttempts bounds Reliable retries before dead-lettering.
const reliableMaxAttempts = 4

var reliableBackoff = [...]time.Duration{
	10 * time.Millisecond,
	40 * time.Millisecond,
	160 * time.Millisecond,
}

type subscription struct {
	id           SubscriptionId
	subscriberID string
	filter       Filter
	mode         DeliveryMode
	handler      Handler
	breaker      *gobreaker.CircuitBreaker

	queue chan Message // Reliable/BestEffort
	latch chan Message // LatestOnly, capacity 1, overwritten on full

	dlq *ringbuffer.Buffer[Message]

	done   chan struct{}
	closed sync.Once

	delivered uint64
	failed    uint64
	dropped   uint64
	mu        sync.Mutex
	latencies []time.Duration
}

// MemoryBus is the in-process pub/sub router: a goroutine-owned map of
// live subscribers behind a mutex, each fed by its own buffered channel,
// with topic/filter matching per publish and per-subscriber circuit
// breaking via sony/gobreaker to isolate a failing subscriber's retries
// from the rest of the bus.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[SubscriptionId]*subscription

	rawMu   sync.RWMutex
	rawSubs map[SubscriptionId]func(model.RawEvent)

	published uint64
	statsMu   sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs an empty MemoryBus.
func New() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[SubscriptionId]*subscription),
		rawSubs: make(map[SubscriptionId]func(model.RawEvent)),
		closed:  make(chan struct{}),
	}
}

func newBreaker(subscriberID string) *gobreaker.CircuitBreaker {
	// spec.md §4.1: 3 consecutive failures within a 30s window opens the
	// breaker for 10s, then allows one half-open probe.
	st := gobreaker.Settings{
		Name:        subscriberID,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return gobreaker.NewCircuitBreaker(st)
}

func (b *MemoryBus) Subscribe(subscriberID string, filter Filter, mode DeliveryMode, handler Handler) (SubscriptionId, error) {
	id := uuid.New()
	sub := &subscription{
		id:           id,
		subscriberID: subscriberID,
		filter:       filter,
		mode:         mode,
		handler:      handler,
		breaker:      newBreaker(subscriberID),
		queue:        make(chan Message, queueDepth),
		latch:        make(chan Message, 1),
		dlq:          ringbuffer.New[Message](dlqCapacity),
		done:         make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go b.runSubscription(sub)
	return id, nil
}

func (b *MemoryBus) Unsubscribe(id SubscriptionId) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	sub.closed.Do(func() { close(sub.done) })
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) (model.MessageId, error) {
	if msg.ID == (model.MessageId{}) {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.statsMu.Lock()
	b.published++
	b.statsMu.Unlock()

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(msg) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	var queueFullErr error
	for _, sub := range matched {
		switch sub.mode {
		case LatestOnly:
			select {
			case sub.latch <- msg:
			default:
				select {
				case <-sub.latch:
				default:
				}
				sub.latch <- msg
			}
		case BestEffort:
			select {
			case sub.queue <- msg:
			default:
				sub.mu.Lock()
				sub.dropped++
				sub.mu.Unlock()
			}
		case Reliable:
			if !b.enqueueReliable(ctx, sub, msg) {
				sub.dlq.Push(msg)
				sub.mu.Lock()
				sub.dropped++
				sub.mu.Unlock()
				queueFullErr = ErrQueueFull
			}
		}
	}
	if queueFullErr != nil {
		return msg.ID, errorkind.New(errorkind.BusSaturation, "bus.Publish", queueFullErr)
	}
	return msg.ID, nil
}

// enqueueReliable retries with backoff before giving up; it never blocks
// past the last backoff step, keeping Publish's worst case bounded.
func (b *MemoryBus) enqueueReliable(ctx context.Context, sub *subscription, msg Message) bool {
	select {
	case sub.queue <- msg:
		return true
	default:
	}
	for _, delay := range reliableBackoff {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		select {
		case sub.queue <- msg:
			return true
		default:
		}
	}
	return false
}

func (b *MemoryBus) runSubscription(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.latch:
			b.deliver(sub, msg)
		case msg := <-sub.queue:
			b.deliver(sub, msg)
		}
	}
}

func (b *MemoryBus) deliver(sub *subscription, msg Message) {
	start := time.Now()
	_, err := sub.breaker.Execute(func() (any, error) {
		return nil, b.invoke(sub.handler, msg)
	})
	elapsed := time.Since(start)

	sub.mu.Lock()
	sub.latencies = append(sub.latencies, elapsed)
	if len(sub.latencies) > 512 {
		sub.latencies = sub.latencies[len(sub.latencies)-512:]
	}
	if err != nil {
		sub.failed++
		sub.mu.Unlock()
		sub.dlq.Push(msg)
		return
	}
	sub.delivered++
	sub.mu.Unlock()
}

func (b *MemoryBus) invoke(h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h(ctx, msg)
}

func (b *MemoryBus) DeadLetters(id SubscriptionId) []Message {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	items := sub.dlq.Snapshot()
	out := make([]Message, len(items))
	for i := range items {
		out[len(items)-1-i] = items[i]
	}
	return out
}

func (b *MemoryBus) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m := Metrics{QueueDepth: make(map[string]int, len(b.subs))}
	b.statsMu.Lock()
	m.Published = b.published
	b.statsMu.Unlock()

	for _, sub := range b.subs {
		sub.mu.Lock()
		m.Delivered += sub.delivered
		m.Failed += sub.failed
		m.Dropped += sub.dropped
		m.DeadLettered += uint64(sub.dlq.Len())
		m.QueueDepth[sub.subscriberID] = len(sub.queue)
		m.SubscriberLatencies = append(m.SubscriberLatencies, percentiles(sub.subscriberID, sub.latencies))
		sub.mu.Unlock()
	}
	return m
}

func percentiles(subscriberID string, samples []time.Duration) SubscriberLatency {
	sl := SubscriberLatency{SubscriberID: subscriberID, Samples: len(samples)}
	if len(samples) == 0 {
		return sl
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	idx := func(p float64) time.Duration {
		i := int(p * float64(len(sorted)-1))
		return sorted[i]
	}
	sl.P50 = idx(0.50)
	sl.P95 = idx(0.95)
	sl.P99 = idx(0.99)
	return sl
}

// PublishRawEvent bypasses subscription filtering entirely: RawEvents flow
// at up to a few hundred Hz and only Storage consumes them, so routing them
// through the general matcher would be wasted work on every tick.
func (b *MemoryBus) PublishRawEvent(ctx context.Context, ev model.RawEvent) error {
	b.rawMu.RLock()
	defer b.rawMu.RUnlock()
	for _, fn := range b.rawSubs {
		fn(ev)
	}
	return nil
}

func (b *MemoryBus) SubscribeRawEvents(subscriberID string, handler func(model.RawEvent)) (SubscriptionId, error) {
	id := uuid.New()
	b.rawMu.Lock()
	b.rawSubs[id] = handler
	b.rawMu.Unlock()
	return id, nil
}

func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, sub := range b.subs {
			sub.closed.Do(func() { close(sub.done) })
			delete(b.subs, id)
		}
	})
}

var _ Bus = (*MemoryBus)(nil)
