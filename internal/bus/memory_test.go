package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skelly-jelly/pipeline/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishDeliversInOrderPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	_, err := b.Subscribe("collector", Filter{PayloadType: PayloadIs[int]()}, Reliable, func(_ context.Context, msg Message) error {
		mu.Lock()
		got = append(got, msg.Payload.(int))
		n := len(got)
		mu.Unlock()
		if n == 10 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := b.Publish(context.Background(), Message{Source: model.ModuleCapture, Payload: i})
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestBestEffortDropsUnderBackpressure(t *testing.T) {
	b := New()
	defer b.Close()

	block := make(chan struct{})
	_, err := b.Subscribe("slow", Filter{PayloadType: PayloadIs[int]()}, BestEffort, func(_ context.Context, _ Message) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < queueDepth+50; i++ {
		_, _ = b.Publish(context.Background(), Message{Payload: i})
	}
	close(block)

	time.Sleep(50 * time.Millisecond)
	m := b.Metrics()
	require.Greater(t, m.Dropped, uint64(0), "expected some BestEffort drops under backpressure")
}

func TestLatestOnlyCoalesces(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	var received int32
	var lastSeen int32

	_, err := b.Subscribe("coalescer", Filter{PayloadType: PayloadIs[int]()}, LatestOnly, func(_ context.Context, msg Message) error {
		<-release
		atomic.AddInt32(&received, 1)
		atomic.StoreInt32(&lastSeen, int32(msg.Payload.(int)))
		return nil
	})
	require.NoError(t, err)

	// first message is picked up immediately and blocks in the handler
	_, _ = b.Publish(context.Background(), Message{Payload: 1})
	time.Sleep(20 * time.Millisecond)

	for i := 2; i <= 5; i++ {
		_, _ = b.Publish(context.Background(), Message{Payload: i})
	}
	close(release)

	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&received), int32(2), "latest-only must coalesce intermediate values")
	require.Equal(t, int32(5), atomic.LoadInt32(&lastSeen), "final value must be the most recent publish")
}

func TestCircuitBreakerOpensAfterConsecutiveFailuresAndDeadLetters(t *testing.T) {
	b := New()
	defer b.Close()

	boom := errors.New("handler failure")
	var calls int32

	id, err := b.Subscribe("flaky", Filter{PayloadType: PayloadIs[int]()}, Reliable, func(_ context.Context, _ Message) error {
		atomic.AddInt32(&calls, 1)
		return boom
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _ = b.Publish(context.Background(), Message{Payload: i})
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	dead := b.DeadLetters(id)
	require.NotEmpty(t, dead, "failed deliveries must land in the dead-letter queue")

	callsAfterFailures := atomic.LoadInt32(&calls)
	require.GreaterOrEqual(t, callsAfterFailures, int32(3))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var calls int32
	id, err := b.Subscribe("temp", Filter{}, BestEffort, func(_ context.Context, _ Message) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(id))
	require.ErrorIs(t, b.Unsubscribe(id), ErrUnknownSubscription)

	_, _ = b.Publish(context.Background(), Message{Payload: 1})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestRawEventLaneBypassesFilterMatching(t *testing.T) {
	b := New()
	defer b.Close()

	var got model.RawEvent
	done := make(chan struct{})
	_, err := b.SubscribeRawEvents("storage", func(ev model.RawEvent) {
		got = ev
		close(done)
	})
	require.NoError(t, err)

	ev := model.RawEvent{Header: model.EventHeader{Kind: model.EventMouse}}
	require.NoError(t, b.PublishRawEvent(context.Background(), ev))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("raw event not delivered")
	}
	require.Equal(t, model.EventMouse, got.Header.Kind)
}
