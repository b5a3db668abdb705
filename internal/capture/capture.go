// Package capture implements the OS-level telemetry monitors: keystroke,
// mouse, window, screenshot, and process/resource. The keystroke monitor
// probes for a native eBPF hook and falls back to a portable collector when
// one isn't available. Every monitor runs its own goroutine and publishes
// straight to the bus's RawEvent lane, so one monitor's stall never blocks
// another's.
package capture

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
	"github.com/skelly-jelly/pipeline/internal/ringbuffer"
)

// monitorHealth tracks one sub-monitor's liveness independently, since
// "other monitors continue independently" on a single monitor's failure
// (spec.md §4.4).
type monitorHealth struct {
	mu        sync.RWMutex
	status    model.HealthStatusKind
	lossCount uint64
}

func (h *monitorHealth) set(status model.HealthStatusKind) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

func (h *monitorHealth) get() model.HealthStatusKind {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *monitorHealth) incLoss() {
	h.mu.Lock()
	h.lossCount++
	h.mu.Unlock()
}

// Capture is the orchestrator.Module managing every sub-monitor.
type Capture struct {
	bus bus.Bus
	cfg *config.Snapshot
	log *zap.Logger

	filter *PrivacyFilter
	ebpf   *Loader

	health map[string]*monitorHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log *zap.Logger) *Capture {
	return &Capture{
		log:    log,
		ebpf:   NewLoader(),
		health: make(map[string]*monitorHealth),
	}
}

func (c *Capture) ID() model.ModuleId { return model.ModuleCapture }

func (c *Capture) Start(ctx context.Context, b bus.Bus, cfg *config.Snapshot) error {
	c.bus = b
	c.cfg = cfg
	c.filter = NewPrivacyFilter(cfg.Load().Capture.DenyListApps)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	captureCfg := cfg.Load().Capture

	if captureCfg.KeystrokeEnabled {
		c.spawn(runCtx, "keystroke", c.runKeystrokeMonitor)
	}
	if captureCfg.MouseEnabled {
		c.spawn(runCtx, "mouse", c.runMouseMonitor)
	}
	if captureCfg.WindowEnabled {
		c.spawn(runCtx, "window", c.runWindowMonitor)
	}
	if captureCfg.ScreenshotEnabled {
		c.spawn(runCtx, "screenshot", c.runScreenshotMonitor)
	}
	if captureCfg.ProcessEnabled {
		c.spawn(runCtx, "process_resource", c.runProcessResourceMonitor)
	}

	configSubID, _ := b.Subscribe(string(model.ModuleCapture)+".config",
		bus.Filter{PayloadType: bus.PayloadIs[model.ConfigUpdate]()}, bus.BestEffort, c.onConfigUpdate)
	_ = configSubID

	_, _ = b.Publish(ctx, bus.Message{Source: model.ModuleCapture, Payload: model.ModuleReady{ModuleID: model.ModuleCapture}})
	return nil
}

func (c *Capture) onConfigUpdate(_ context.Context, msg bus.Message) error {
	if _, ok := msg.Payload.(model.ConfigUpdate); ok {
		c.filter = NewPrivacyFilter(c.cfg.Load().Capture.DenyListApps)
	}
	return nil
}

func (c *Capture) spawn(ctx context.Context, name string, fn func(context.Context, *monitorHealth)) {
	h := &monitorHealth{status: model.HealthHealthy}
	c.health[name] = h
	observability.CaptureMonitorHealth.WithLabelValues(name).Set(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx, h)
		observability.CaptureMonitorHealth.WithLabelValues(name).Set(0)
	}()
}

func (c *Capture) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// publish applies the privacy filter then emits via the bus's direct
// RawEvent lane (spec.md §4.1 routing policy).
func (c *Capture) publish(ev model.RawEvent) {
	filtered, ok := c.filter.Apply(ev)
	if !ok {
		observability.CapturePrivacyFilterDrops.WithLabelValues("dropped").Inc()
		return
	}
	observability.CaptureEventsEmitted.WithLabelValues(string(ev.Header.Kind)).Inc()
	_ = c.bus.PublishRawEvent(context.Background(), filtered)
}

// newMouseLimiter builds the ≤100Hz downsampler (spec.md §4.4).
func newMouseLimiter(hz float64) *rate.Limiter {
	if hz <= 0 {
		hz = 100
	}
	return rate.NewLimiter(rate.Limit(hz), 1)
}

// overflowBuffer is the per-monitor ring buffer absorbing bursts; overflow
// drops the oldest event (spec.md §4.4), which ringbuffer.Buffer already
// does on Push.
func overflowBuffer(size int) *ringbuffer.Buffer[model.RawEvent] {
	if size <= 0 {
		size = 4096
	}
	return ringbuffer.New[model.RawEvent](size)
}
