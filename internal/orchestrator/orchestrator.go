package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
)

// Orchestrator is the sole component permitted to restart, degrade, or
// shut down other modules (spec.md §7 propagation policy).
type Orchestrator struct {
	bus    bus.Bus
	cfg    *config.Snapshot
	log    *zap.Logger
	states *stateSnapshot

	modules map[model.ModuleId]Module
	cancels map[model.ModuleId]context.CancelFunc
	mu      sync.Mutex

	readySubID bus.SubscriptionId
	ready      map[model.ModuleId]chan struct{}
	readyMu    sync.Mutex

	resourceStop chan struct{}
	resourceDone chan struct{}
}

// New constructs an Orchestrator. Call Register for every Module named in
// cfg's module descriptors before calling Start.
func New(b bus.Bus, cfg *config.Snapshot, log *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		bus:     b,
		cfg:     cfg,
		log:     log,
		states:  newStateSnapshot(),
		modules: make(map[model.ModuleId]Module),
		cancels: make(map[model.ModuleId]context.CancelFunc),
		ready:   make(map[model.ModuleId]chan struct{}),
	}
	id, _ := b.Subscribe("orchestrator.ready", bus.Filter{PayloadType: bus.PayloadIs[model.ModuleReady]()}, bus.Reliable, o.onModuleReady)
	o.readySubID = id
	_, _ = b.Subscribe("orchestrator.errors", bus.Filter{PayloadType: bus.PayloadIs[model.ModuleError]()}, bus.BestEffort,
		func(_ context.Context, msg bus.Message) error {
			if me, ok := msg.Payload.(model.ModuleError); ok && me.Kind == "PrivacyInvariantViolation" {
				go func() { _ = o.Shutdown(context.Background(), model.ShutdownPrivacyViolation) }()
			}
			return nil
		})
	return o
}

// Register associates a Module implementation with its descriptor's ID. It
// must be called before Start for every required descriptor.
func (o *Orchestrator) Register(m Module) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modules[m.ID()] = m
}

func (o *Orchestrator) onModuleReady(_ context.Context, msg bus.Message) error {
	ready, ok := msg.Payload.(model.ModuleReady)
	if !ok {
		return nil
	}
	o.readyMu.Lock()
	ch, exists := o.ready[ready.ModuleID]
	o.readyMu.Unlock()
	if exists {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	return nil
}

// Start brings every registered module up in dependency order (spec.md
// §4.2). Modules within a level start concurrently via errgroup when
// ParallelStartup is set; otherwise sequentially within the level.
func (o *Orchestrator) Start(ctx context.Context) error {
	cfg := o.cfg.Load()
	levels, err := startupLevels(cfg.Orchestrator.Modules)
	if err != nil {
		return err
	}

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, desc := range level {
			desc := desc
			start := func() error { return o.startOne(gctx, desc) }
			if cfg.Orchestrator.ParallelStartup {
				g.Go(start)
			} else if err := start(); err != nil {
				return err
			}
		}
		if cfg.Orchestrator.ParallelStartup {
			if err := g.Wait(); err != nil {
				return err
			}
		}
	}

	go o.healthLoop(ctx)
	o.startResourceSampling(ctx)
	return nil
}

func (o *Orchestrator) startOne(ctx context.Context, desc config.ModuleDescriptor) error {
	id := model.ModuleId(desc.ID)
	mod, ok := o.modules[id]
	if !ok {
		if desc.Required {
			return fmt.Errorf("orchestrator: required module %q has no registered implementation", desc.ID)
		}
		return nil
	}

	rec := o.states.ensure(id)
	o.mu.Lock()
	if err := rec.transition(StateStarting); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	readyCh := make(chan struct{})
	o.readyMu.Lock()
	o.ready[id] = readyCh
	o.readyMu.Unlock()

	modCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()

	startCtx, startCancel := context.WithTimeout(ctx, desc.StartupTimeout)
	defer startCancel()

	startedAt := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- mod.Start(modCtx, o.bus, o.cfg) }()

	select {
	case err := <-errCh:
		if err != nil {
			o.markFailed(id, err)
			return fmt.Errorf("orchestrator: module %q failed to start: %w", desc.ID, err)
		}
	case <-startCtx.Done():
		o.markFailed(id, startCtx.Err())
		return fmt.Errorf("orchestrator: module %q exceeded startup_timeout", desc.ID)
	}

	select {
	case <-readyCh:
	case <-startCtx.Done():
		o.markFailed(id, startCtx.Err())
		return fmt.Errorf("orchestrator: module %q did not publish ModuleReady before startup_timeout", desc.ID)
	}

	o.mu.Lock()
	err := rec.transition(StateRunning)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	observability.ModuleStartupDuration.WithLabelValues(desc.ID).Observe(time.Since(startedAt).Seconds())
	observability.ModuleHealth.WithLabelValues(desc.ID).Set(2)
	o.log.Info("module started", zap.String("module", desc.ID))
	return nil
}

func (o *Orchestrator) markFailed(id model.ModuleId, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.states.ensure(id)
	rec.lastErr = err
	_ = rec.transition(StateFailed)
}

// healthLoop periodically asks every running module for its health and
// drives the recovery-strategy state machine on failure (spec.md §4.2).
func (o *Orchestrator) healthLoop(ctx context.Context) {
	cfg := o.cfg.Load()
	interval := 5 * time.Second
	if len(cfg.Orchestrator.Modules) > 0 && cfg.Orchestrator.Modules[0].HealthCheckInterval > 0 {
		interval = cfg.Orchestrator.Modules[0].HealthCheckInterval
	}

	statusCh := make(chan model.HealthStatus, 64)
	subID, _ := o.bus.Subscribe("orchestrator.health", bus.Filter{PayloadType: bus.PayloadIs[model.HealthStatus]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		if hs, ok := msg.Payload.(model.HealthStatus); ok {
			select {
			case statusCh <- hs:
			default:
			}
		}
		return nil
	})
	defer o.bus.Unsubscribe(subID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.requestHealth(ctx)
			observability.SampleBus(o.bus)
		case hs := <-statusCh:
			o.recordHealth(ctx, hs)
		}
	}
}

func (o *Orchestrator) requestHealth(ctx context.Context) {
	o.mu.Lock()
	ids := make([]model.ModuleId, 0, len(o.modules))
	for id := range o.modules {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		rec := o.states.get(id)
		if rec == nil || rec.state != StateRunning {
			continue
		}
		_, _ = o.bus.Publish(ctx, bus.Message{
			Source:  model.ModuleOrchestrator,
			Payload: model.HealthCheckRequest{ModuleID: id, Deadline: time.Now().Add(3 * time.Second)},
		})
	}
}

func (o *Orchestrator) recordHealth(ctx context.Context, hs model.HealthStatus) {
	rec := o.states.get(hs.ModuleID)
	if rec == nil {
		return
	}

	healthValue := 2.0
	switch hs.Status {
	case model.HealthDegraded:
		healthValue = 1
	case model.HealthUnhealthy:
		healthValue = 0
	}
	observability.ModuleHealth.WithLabelValues(string(hs.ModuleID)).Set(healthValue)

	o.mu.Lock()
	if hs.Status == model.HealthUnhealthy {
		rec.consecutiveFails++
	} else {
		rec.consecutiveFails = 0
	}
	failed := rec.consecutiveFails >= 2 && rec.state == StateRunning
	if failed {
		_ = rec.transition(StateFailed)
	}
	o.mu.Unlock()

	if failed {
		o.recover(ctx, hs.ModuleID)
	}
}

// recover applies the module's declared recovery strategy. The
// orchestrator never guesses: the strategy is read from config, not chosen
// heuristically (spec.md §4.2).
func (o *Orchestrator) recover(ctx context.Context, id model.ModuleId) {
	desc, ok := o.descriptorFor(id)
	if !ok {
		return
	}
	rec := o.states.get(id)
	if rec == nil {
		return
	}

	o.mu.Lock()
	rec.recoveryAttempts++
	attempts := rec.recoveryAttempts
	o.mu.Unlock()

	if attempts > desc.MaxRecoveryAttempts {
		if desc.Required {
			o.log.Error("required module exhausted recovery attempts, initiating system restart",
				zap.String("module", string(id)))
			o.systemRestart(ctx)
		}
		return
	}

	switch desc.Recovery {
	case config.RecoveryRestart, config.RecoveryRestartWithReset:
		observability.ModuleRestarts.WithLabelValues(string(id), string(desc.Recovery)).Inc()
		backoff := backoffWithJitter(attempts)
		time.Sleep(backoff)
		if mod, ok := o.modules[id]; ok {
			_ = mod.Stop(ctx)
		}
		if err := o.startOne(ctx, desc); err != nil {
			o.log.Warn("module restart failed", zap.String("module", string(id)), zap.Error(err))
		}
	case config.RecoveryDegradedMode:
		observability.ModuleRestarts.WithLabelValues(string(id), string(desc.Recovery)).Inc()
		_, _ = o.bus.Publish(ctx, bus.Message{
			Source:  model.ModuleOrchestrator,
			Payload: model.ResourcePressure{ModuleID: id},
		})
	case config.RecoverySystemRestart:
		observability.ModuleRestarts.WithLabelValues(string(id), string(desc.Recovery)).Inc()
		o.systemRestart(ctx)
	}
}

func backoffWithJitter(attempt int) time.Duration {
	base := time.Duration(1<<uint(min(attempt, 6))) * 100 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

func (o *Orchestrator) systemRestart(ctx context.Context) {
	_ = o.Shutdown(ctx, model.ShutdownCriticalError)
	if err := o.Start(ctx); err != nil {
		o.log.Error("system restart failed", zap.Error(err))
	}
}

func (o *Orchestrator) descriptorFor(id model.ModuleId) (config.ModuleDescriptor, bool) {
	for _, d := range o.cfg.Load().Orchestrator.Modules {
		if d.ID == string(id) {
			return d, true
		}
	}
	return config.ModuleDescriptor{}, false
}

// Shutdown publishes Shutdown to every module and waits, per module, up to
// its ShutdownTimeout before marking it Stopped(ForcedTimeout). Calling
// Shutdown more than once is a no-op on the second call (spec.md §8
// idempotence property).
func (o *Orchestrator) Shutdown(ctx context.Context, reason model.ShutdownReason) error {
	o.stopResourceSampling()

	_, _ = o.bus.Publish(ctx, bus.Message{
		Source: model.ModuleOrchestrator,
		Payload: model.Shutdown{
			Reason:    reason,
			SaveState: true,
			Timeout:   o.cfg.Load().Orchestrator.DefaultShutdownTimeout,
		},
	})

	o.mu.Lock()
	ids := make([]model.ModuleId, 0, len(o.modules))
	for id := range o.modules {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		rec := o.states.get(id)
		if rec == nil {
			continue
		}
		o.mu.Lock()
		alreadyStopped := rec.state == StateStopped
		if !alreadyStopped {
			_ = rec.transition(StateStopping)
		}
		o.mu.Unlock()
		if alreadyStopped {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			mod := o.modules[id]
			desc, _ := o.descriptorFor(id)
			timeout := desc.ShutdownTimeout
			if timeout == 0 {
				timeout = 30 * time.Second
			}
			stopCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- mod.Stop(stopCtx) }()

			o.mu.Lock()
			defer o.mu.Unlock()
			select {
			case <-done:
				rec.stopReason = StopRequested
			case <-stopCtx.Done():
				rec.stopReason = StopForcedTimeout
			}
			if cancelFn, ok := o.cancels[id]; ok {
				cancelFn()
			}
			_ = rec.transition(StateStopped)
		}()
	}
	wg.Wait()
	return nil
}
