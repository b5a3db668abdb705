package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

type fakeModule struct {
	id        model.ModuleId
	started   int32
	stopped   int32
	startErr  error
	publishOn bus.Bus
}

func (m *fakeModule) ID() model.ModuleId { return m.id }

func (m *fakeModule) Start(ctx context.Context, b bus.Bus, cfg *config.Snapshot) error {
	if m.startErr != nil {
		return m.startErr
	}
	atomic.AddInt32(&m.started, 1)
	_, _ = b.Publish(ctx, bus.Message{Source: m.id, Payload: model.ModuleReady{ModuleID: m.id}})
	return nil
}

func (m *fakeModule) Stop(ctx context.Context) error {
	atomic.AddInt32(&m.stopped, 1)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Orchestrator.Modules = []config.ModuleDescriptor{
		{ID: "bus", Required: true, StartupTimeout: time.Second, ShutdownTimeout: time.Second, HealthCheckInterval: time.Hour, Recovery: config.RecoveryRestart, MaxRecoveryAttempts: 3},
		{ID: "storage", DependsOn: []string{"bus"}, Required: true, StartupTimeout: time.Second, ShutdownTimeout: time.Second, HealthCheckInterval: time.Hour, Recovery: config.RecoveryRestart, MaxRecoveryAttempts: 3},
	}
	cfg.Orchestrator.ParallelStartup = true
	return cfg
}

func TestStartupLevelsOrdersByDependency(t *testing.T) {
	levels, err := startupLevels(testConfig().Orchestrator.Modules)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	require.Equal(t, "bus", levels[0][0].ID)
	require.Equal(t, "storage", levels[1][0].ID)
}

func TestStartupLevelsDetectsCycle(t *testing.T) {
	mods := []config.ModuleDescriptor{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	_, err := startupLevels(mods)
	require.Error(t, err)
}

func TestOrchestratorStartAndShutdown(t *testing.T) {
	b := bus.New()
	defer b.Close()

	cfg := config.NewSnapshot(testConfig())
	log := zap.NewNop()
	o := New(b, cfg, log)

	busMod := &fakeModule{id: "bus"}
	storageMod := &fakeModule{id: "storage"}
	o.Register(busMod)
	o.Register(storageMod)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, o.Start(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&busMod.started))
	require.Equal(t, int32(1), atomic.LoadInt32(&storageMod.started))

	require.Equal(t, StateRunning, o.states.get("bus").state)
	require.Equal(t, StateRunning, o.states.get("storage").state)

	require.NoError(t, o.Shutdown(ctx, model.ShutdownRequested))
	require.Equal(t, int32(1), atomic.LoadInt32(&busMod.stopped))
	require.Equal(t, StateStopped, o.states.get("bus").state)

	// Shutdown is idempotent (spec.md §8).
	require.NoError(t, o.Shutdown(ctx, model.ShutdownRequested))
	require.Equal(t, int32(1), atomic.LoadInt32(&busMod.stopped))
}

func TestOrchestratorFailsOnMissingRequiredModule(t *testing.T) {
	b := bus.New()
	defer b.Close()

	cfg := config.NewSnapshot(testConfig())
	o := New(b, cfg, zap.NewNop())
	o.Register(&fakeModule{id: "bus"})
	// "storage" never registered.

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, o.Start(ctx))
}

func TestModuleStateTransitions(t *testing.T) {
	rec := &moduleRecord{id: "x", state: StateNotStarted}
	require.NoError(t, rec.transition(StateStarting))
	require.NoError(t, rec.transition(StateRunning))
	require.Error(t, rec.transition(StateNotStarted))
	require.NoError(t, rec.transition(StateStopping))
	require.NoError(t, rec.transition(StateStopped))
}
