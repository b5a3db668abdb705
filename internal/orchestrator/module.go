package orchestrator

import (
	"context"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

// Module is implemented by every pipeline component the orchestrator
// manages. Start must publish a model.ModuleReady message once it is
// prepared to receive traffic, and Stop must honor ctx's deadline,
// draining in-flight work before returning (spec.md §5).
type Module interface {
	ID() model.ModuleId
	Start(ctx context.Context, b bus.Bus, cfg *config.Snapshot) error
	Stop(ctx context.Context) error
}
