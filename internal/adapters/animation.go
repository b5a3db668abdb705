// Package adapters implements the pipeline's only two boundary
// components: AnimationAdapter, which turns an InterventionRequest into an
// AnimationCommand and pushes it to the local companion UI over a
// loopback-only WebSocket, and TextAdapter, a thin message-template
// passthrough. AnimationAdapter is a register/unregister/broadcast hub,
// one goroutine owning the client map.
package adapters

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/netguard"
	"github.com/skelly-jelly/pipeline/internal/observability"
)

const maxCompanionConnections = 4

// AnimationAdapter is the orchestrator.Module turning InterventionRequests
// into AnimationCommands, broadcast to every connected companion-UI client.
type AnimationAdapter struct {
	bus bus.Bus
	cfg *config.Snapshot
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	server   *http.Server
	listener net.Listener

	subID bus.SubscriptionId

	stop chan struct{}
	done chan struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewAnimationAdapter(log *zap.Logger) *AnimationAdapter {
	return &AnimationAdapter{
		log:        log,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (a *AnimationAdapter) ID() model.ModuleId { return model.ModuleAnimationAdap }

func (a *AnimationAdapter) Start(ctx context.Context, b bus.Bus, cfg *config.Snapshot) error {
	a.bus = b
	a.cfg = cfg

	// Loopback-only per spec.md §6/§8 invariant 8, enforced structurally by
	// netguard rather than trusted to this call site alone.
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Load().Adapters.CompanionPort))
	guard := netguard.New(b, a.log)
	ln, err := guard.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/companion", a.handleWS)
	a.server = &http.Server{Handler: mux}

	go func() { _ = a.server.Serve(ln) }()
	go a.run(ctx)

	subID, err := b.Subscribe(string(model.ModuleAnimationAdap)+".interventions",
		bus.Filter{PayloadType: bus.PayloadIs[model.InterventionRequest]()}, bus.Reliable, a.onInterventionRequest)
	if err != nil {
		return err
	}
	a.subID = subID

	_, _ = b.Publish(ctx, bus.Message{Source: model.ModuleAnimationAdap, Payload: model.ModuleReady{ModuleID: model.ModuleAnimationAdap}})
	return nil
}

func (a *AnimationAdapter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("companion websocket upgrade failed", zap.Error(err))
		return
	}
	select {
	case a.register <- conn:
	case <-a.stop:
		_ = conn.Close()
	}
}

func (a *AnimationAdapter) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.shutdownClients()
			return
		case <-a.stop:
			a.shutdownClients()
			return
		case conn := <-a.register:
			a.mu.Lock()
			if len(a.clients) >= maxCompanionConnections {
				a.mu.Unlock()
				_ = conn.Close()
				continue
			}
			a.clients[conn] = struct{}{}
			observability.AdapterConnectedClients.Set(float64(len(a.clients)))
			a.mu.Unlock()
		case conn := <-a.unregister:
			a.mu.Lock()
			if _, ok := a.clients[conn]; ok {
				delete(a.clients, conn)
				_ = conn.Close()
				observability.AdapterConnectedClients.Set(float64(len(a.clients)))
			}
			a.mu.Unlock()
		}
	}
}

func (a *AnimationAdapter) shutdownClients() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for conn := range a.clients {
		_ = conn.Close()
	}
	a.clients = make(map[*websocket.Conn]struct{})
	observability.AdapterConnectedClients.Set(0)
}

func (a *AnimationAdapter) onInterventionRequest(ctx context.Context, msg bus.Message) error {
	req, ok := msg.Payload.(model.InterventionRequest)
	if !ok {
		return nil
	}
	cmd := toAnimationCommand(req)
	a.broadcast(cmd)
	return nil
}

func (a *AnimationAdapter) broadcast(cmd model.AnimationCommand) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for conn := range a.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(cmd); err != nil {
			observability.AdapterBroadcastFailures.Inc()
			a.log.Warn("companion write failed", zap.Error(err))
			go func(c *websocket.Conn) {
				select {
				case a.unregister <- c:
				case <-a.stop:
				}
			}(conn)
		}
	}
}

// toAnimationCommand maps an intervention category to the fixed animation
// vocabulary spec.md §6 allows adapters to choose from. The duration comes
// from the reason code (10s for a hyperfocus check, 5s otherwise); urgency
// is not consulted.
func toAnimationCommand(req model.InterventionRequest) model.AnimationCommand {
	var anim model.AnimationID
	var expr string
	switch req.Category {
	case model.CategoryCelebration:
		anim, expr = model.AnimationCelebrate, "happy"
	case model.CategoryBreakSuggestion:
		anim, expr = model.AnimationStretchPrompt, "encouraging"
	case model.CategoryHyperfocusCheck:
		anim, expr = model.AnimationConcernedNudge, "concerned"
	case model.CategoryRefocusPrompt:
		anim, expr = model.AnimationGentleWave, "neutral"
	default:
		anim, expr = model.AnimationIdleFidget, "neutral"
	}

	duration := 5 * time.Second
	if req.ReasonCode == model.ReasonHyperfocusCheck {
		duration = 10 * time.Second
	}

	return model.AnimationCommand{
		AnimationID: anim,
		Duration:    duration,
		Expression:  expr,
		Message:     &model.AnimationMessage{Text: req.Context["message_template_key"], Duration: duration},
	}
}

func (a *AnimationAdapter) Stop(ctx context.Context) error {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	select {
	case <-a.done:
	case <-ctx.Done():
	}
	_ = a.bus.Unsubscribe(a.subID)
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}
	return nil
}
