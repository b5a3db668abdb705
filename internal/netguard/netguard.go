// Package netguard enforces spec.md §8 invariant 8 ("no outbound
// non-loopback socket is ever opened") structurally: the pipeline's own
// listeners (the animation adapter and the metrics server) go through this
// single chokepoint function instead of calling the stdlib net package
// directly. The optional Postgres and Redis storage backends are not
// covered: when PostgresDSN or RedisAddr is set, pgx and go-redis open
// their connections through their own drivers, not through this guard.
package netguard

import (
	"context"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/model"
)

// ErrNonLoopback is returned by Listen/Dial when addr does not resolve to
// a loopback address.
type ErrNonLoopback struct {
	Addr string
}

func (e *ErrNonLoopback) Error() string {
	return fmt.Sprintf("netguard: %q is not a loopback address", e.Addr)
}

// Guard wraps net.Listen/net.Dial with a loopback-only check and publishes
// a Critical ModuleError (which the orchestrator treats as grounds for
// Shutdown with ShutdownPrivacyViolation) on any violation, rather than
// merely returning an error a caller might silently ignore.
type Guard struct {
	bus bus.Bus
	log *zap.Logger
}

func New(b bus.Bus, log *zap.Logger) *Guard {
	return &Guard{bus: b, log: log}
}

// Listen opens a TCP listener, refusing any address whose host does not
// resolve to loopback.
func (g *Guard) Listen(network, addr string) (net.Listener, error) {
	if err := g.checkLoopback(addr); err != nil {
		g.reportViolation(addr, err)
		return nil, err
	}
	return net.Listen(network, addr)
}

// Dial opens an outbound connection, refusing any non-loopback address.
// Nothing in the shipped code calls this: the adapters and the metrics
// server only Listen, and the optional Postgres/Redis clients dial through
// their own drivers.
func (g *Guard) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := g.checkLoopback(addr); err != nil {
		g.reportViolation(addr, err)
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func (g *Guard) checkLoopback(addr string) error {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if host == "" || host == "localhost" {
		return nil
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip != nil && ip.IsLoopback() {
		return nil
	}
	if ip == nil {
		// Hostname rather than a literal: resolving it here would itself be
		// a network operation, and spec.md's invariant is about sockets
		// actually opened, not names. Refuse anything that isn't already a
		// recognizable loopback spelling.
		return &ErrNonLoopback{Addr: addr}
	}
	return &ErrNonLoopback{Addr: addr}
}

func (g *Guard) reportViolation(addr string, err error) {
	g.log.Error("network boundary violation refused", zap.String("addr", addr), zap.Error(err))
	if g.bus == nil {
		return
	}
	_, _ = g.bus.Publish(context.Background(), bus.Message{
		Source: model.ModuleOrchestrator,
		Payload: model.ModuleError{
			Kind:     "PrivacyInvariantViolation",
			Severity: model.SeverityCritical,
			Message:  err.Error(),
			Context:  map[string]string{"addr": addr},
		},
	})
}
