package observability

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/netguard"
)

// Server exposes /metrics on a loopback-only listener. A MetricsPort of 0
// disables it: Start becomes a no-op and Stop is always safe to call.
type Server struct {
	log      *zap.Logger
	server   *http.Server
	listener net.Listener
}

func NewServer(log *zap.Logger) *Server {
	return &Server{log: log}
}

// Start binds the listener through netguard and registers
// http.Handle("/metrics", promhttp.Handler()) on it.
func (s *Server) Start(b bus.Bus, port int) error {
	if port == 0 {
		return nil
	}

	guard := netguard.New(b, s.log)
	ln, err := guard.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// SampleBus copies b.Metrics()'s cumulative counters and per-subscriber
// queue depths onto the corresponding gauges. Called on a ticker rather
// than inline at each Publish, since internal/bus cannot import this
// package without cycling back through internal/netguard.
func SampleBus(b bus.Bus) {
	m := b.Metrics()
	BusTotals.WithLabelValues("published").Set(float64(m.Published))
	BusTotals.WithLabelValues("delivered").Set(float64(m.Delivered))
	BusTotals.WithLabelValues("failed").Set(float64(m.Failed))
	BusTotals.WithLabelValues("dropped").Set(float64(m.Dropped))
	BusTotals.WithLabelValues("dead_lettered").Set(float64(m.DeadLettered))
	for subscriber, depth := range m.QueueDepth {
		BusQueueDepth.WithLabelValues(subscriber).Set(float64(depth))
	}
}

func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
