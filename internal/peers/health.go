package peers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hashd/vault/internal/transport"
)

// HealthMonitor periodically probes every known peer's health endpoint and
// feeds failures into the registry's observation/misbehavior tracking. Its
// shape — interval ticker, context-cancellable Start/Stop — is carried over
// from the teacher's
// internal/coordinator.HealthMonitor, repurposed from cluster-membership
// health to peer-reputation feedback: a failed probe here is a `timeout`
// misbehavior event, not a node-removal trigger, since shard ownership in
// this system is static configuration rather than coordinator-assigned.
type HealthMonitor struct {
	registry  *Registry
	transport transport.Transport
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *log.Logger
}

// NewHealthMonitor constructs a monitor that probes every registry peer every
// interval using t.
func NewHealthMonitor(registry *Registry, t transport.Transport, interval time.Duration, logger *log.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = log.Default()
	}
	return &HealthMonitor{
		registry:  registry,
		transport: t,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins periodic probing; it blocks until ctx (or the monitor's own
// internal context) is cancelled, so callers run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.probeAll()
	for {
		select {
		case <-ticker.C:
			h.probeAll()
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitor and waits for the probing goroutine to exit.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) probeAll() {
	for _, p := range h.registry.All() {
		peer := transport.Peer{NodeID: p.NodeID, Endpoint: p.Endpoint}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		health := h.transport.Health(ctx, peer)
		cancel()
		if health.Err != nil {
			h.logger.Printf("peer %s health probe failed: %v", p.NodeID, health.Err)
			h.registry.RecordFailure(p.NodeID, EventTimeout)
			continue
		}
		h.registry.RecordSuccess(p.NodeID, time.Since(start))
	}
}
