// Package hints implements the hint lifecycle engine: admission, durable
// storage, and eventual replay of hints destined for temporarily
// unreachable peers in a sharded, replicated cluster.
package hints

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shardkv/hintedhandoff/internal/collab"
	"github.com/shardkv/hintedhandoff/internal/config"
	"github.com/shardkv/hintedhandoff/internal/model"
	"github.com/shardkv/hintedhandoff/internal/segment"
)

// ShardManager is C6, the top-level per-shard façade: the only type other
// packages construct directly. It owns every endpoint manager on this
// shard, the shard-wide send budget, and the space watchdog.
type ShardManager struct {
	cfg    config.HintsConfig
	logger *zap.Logger

	fd     collab.FailureDetector
	topo   collab.Topology
	wp     collab.WritePath
	snitch collab.Snitch

	factory  *segment.Factory
	stats    *stats
	shardSem *semaphore.Weighted
	watchdog *watchdog

	mu        sync.RWMutex
	endpoints map[model.EndpointID]*endpointManager

	hintedDCs map[string]bool
}

// New constructs a ShardManager rooted at cfg.HintsDir. Endpoint managers
// are created lazily on first StoreHint for a previously unseen endpoint.
func New(cfg config.HintsConfig, logger *zap.Logger, fd collab.FailureDetector, topo collab.Topology, wp collab.WritePath, snitch collab.Snitch) *ShardManager {
	hintedDCs := make(map[string]bool, len(cfg.HintedDCs))
	for _, dc := range cfg.HintedDCs {
		hintedDCs[dc] = true
	}

	sm := &ShardManager{
		cfg:       cfg,
		logger:    logger,
		fd:        fd,
		topo:      topo,
		wp:        wp,
		snitch:    snitch,
		factory:   segment.NewFactory(cfg.HintsDir),
		stats:     &stats{},
		shardSem:  semaphore.NewWeighted(int64(cfg.MaxSendInFlightBytes)),
		endpoints: make(map[model.EndpointID]*endpointManager),
	}
	sm.hintedDCs = hintedDCs
	sm.watchdog = newWatchdog(cfg, logger, sm.factory, sm.snapshotEndpoints)
	return sm
}

// Start launches the space watchdog. Endpoint managers start their own
// sender loop as they are created.
func (sm *ShardManager) Start(ctx context.Context) error {
	sm.watchdog.start()
	sm.logger.Info("hint shard manager started", zap.String("hints_dir", sm.cfg.HintsDir))
	return nil
}

// Stop drains every endpoint manager and stops the watchdog.
func (sm *ShardManager) Stop(ctx context.Context) error {
	sm.watchdog.stop()

	sm.mu.Lock()
	ems := make([]*endpointManager, 0, len(sm.endpoints))
	for _, em := range sm.endpoints {
		ems = append(ems, em)
	}
	sm.mu.Unlock()

	var firstErr error
	for _, em := range ems {
		if err := em.stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sm.logger.Info("hint shard manager stopped")
	return firstErr
}

// StoreHint is the public entry point matching manager::store_hint: the
// shard-wide decision of whether a hint may be generated for ep at all,
// followed by delegation to that endpoint's writer.
func (sm *ShardManager) StoreHint(ctx context.Context, ep model.EndpointID, table, schemaVersion string, mutation []byte) (bool, error) {
	if !sm.CanHintFor(ep) {
		sm.stats.addDropped(1)
		return false, nil
	}

	em, err := sm.endpointManagerFor(ep)
	if err != nil {
		return false, err
	}
	return em.storeHint(ctx, table, schemaVersion, mutation)
}

// CanHintFor implements can_hint_for: hints are only generated for peers in
// a hintable datacenter, seen recently enough to be worth hinting for, and
// not currently throttled by the space watchdog.
func (sm *ShardManager) CanHintFor(ep model.EndpointID) bool {
	if !sm.CheckDCFor(ep) {
		return false
	}
	if sm.cfg.MaxHintWindow > 0 && sm.fd.LastSeen(ep) > sm.cfg.MaxHintWindow {
		return false
	}
	if sm.TooManyInFlightHintsFor(ep) {
		return false
	}

	sm.mu.RLock()
	em, ok := sm.endpoints[ep]
	sm.mu.RUnlock()
	if !ok {
		return true
	}
	return em.canHint()
}

// TooManyInFlightHintsFor implements too_many_in_flight_hints_for: the
// shard-wide in-progress gauge must not exceed max_size_of_hints_in_progress,
// regardless of which endpoint is asking.
func (sm *ShardManager) TooManyInFlightHintsFor(ep model.EndpointID) bool {
	return sm.stats.inProgress() > sm.cfg.MaxSizeOfHintsInProgress
}

// CheckDCFor implements check_dc_for: an empty hinted_dcs set means every
// datacenter is eligible.
func (sm *ShardManager) CheckDCFor(ep model.EndpointID) bool {
	if len(sm.hintedDCs) == 0 {
		return true
	}
	return sm.hintedDCs[sm.snitch.Datacenter(ep)]
}

// SizeOfHintsInProgress implements size_of_hints_in_progress.
func (sm *ShardManager) SizeOfHintsInProgress() uint64 {
	return sm.stats.inProgress()
}

// HintsInProgressFor implements hints_in_progress_for for one endpoint.
func (sm *ShardManager) HintsInProgressFor(ep model.EndpointID) uint64 {
	sm.mu.RLock()
	em, ok := sm.endpoints[ep]
	sm.mu.RUnlock()
	if !ok {
		return 0
	}
	return em.hintsInProgressBytes()
}

// Rebalance mirrors the original's rebalance(): a placeholder the topology
// layer can call after a ring change, reserved for redistributing
// in-flight hint ownership across shards. Neither the original nor this
// port implements that redistribution; both return immediately.
func (sm *ShardManager) Rebalance(ctx context.Context) error {
	return nil
}

// Stats returns a point-in-time snapshot of shard-wide counters, used by
// the metrics package to populate its gauges.
func (sm *ShardManager) Stats() model.ShardStats {
	return sm.stats.snapshot()
}

// LastWatchdogTickAt reports when the space watchdog last completed an
// audit pass, the zero Time if it has never run. The health checker uses
// this to detect a stalled watchdog loop instead of assuming liveness.
func (sm *ShardManager) LastWatchdogTickAt() time.Time {
	return sm.watchdog.lastAuditAt()
}

// EndpointCount returns the number of endpoints with a live endpoint
// manager on this shard.
func (sm *ShardManager) EndpointCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.endpoints)
}

// ForbiddenCount returns how many of this shard's endpoints are currently
// forbidden from accepting new hints by the space watchdog.
func (sm *ShardManager) ForbiddenCount() int {
	sm.mu.RLock()
	ems := make([]*endpointManager, 0, len(sm.endpoints))
	for _, em := range sm.endpoints {
		ems = append(ems, em)
	}
	sm.mu.RUnlock()

	var n int
	for _, em := range ems {
		if !em.canHint() {
			n++
		}
	}
	return n
}

func (sm *ShardManager) endpointManagerFor(ep model.EndpointID) (*endpointManager, error) {
	sm.mu.RLock()
	em, ok := sm.endpoints[ep]
	sm.mu.RUnlock()
	if ok {
		return em, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if em, ok := sm.endpoints[ep]; ok {
		return em, nil
	}

	em, err := newEndpointManager(ep, sm.cfg, sm.logger, sm.stats, sm.factory, sm.fd, sm.topo, sm.wp, sm.snitch, sm.shardSem)
	if err != nil {
		return nil, fmt.Errorf("construct endpoint manager for %s: %w", ep, err)
	}
	if err := em.start(); err != nil {
		return nil, fmt.Errorf("start endpoint manager for %s: %w", ep, err)
	}
	sm.endpoints[ep] = em
	return em, nil
}

func (sm *ShardManager) snapshotEndpoints() map[model.EndpointID]*endpointManager {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[model.EndpointID]*endpointManager, len(sm.endpoints))
	for ep, em := range sm.endpoints {
		out[ep] = em
	}
	return out
}
