// Package failuredetector realizes the collab.FailureDetector contract on
// top of hashicorp/memberlist, the gossip membership library the teacher
// repo already used for its own inter-node health propagation
// (internal/service/gossip_service.go). There the gossiped payload was a
// health-metrics snapshot; here membership state and last-seen timestamps
// are exactly what the hint sender needs to decide can_send() and
// endpoint-not-normal.
package failuredetector

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/shardkv/hintedhandoff/internal/config"
	"github.com/shardkv/hintedhandoff/internal/model"
)

// Detector tracks peer liveness and ring state via gossip membership.
type Detector struct {
	ml     *memberlist.Memberlist
	logger *zap.Logger

	mu       sync.RWMutex
	lastSeen map[model.EndpointID]time.Time
	state    map[model.EndpointID]model.NodeState
}

// New creates a Detector and joins the configured seed nodes. Joining a
// subset of seeds is tolerated (logged, not fatal) since gossip eventually
// converges once any live peer is reachable.
func New(cfg config.GossipConfig, nodeID string, logger *zap.Logger) (*Detector, error) {
	d := &Detector{
		logger:   logger,
		lastSeen: make(map[model.EndpointID]time.Time),
		state:    make(map[model.EndpointID]model.NodeState),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Events = &eventDelegate{detector: d}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	d.ml = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}

	return d, nil
}

// IsAlive reports whether ep is currently a gossip-alive member.
func (d *Detector) IsAlive(ep model.EndpointID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state[ep] == model.NodeStateNormal
}

// LastSeen returns how long it has been since ep was last observed. A peer
// never observed is reported as an effectively infinite duration so
// can_hint_for's window check fails closed.
func (d *Detector) LastSeen(ep model.EndpointID) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ts, ok := d.lastSeen[ep]
	if !ok {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(ts)
}

// State returns ep's last known ring membership state.
func (d *Detector) State(ep model.EndpointID) model.NodeState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.state[ep]
	if !ok {
		return model.NodeStateUnknown
	}
	return st
}

// Shutdown leaves the memberlist cluster and releases its resources.
func (d *Detector) Shutdown() error {
	return d.ml.Shutdown()
}

func (d *Detector) observe(node *memberlist.Node, state model.NodeState) {
	ep := model.EndpointID(node.Name)
	d.mu.Lock()
	d.lastSeen[ep] = time.Now()
	d.state[ep] = state
	d.mu.Unlock()
}

type eventDelegate struct {
	detector *Detector
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	e.detector.observe(node, model.NodeStateNormal)
	e.detector.logger.Info("peer joined", zap.String("endpoint", node.Name), zap.String("addr", node.Addr.String()))
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	e.detector.observe(node, model.NodeStateLeft)
	e.detector.logger.Info("peer left", zap.String("endpoint", node.Name))
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.detector.observe(node, model.NodeStateNormal)
	e.detector.logger.Debug("peer updated", zap.String("endpoint", node.Name))
}
