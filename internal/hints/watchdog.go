package hints

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shardkv/hintedhandoff/internal/config"
	"github.com/shardkv/hintedhandoff/internal/model"
	"github.com/shardkv/hintedhandoff/internal/segment"
)

// watchdog is C5, the space watchdog: it periodically audits per-endpoint
// and shard-wide disk usage and flips each endpoint's admission flag. It is
// adapted from the teacher's disk manager write-throttling
// (internal/storage/diskmanager/disk_manager.go), reduced here to a single
// forbid-or-allow decision per endpoint directory.
type watchdog struct {
	cfg    config.HintsConfig
	logger *zap.Logger

	factory *segment.Factory

	mu        sync.Mutex
	endpoints func() map[model.EndpointID]*endpointManager

	stopCh chan struct{}
	doneCh chan struct{}

	lastAuditUnixNano int64 // atomic, set at the end of every audit() pass
}

func newWatchdog(cfg config.HintsConfig, logger *zap.Logger, factory *segment.Factory, endpoints func() map[model.EndpointID]*endpointManager) *watchdog {
	return &watchdog{
		cfg:       cfg,
		logger:    logger,
		factory:   factory,
		endpoints: endpoints,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (wd *watchdog) start() {
	go wd.run()
}

func (wd *watchdog) run() {
	defer close(wd.doneCh)
	ticker := time.NewTicker(wd.cfg.WatchdogPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-wd.stopCh:
			return
		case <-ticker.C:
			wd.audit()
		}
	}
}

func (wd *watchdog) stop() {
	close(wd.stopCh)
	<-wd.doneCh
}

// audit computes each endpoint's on-disk usage, forbidding hints for an
// endpoint whose directory has grown past its fair share of the shard's
// disk budget unless it holds just a single segment: an endpoint replaying
// its only file can never shrink further on its own, so throttling it
// would stall forward progress without reclaiming any space.
func (wd *watchdog) audit() {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	defer atomic.StoreInt64(&wd.lastAuditUnixNano, time.Now().UnixNano())

	ems := wd.endpoints()
	perEndpointCap := wd.cfg.MaxHintsPerEndpointSizeMB * 1024 * 1024

	var shardTotal uint64
	usage := make(map[model.EndpointID]uint64, len(ems))
	segmentCounts := make(map[model.EndpointID]int, len(ems))

	for ep := range ems {
		dir := wd.factory.EndpointDir(ep)
		names, err := segment.ListSegmentFiles(dir)
		if err != nil {
			wd.logger.Warn("watchdog failed to list endpoint segments", zap.String("endpoint", string(ep)), zap.Error(err))
			continue
		}
		segmentCounts[ep] = len(names)

		var total uint64
		for _, name := range names {
			size, err := segment.FileSize(dir, name)
			if err != nil {
				continue
			}
			total += uint64(size)
		}
		usage[ep] = total
		shardTotal += total
	}

	shardOverBudget := wd.cfg.MaxShardDiskSpaceSize > 0 && shardTotal > wd.cfg.MaxShardDiskSpaceSize

	for ep, em := range ems {
		size := usage[ep]
		singleSegment := segmentCounts[ep] <= 1

		overFairShare := perEndpointCap > 0 && size > perEndpointCap
		shouldForbid := !singleSegment && (overFairShare || shardOverBudget)

		if shouldForbid {
			if em.canHint() {
				wd.logger.Info("forbidding hints for endpoint, disk fair share exceeded",
					zap.String("endpoint", string(ep)), zap.Uint64("bytes", size))
			}
			em.forbidHints()
		} else {
			em.allowHints()
		}
	}
}

// lastAuditAt reports when audit() last completed a pass, the zero Time if
// it has never run. Health checks use this to detect a stalled watchdog loop.
func (wd *watchdog) lastAuditAt() time.Time {
	ns := atomic.LoadInt64(&wd.lastAuditUnixNano)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
