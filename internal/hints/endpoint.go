package hints

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shardkv/hintedhandoff/internal/collab"
	"github.com/shardkv/hintedhandoff/internal/config"
	"github.com/shardkv/hintedhandoff/internal/model"
	"github.com/shardkv/hintedhandoff/internal/segment"
)

// endpointManager is C4: it owns one writer and one sender for a single
// destination endpoint and coordinates their shared file-update mutex, so
// neither side needs to know the other exists beyond the sealed-segment
// handoff.
type endpointManager struct {
	ep     model.EndpointID
	cfg    config.HintsConfig
	logger *zap.Logger
	fileMu sync.RWMutex

	factory *segment.Factory
	log     *segment.Log
	writer  *writer
	sender  *sender

	flushStop chan struct{}
	flushDone chan struct{}
}

func newEndpointManager(
	ep model.EndpointID,
	cfg config.HintsConfig,
	logger *zap.Logger,
	st *stats,
	factory *segment.Factory,
	fd collab.FailureDetector,
	topo collab.Topology,
	wp collab.WritePath,
	snitch collab.Snitch,
	shardSem *semaphore.Weighted,
) (*endpointManager, error) {
	em := &endpointManager{
		ep:        ep,
		cfg:       cfg,
		logger:    logger,
		factory:   factory,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}

	dir := factory.EndpointDir(ep)
	em.sender = newSender(ep, dir, cfg, logger, st, &em.fileMu, fd, topo, wp, snitch, shardSem)

	maxSegmentBytes := int64(cfg.HintSegmentSizeMB) * 1024 * 1024
	log, err := factory.Acquire(ep, maxSegmentBytes, int64(cfg.IOLimitBytesPerSec), em.sender.enqueue)
	if err != nil {
		return nil, err
	}
	em.log = log

	em.writer = newWriter(ep, dir, log, &em.fileMu, cfg, logger, st, em.sender.enqueue)
	return em, nil
}

// start replays any segment left on disk from a previous run, then starts
// the sender's run loop.
func (em *endpointManager) start() error {
	if err := em.writer.populateSegmentsToReplay(); err != nil {
		return err
	}
	em.sender.start()
	go em.flushLoop()
	return nil
}

// flushLoop periodically forces a durability barrier on the active
// segment, bounding how much of the most recent writes could be lost to an
// unclean shutdown between explicit flushes.
func (em *endpointManager) flushLoop() {
	defer close(em.flushDone)
	if em.cfg.HintsFlushPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(em.cfg.HintsFlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-em.flushStop:
			return
		case <-ticker.C:
			if err := em.flush(); err != nil {
				em.logger.Warn("periodic hint flush failed", zap.String("endpoint", string(em.ep)), zap.Error(err))
			}
		}
	}
}

func (em *endpointManager) storeHint(ctx context.Context, table, schemaVersion string, mutation []byte) (bool, error) {
	return em.writer.storeHint(ctx, table, schemaVersion, mutation)
}

func (em *endpointManager) allowHints()  { em.writer.allowHints() }
func (em *endpointManager) forbidHints() { em.writer.forbidHints() }
func (em *endpointManager) canHint() bool {
	return em.writer.canHintNow() && !em.writer.isStopping()
}

func (em *endpointManager) hintsInProgressBytes() uint64 {
	return em.writer.hintsInProgressBytes()
}

func (em *endpointManager) flush() error {
	return em.writer.flushCurrentHints()
}

// stop drains the writer's append gate, stops the sender, then releases
// this endpoint's handle on the shared segment log.
func (em *endpointManager) stop(ctx context.Context) error {
	close(em.flushStop)
	<-em.flushDone
	em.writer.stop(ctx)
	em.sender.stop(ctx)
	return em.factory.Release(em.ep)
}
