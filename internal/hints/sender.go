package hints

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shardkv/hintedhandoff/internal/collab"
	"github.com/shardkv/hintedhandoff/internal/config"
	"github.com/shardkv/hintedhandoff/internal/errors"
	"github.com/shardkv/hintedhandoff/internal/model"
	"github.com/shardkv/hintedhandoff/internal/segment"
)

// state bits mirror the ScyllaDB original's orthogonal state/send_state
// enum sets: state tracks why the sender as a whole must not proceed,
// sendState tracks the outcome of the file currently being replayed.
const (
	stateStopping uint32 = 1 << iota
	stateEndpointNotNormal
)

const (
	sendStateSegmentReplayFailed uint32 = 1 << iota
	sendStateRestartSegment
)

// schemaCacheEntry stands in for the per-segment schema-version-to-column-
// mapping cache the original keeps alongside send_one_file_ctx: resolving a
// schema version is treated as a single authoritative lookup per segment,
// memoized here so a segment full of same-version hints pays for it once.
type schemaCacheEntry struct {
	resolvedAt time.Time
}

// sender is C3, the endpoint replay sender: the state machine that drains
// sealed segments back onto their destination endpoint.
type sender struct {
	ep     model.EndpointID
	dir    string
	cfg    config.HintsConfig
	logger *zap.Logger
	stats  *stats
	fileMu *sync.RWMutex

	fd       collab.FailureDetector
	topo     collab.Topology
	wp       collab.WritePath
	snitch   collab.Snitch
	shardSem *semaphore.Weighted

	state     uint32 // atomic, stateStopping|stateEndpointNotNormal
	sendState uint32 // atomic, sendStateSegmentReplayFailed|sendStateRestartSegment

	queueMu sync.Mutex
	queue   []string
	queued  map[string]bool

	fileGate sync.WaitGroup // held for the duration of send_one_file
	wakeCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup

	schemaCacheMu sync.Mutex
	schemaCache   map[string]schemaCacheEntry

	// resumeMu guards resumeAfter, the per-file analogue of the original's
	// _last_not_complete_rp: the highest replay position known, from a prior
	// failed pass over this file, to have already been delivered or
	// permanently dropped. Absent means "replay from the start". A segment
	// is only ever in this map between a failed sendOneFile and its retry;
	// success or a restart-segment decision both clear the entry.
	resumeMu    sync.Mutex
	resumeAfter map[string]int64
}

func newSender(ep model.EndpointID, dir string, cfg config.HintsConfig, logger *zap.Logger, st *stats, fileMu *sync.RWMutex, fd collab.FailureDetector, topo collab.Topology, wp collab.WritePath, snitch collab.Snitch, shardSem *semaphore.Weighted) *sender {
	return &sender{
		ep:          ep,
		dir:         dir,
		cfg:         cfg,
		logger:      logger,
		stats:       st,
		fileMu:      fileMu,
		fd:          fd,
		topo:        topo,
		wp:          wp,
		snitch:      snitch,
		shardSem:    shardSem,
		queued:      make(map[string]bool),
		wakeCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		schemaCache: make(map[string]schemaCacheEntry),
		resumeAfter: make(map[string]int64),
	}
}

// resumePoint returns the replay position a retry of name should resume
// after, or -1 if the file has never failed a pass (replay from the start).
func (s *sender) resumePoint(name string) int64 {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	if rp, ok := s.resumeAfter[name]; ok {
		return rp
	}
	return -1
}

func (s *sender) setResumePoint(name string, rp int64) {
	s.resumeMu.Lock()
	s.resumeAfter[name] = rp
	s.resumeMu.Unlock()
}

func (s *sender) clearResumePoint(name string) {
	s.resumeMu.Lock()
	delete(s.resumeAfter, name)
	s.resumeMu.Unlock()
}

// contiguousCompletedThrough returns the highest replay position reachable
// from "from" by stepping through consecutive completed entries: the new
// resume boundary after a failed pass. A gap (an entry still in flight or
// never attempted) stops the walk, since positions past a gap are not safe
// to skip on the next pass.
func contiguousCompletedThrough(from int64, completed map[int64]bool) int64 {
	rp := from
	for completed[rp+1] {
		rp++
	}
	return rp
}

// enqueue adds a sealed segment to the replay queue, used both as the
// writer's onSealed callback and by populate_segments_to_replay at startup.
func (s *sender) enqueue(filename string) {
	s.queueMu.Lock()
	if !s.queued[filename] {
		s.queued[filename] = true
		s.queue = append(s.queue, filename)
	}
	s.queueMu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *sender) dequeue() (string, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	name := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, name)
	return name, true
}

func (s *sender) setEndpointNotNormal(notNormal bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		var next uint32
		if notNormal {
			next = old | stateEndpointNotNormal
		} else {
			next = old &^ stateEndpointNotNormal
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

// canSend reports whether the sender should attempt any replay right now.
func (s *sender) canSend() bool {
	if atomic.LoadUint32(&s.state)&stateStopping != 0 {
		return false
	}
	if !s.fd.IsAlive(s.ep) || s.fd.State(s.ep) != model.NodeStateNormal {
		s.setEndpointNotNormal(true)
		return false
	}
	s.setEndpointNotNormal(false)
	return true
}

func (s *sender) nextSleepDuration() time.Duration {
	if atomic.LoadUint32(&s.state)&stateEndpointNotNormal != 0 {
		return 5 * time.Second
	}
	if atomic.LoadUint32(&s.sendState)&sendStateSegmentReplayFailed != 0 {
		return 2 * time.Second
	}
	return 250 * time.Millisecond
}

// start launches the sender's run loop.
func (s *sender) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *sender) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.wakeCh:
		case <-time.After(s.nextSleepDuration()):
		}

		if atomic.LoadUint32(&s.state)&stateStopping != 0 {
			return
		}
		if !s.canSend() {
			continue
		}

		for {
			name, ok := s.dequeue()
			if !ok {
				break
			}
			if err := s.sendOneFile(name); err != nil {
				s.logger.Warn("segment replay did not complete",
					zap.String("endpoint", string(s.ep)), zap.String("segment", name), zap.Error(err))
				s.enqueue(name)
				break
			}
		}
	}
}

// sendOneFile replays one sealed segment end to end, deleting it only once
// every entry has been delivered or permanently dropped, matching
// send_one_file's all-or-retry-next-tick contract. Three outcomes, kept as
// separate small sets of bookkeeping rather than folded together: success
// deletes the file; segment-replay-failed keeps it and remembers how far the
// contiguous prefix of completed entries reached, so the next pass skips
// them instead of re-sending; restart-segment (the framing itself could not
// be read past some point) discards that memory and replays the file whole.
func (s *sender) sendOneFile(name string) error {
	s.fileGate.Add(1)
	defer s.fileGate.Done()

	atomic.StoreUint32(&s.sendState, 0)
	s.resetSchemaCache()

	resumeAfter := s.resumePoint(name)

	r, err := segment.OpenReader(s.dir, name)
	if err != nil {
		return err
	}
	defer r.Close()

	inFlight := semaphore.NewWeighted(int64(s.cfg.MaxHintsSendQueueLength))
	ctx := context.Background()
	var wg sync.WaitGroup
	var completedMu sync.Mutex
	completed := make(map[int64]bool)
	var failed int32

	for {
		if atomic.LoadUint32(&s.state)&stateStopping != 0 {
			wg.Wait()
			return errors.SendTransient("sender stopping mid-file", nil)
		}

		rp, entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			atomic.StoreUint32(&s.sendState, sendStateRestartSegment)
			wg.Wait()
			s.clearResumePoint(name)
			return err
		}

		if int64(rp) <= resumeAfter {
			// Already delivered or permanently dropped on a prior pass.
			continue
		}

		weight := int64(len(entry.Mutation))
		if uint64(weight) < s.cfg.MinSendHintBudgetBytes {
			weight = int64(s.cfg.MinSendHintBudgetBytes)
		}
		if weight > int64(s.cfg.MaxSendInFlightBytes) {
			weight = int64(s.cfg.MaxSendInFlightBytes)
		}

		if err := s.shardSem.Acquire(ctx, weight); err != nil {
			atomic.StoreUint32(&s.sendState, sendStateSegmentReplayFailed)
			wg.Wait()
			s.setResumePoint(name, contiguousCompletedThrough(resumeAfter, completed))
			return err
		}
		if err := inFlight.Acquire(ctx, 1); err != nil {
			s.shardSem.Release(weight)
			wg.Wait()
			s.setResumePoint(name, contiguousCompletedThrough(resumeAfter, completed))
			return err
		}

		wg.Add(1)
		go func(e segment.Entry, w int64, rp int64) {
			defer wg.Done()
			defer inFlight.Release(1)
			defer s.shardSem.Release(w)

			if err := s.sendOneHint(ctx, e); err != nil {
				if errors.GetKind(err) == errors.KindSendPermanentDrop {
					s.stats.addDropped(1)
				} else {
					atomic.StoreUint32(&s.sendState, sendStateSegmentReplayFailed)
					atomic.AddInt32(&failed, 1)
					return
				}
			} else {
				s.stats.addSent(1)
			}

			completedMu.Lock()
			completed[rp] = true
			completedMu.Unlock()
		}(entry, weight, int64(rp))
	}

	wg.Wait()

	if atomic.LoadUint32(&s.sendState)&sendStateSegmentReplayFailed != 0 || atomic.LoadInt32(&failed) > 0 {
		s.setResumePoint(name, contiguousCompletedThrough(resumeAfter, completed))
		return errors.SendTransient("one or more hints in segment failed, retrying next tick", nil)
	}

	s.clearResumePoint(name)
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return segment.DeleteSegment(s.dir, name)
}

// sendOneHint dispatches a single hint, applying the original's
// mutation-expired-or-retarget rule: a hint past max_hint_window is
// dropped; one whose natural endpoints no longer include the destination
// falls back to CL=ANY so it still lands somewhere live.
func (s *sender) sendOneHint(ctx context.Context, entry segment.Entry) error {
	if s.cfg.MaxHintWindow > 0 && time.Since(entry.WrittenAt) > s.cfg.MaxHintWindow {
		return errors.SendPermanentDrop("hint exceeded max_hint_window")
	}

	s.resolveSchema(entry.SchemaVersion)

	natural := s.topo.NaturalEndpoints(entry.Table, entry.Mutation)
	stillNatural := false
	for _, ep := range natural {
		if ep == s.ep {
			stillNatural = true
			break
		}
	}

	if stillNatural {
		if err := s.wp.MutateDirectly(ctx, s.ep, entry.Mutation); err != nil {
			return errors.SendTransient("direct mutation to endpoint failed", err)
		}
		return nil
	}

	if err := s.wp.MutateAny(ctx, entry.Mutation); err != nil {
		return errors.SendTransient("retargeted mutation failed", err)
	}
	return nil
}

func (s *sender) resolveSchema(version string) {
	if version == "" {
		return
	}
	s.schemaCacheMu.Lock()
	defer s.schemaCacheMu.Unlock()
	if _, ok := s.schemaCache[version]; !ok {
		s.schemaCache[version] = schemaCacheEntry{resolvedAt: time.Now()}
	}
}

// resetSchemaCache drops the memoized schema lookups, called between
// segments since the original scopes this cache to one send_one_file_ctx.
func (s *sender) resetSchemaCache() {
	s.schemaCacheMu.Lock()
	s.schemaCache = make(map[string]schemaCacheEntry)
	s.schemaCacheMu.Unlock()
}

// stop signals the run loop to exit and waits for the current file send, if
// any, to finish.
func (s *sender) stop(ctx context.Context) {
	for {
		old := atomic.LoadUint32(&s.state)
		if atomic.CompareAndSwapUint32(&s.state, old, old|stateStopping) {
			break
		}
	}
	close(s.doneCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.fileGate.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("endpoint sender stop timed out", zap.String("endpoint", string(s.ep)))
	}
}
