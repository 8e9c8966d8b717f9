package hints

import (
	"sync/atomic"

	"github.com/shardkv/hintedhandoff/internal/model"
)

// stats holds the shard-wide monotone counters and the in-progress gauge,
// shared by every endpoint manager on the shard. All fields are accessed
// through atomic operations since C2 appends race with C6 gauge reads.
type stats struct {
	written               uint64
	errors                uint64
	dropped               uint64
	sent                  uint64
	sizeOfHintsInProgress int64
}

func (s *stats) addWritten(n uint64)  { atomic.AddUint64(&s.written, n) }
func (s *stats) addErrors(n uint64)   { atomic.AddUint64(&s.errors, n) }
func (s *stats) addDropped(n uint64)  { atomic.AddUint64(&s.dropped, n) }
func (s *stats) addSent(n uint64)     { atomic.AddUint64(&s.sent, n) }

func (s *stats) addInProgress(delta int64) int64 {
	return atomic.AddInt64(&s.sizeOfHintsInProgress, delta)
}

func (s *stats) inProgress() uint64 {
	return uint64(atomic.LoadInt64(&s.sizeOfHintsInProgress))
}

func (s *stats) snapshot() model.ShardStats {
	return model.ShardStats{
		Written:               atomic.LoadUint64(&s.written),
		Errors:                atomic.LoadUint64(&s.errors),
		Dropped:               atomic.LoadUint64(&s.dropped),
		Sent:                  atomic.LoadUint64(&s.sent),
		SizeOfHintsInProgress: s.inProgress(),
	}
}
