package hints

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shardkv/hintedhandoff/internal/config"
	"github.com/shardkv/hintedhandoff/internal/errors"
	"github.com/shardkv/hintedhandoff/internal/model"
	"github.com/shardkv/hintedhandoff/internal/segment"
	"github.com/shardkv/hintedhandoff/internal/validation"
)

var hintValidator = validation.NewValidator()

// writer is C2, the endpoint hint writer: admission, write accounting,
// flush scheduling and segment rotation signalling for one destination
// endpoint. Its file-update mutex is owned by the enclosing endpointManager
// and shared with the sender: shared-mode (RLock) for appends, exclusive
// (Lock) for flush/rotate/delete, matching spec.md §4.2's concurrency rule.
type writer struct {
	ep     model.EndpointID
	dir    string
	log    *segment.Log
	fileMu *sync.RWMutex
	cfg    config.HintsConfig
	logger *zap.Logger
	stats  *stats

	hintsInProgress int64 // atomic, bytes accepted but not yet durable for this endpoint
	canHint         int32 // atomic bool
	stopping        int32 // atomic bool
	appendWG        sync.WaitGroup

	onSealed func(filename string)
}

func newWriter(ep model.EndpointID, dir string, log *segment.Log, fileMu *sync.RWMutex, cfg config.HintsConfig, logger *zap.Logger, st *stats, onSealed func(string)) *writer {
	w := &writer{
		ep:       ep,
		dir:      dir,
		log:      log,
		fileMu:   fileMu,
		cfg:      cfg,
		logger:   logger,
		stats:    st,
		onSealed: onSealed,
	}
	atomic.StoreInt32(&w.canHint, 1)
	return w
}

// canHintNow reports the admission flag most recently set by the space
// watchdog.
func (w *writer) canHintNow() bool {
	return atomic.LoadInt32(&w.canHint) == 1
}

func (w *writer) allowHints()  { atomic.StoreInt32(&w.canHint, 1) }
func (w *writer) forbidHints() { atomic.StoreInt32(&w.canHint, 0) }

func (w *writer) isStopping() bool {
	return atomic.LoadInt32(&w.stopping) == 1
}

func (w *writer) hintsInProgressBytes() uint64 {
	return uint64(atomic.LoadInt64(&w.hintsInProgress))
}

// storeHint is C2's store_hint operation. It returns false without any
// side effect besides the dropped counter when admission is refused.
// Admission (validation, stopping/fair-share/budget checks) is the only
// work done before returning (invariant 6): once a hint is admitted, the
// durable append is handed to a background goroutine under the append
// gate, and storeHint returns true without waiting on it. A failure during
// that background append is recorded in the error counters and logged; it
// cannot be reported back to a caller who has already moved on.
func (w *writer) storeHint(ctx context.Context, table, schemaVersion string, mutation []byte) (bool, error) {
	if err := hintValidator.ValidateHint(table, schemaVersion, mutation); err != nil {
		w.stats.addDropped(1)
		return false, err
	}
	if w.isStopping() {
		w.stats.addDropped(1)
		return false, errors.AdmissionRefused("endpoint writer is stopping")
	}
	if !w.canHintNow() {
		w.stats.addDropped(1)
		return false, errors.AdmissionRefused("endpoint has exceeded its disk fair share")
	}

	size := int64(len(mutation))
	if w.stats.addInProgress(size) > int64(w.cfg.MaxSizeOfHintsInProgress) {
		w.stats.addInProgress(-size)
		w.stats.addDropped(1)
		return false, errors.AdmissionRefused("shard in-flight hint bytes would exceed max_size_of_hints_in_progress")
	}

	atomic.AddInt64(&w.hintsInProgress, size)
	w.appendWG.Add(1)
	go w.appendAsync(table, schemaVersion, mutation, size)

	return true, nil
}

// appendAsync performs the durable append in the background, under the
// append gate so stop() can drain it, and under the shared file-update
// mutex in its shared (RLock) mode so it never races a flush/rotate/delete.
func (w *writer) appendAsync(table, schemaVersion string, mutation []byte, size int64) {
	defer w.appendWG.Done()
	defer func() {
		atomic.AddInt64(&w.hintsInProgress, -size)
		w.stats.addInProgress(-size)
	}()

	w.fileMu.RLock()
	defer w.fileMu.RUnlock()

	writeCtx, cancel := context.WithTimeout(context.Background(), w.cfg.HintFileWriteTimeout)
	defer cancel()

	if err := w.log.Throttle(writeCtx, len(mutation)); err != nil {
		w.stats.addErrors(1)
		w.logger.Error("hint write throttled", zap.String("endpoint", string(w.ep)), zap.Error(err))
		return
	}

	if _, err := w.log.Append(segment.Entry{Table: table, SchemaVersion: schemaVersion, Mutation: mutation, WrittenAt: time.Now()}); err != nil {
		select {
		case <-writeCtx.Done():
			w.logger.Error("hint append timed out", zap.String("endpoint", string(w.ep)), zap.Error(writeCtx.Err()))
		default:
		}
		w.stats.addErrors(1)
		w.logger.Error("hint append failed", zap.String("endpoint", string(w.ep)), zap.Error(err))
		return
	}

	w.stats.addWritten(1)
}

// flushCurrentHints forces a durability barrier on the active segment and
// repopulates the sender's replay queue with any sealed segment observed
// in the directory that the sender does not yet know about. Flush/rotate
// take the file-update mutex in exclusive mode.
func (w *writer) flushCurrentHints() error {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()

	if err := w.log.Sync(); err != nil {
		return errors.DurabilityError("failed to sync active segment", err)
	}

	names, err := segment.ListSegmentFiles(w.dir)
	if err != nil {
		return errors.DurabilityError("failed to scan endpoint directory", err)
	}
	active := w.log.CurrentName()
	for _, n := range names {
		if n == active {
			continue
		}
		if w.onSealed != nil {
			w.onSealed(n)
		}
	}
	return nil
}

// populateSegmentsToReplay feeds every sealed segment already on disk to
// the sender, in ascending filename order, on startup or after recovery.
func (w *writer) populateSegmentsToReplay() error {
	names, err := segment.ListSegmentFiles(w.dir)
	if err != nil {
		return err
	}
	active := w.log.CurrentName()
	for _, n := range names {
		if n == active {
			continue
		}
		if w.onSealed != nil {
			w.onSealed(n)
		}
	}
	return nil
}

// stop drains in-flight appends (the append gate) and marks the writer as
// stopping so new store_hint calls are refused.
func (w *writer) stop(ctx context.Context) {
	atomic.StoreInt32(&w.stopping, 1)

	done := make(chan struct{})
	go func() {
		w.appendWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("endpoint writer stop timed out waiting for in-flight appends", zap.String("endpoint", string(w.ep)))
	case <-time.After(30 * time.Second):
		w.logger.Warn("endpoint writer stop exceeded safety timeout", zap.String("endpoint", string(w.ep)))
	}
}
