package segment

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/shardkv/hintedhandoff/internal/model"
)

// Factory maps an endpoint identifier to its exclusive segment Log,
// guaranteeing at-most-one construction per key under concurrent lookup:
// callers serialize on the factory's own lock for the duration of the
// (cheap) open, so the first caller's result is what every concurrent
// caller observes. Consumers hold a reference-counted handle; the
// underlying log closes when the last handle releases.
type Factory struct {
	mu       sync.Mutex
	shardDir string
	entries  map[model.EndpointID]*factoryEntry
}

type factoryEntry struct {
	log  *Log
	refs int
}

// NewFactory creates a factory rooted at shardDir. Each endpoint gets its
// own subdirectory shardDir/<endpoint_id>.
func NewFactory(shardDir string) *Factory {
	return &Factory{
		shardDir: shardDir,
		entries:  make(map[model.EndpointID]*factoryEntry),
	}
}

// Acquire returns the shared Log for ep, creating its directory and log
// chain on first use. onSealed is only consulted on creation; it is
// ignored on a cache hit since the existing Log already has one wired.
// Every Acquire must be paired with a Release.
func (f *Factory) Acquire(ep model.EndpointID, maxSegmentBytes int64, ioLimitBytesPerSec int64, onSealed SealedFunc) (*Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[ep]; ok {
		e.refs++
		return e.log, nil
	}

	dir := filepath.Join(f.shardDir, string(ep))
	l, err := Open(dir, maxSegmentBytes, ioLimitBytesPerSec, onSealed)
	if err != nil {
		return nil, fmt.Errorf("acquire segment log for %s: %w", ep, err)
	}
	f.entries[ep] = &factoryEntry{log: l, refs: 1}
	return l, nil
}

// Release drops one reference to ep's Log. When the last reference drops,
// the Log is closed and removed from the factory.
func (f *Factory) Release(ep model.EndpointID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[ep]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(f.entries, ep)
	return e.log.Close()
}

// EndpointDir returns the on-disk directory for ep, whether or not it has
// been acquired yet.
func (f *Factory) EndpointDir(ep model.EndpointID) string {
	return filepath.Join(f.shardDir, string(ep))
}

// Endpoints lists every endpoint that currently holds an acquired Log in
// the factory.
func (f *Factory) Endpoints() []model.EndpointID {
	f.mu.Lock()
	defer f.mu.Unlock()

	eps := make([]model.EndpointID, 0, len(f.entries))
	for ep := range f.entries {
		eps = append(eps, ep)
	}
	return eps
}
