package hints

import (
	"context"
	"sync"
	"time"

	"github.com/shardkv/hintedhandoff/internal/model"
)

// fakeFailureDetector is a minimal collab.FailureDetector double: every
// endpoint defaults to alive/normal/just-seen unless a test overrides it.
type fakeFailureDetector struct {
	mu       sync.Mutex
	alive    map[model.EndpointID]bool
	lastSeen map[model.EndpointID]time.Duration
	state    map[model.EndpointID]model.NodeState
}

func newFakeFailureDetector() *fakeFailureDetector {
	return &fakeFailureDetector{
		alive:    make(map[model.EndpointID]bool),
		lastSeen: make(map[model.EndpointID]time.Duration),
		state:    make(map[model.EndpointID]model.NodeState),
	}
}

func (f *fakeFailureDetector) IsAlive(ep model.EndpointID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if alive, ok := f.alive[ep]; ok {
		return alive
	}
	return true
}

func (f *fakeFailureDetector) LastSeen(ep model.EndpointID) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.lastSeen[ep]; ok {
		return d
	}
	return 0
}

func (f *fakeFailureDetector) State(ep model.EndpointID) model.NodeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.state[ep]; ok {
		return st
	}
	return model.NodeStateNormal
}

func (f *fakeFailureDetector) setLastSeen(ep model.EndpointID, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[ep] = d
}

func (f *fakeFailureDetector) setAlive(ep model.EndpointID, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[ep] = alive
}

func (f *fakeFailureDetector) setState(ep model.EndpointID, st model.NodeState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[ep] = st
}

// fakeTopology returns a fixed, test-configured set of natural endpoints
// regardless of the table/mutation it is asked about.
type fakeTopology struct {
	mu      sync.Mutex
	natural []model.EndpointID
}

func (f *fakeTopology) NaturalEndpoints(table string, mutation []byte) []model.EndpointID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.natural
}

func (f *fakeTopology) setNatural(eps ...model.EndpointID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.natural = eps
}

type writePathCall struct {
	endpoint model.EndpointID
	mutation []byte
	any      bool
}

// fakeWritePath records every dispatched mutation and optionally fails them.
type fakeWritePath struct {
	mu    sync.Mutex
	calls []writePathCall
	err   error
}

func (f *fakeWritePath) MutateDirectly(ctx context.Context, ep model.EndpointID, mutation []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, writePathCall{endpoint: ep, mutation: mutation})
	return f.err
}

func (f *fakeWritePath) MutateAny(ctx context.Context, mutation []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, writePathCall{mutation: mutation, any: true})
	return f.err
}

func (f *fakeWritePath) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeWritePath) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeSnitch maps endpoints to datacenters, defaulting to "" for any
// endpoint a test never labeled.
type fakeSnitch struct {
	mu sync.Mutex
	dc map[model.EndpointID]string
}

func newFakeSnitch() *fakeSnitch {
	return &fakeSnitch{dc: make(map[model.EndpointID]string)}
}

func (f *fakeSnitch) Datacenter(ep model.EndpointID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dc[ep]
}

func (f *fakeSnitch) setDatacenter(ep model.EndpointID, dc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dc[ep] = dc
}
