package hints

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shardkv/hintedhandoff/internal/config"
	"github.com/shardkv/hintedhandoff/internal/model"
	"github.com/shardkv/hintedhandoff/internal/segment"
)

func newTestEndpointManager(t *testing.T, ep model.EndpointID, cfg config.HintsConfig, factory *segment.Factory, st *stats, shardSem *semaphore.Weighted) *endpointManager {
	t.Helper()
	fd := newFakeFailureDetector()
	// The peer is down, so the sender leaves sealed segments on disk for the
	// watchdog to count instead of replaying and deleting them.
	fd.setAlive(ep, false)
	topo := &fakeTopology{}
	wp := &fakeWritePath{}
	snitch := newFakeSnitch()

	em, err := newEndpointManager(ep, cfg, zap.NewNop(), st, factory, fd, topo, wp, snitch, shardSem)
	require.NoError(t, err)
	require.NoError(t, em.start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = em.stop(ctx)
	})
	return em
}

// requireSegmentCount waits for exactly n segment files to appear under dir,
// since storeHint's durable append now lands asynchronously.
func requireSegmentCount(t *testing.T, dir string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		names, err := segment.ListSegmentFiles(dir)
		return err == nil && len(names) == n
	}, 2*time.Second, 10*time.Millisecond)
}

// TestWatchdogExemptsSingleSegmentEndpoints verifies the fairness exception:
// an endpoint with only one segment on disk is never forbidden, even when
// the shard as a whole is over its disk budget, because it has nothing left
// to shrink on its own.
func TestWatchdogExemptsSingleSegmentEndpoints(t *testing.T) {
	cfg := baseTestConfig(t)
	cfg.HintSegmentSizeMB = 0 // every append after the first rotates
	cfg.MaxShardDiskSpaceSize = 1 // force shardOverBudget with any real data on disk
	cfg.MaxHintsPerEndpointSizeMB = 0

	factory := segment.NewFactory(cfg.HintsDir)
	st := &stats{}
	shardSem := semaphore.NewWeighted(int64(cfg.MaxSendInFlightBytes))

	multi := newTestEndpointManager(t, "multi-ep", cfg, factory, st, shardSem)
	single := newTestEndpointManager(t, "single-ep", cfg, factory, st, shardSem)

	ctx := context.Background()
	// Two appends to "multi-ep" force a rotation, leaving it with a sealed
	// segment plus a fresh active one. storeHint only admits synchronously;
	// the durable append happens in the background, so wait for it to land.
	ok, err := multi.storeHint(ctx, "users", "v1", []byte("mutation-one"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = multi.storeHint(ctx, "users", "v1", []byte("mutation-two"))
	require.NoError(t, err)
	require.True(t, ok)
	requireSegmentCount(t, factory.EndpointDir("multi-ep"), 2)

	// A single append to "single-ep" leaves it with exactly one (active, as
	// yet unsealed) segment.
	ok, err = single.storeHint(ctx, "users", "v1", []byte("mutation-solo"))
	require.NoError(t, err)
	require.True(t, ok)
	requireSegmentCount(t, factory.EndpointDir("single-ep"), 1)

	endpoints := map[model.EndpointID]*endpointManager{
		"multi-ep":  multi,
		"single-ep": single,
	}
	wd := newWatchdog(cfg, zap.NewNop(), factory, func() map[model.EndpointID]*endpointManager { return endpoints })

	wd.audit()

	require.False(t, multi.canHint(), "multi-segment endpoint should be forbidden once the shard is over its disk budget")
	require.True(t, single.canHint(), "single-segment endpoint is exempt from the fairness throttle")
}

// TestWatchdogAllowsEveryoneUnderBudget verifies audit is a no-op when the
// shard has plenty of headroom: nothing gets forbidden just for existing.
func TestWatchdogAllowsEveryoneUnderBudget(t *testing.T) {
	cfg := baseTestConfig(t)
	cfg.HintSegmentSizeMB = 0
	cfg.MaxShardDiskSpaceSize = 1 << 30 // 1 GiB, nowhere near reached
	cfg.MaxHintsPerEndpointSizeMB = 0

	factory := segment.NewFactory(cfg.HintsDir)
	st := &stats{}
	shardSem := semaphore.NewWeighted(int64(cfg.MaxSendInFlightBytes))

	multi := newTestEndpointManager(t, "multi-ep", cfg, factory, st, shardSem)

	ctx := context.Background()
	ok, err := multi.storeHint(ctx, "users", "v1", []byte("mutation-one"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = multi.storeHint(ctx, "users", "v1", []byte("mutation-two"))
	require.NoError(t, err)
	require.True(t, ok)
	requireSegmentCount(t, factory.EndpointDir("multi-ep"), 2)

	endpoints := map[model.EndpointID]*endpointManager{"multi-ep": multi}
	wd := newWatchdog(cfg, zap.NewNop(), factory, func() map[model.EndpointID]*endpointManager { return endpoints })

	wd.audit()

	require.True(t, multi.canHint())
}
