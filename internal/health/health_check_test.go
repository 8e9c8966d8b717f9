package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardkv/hintedhandoff/internal/model"
)

type fakeShardProbe struct {
	stats    model.ShardStats
	lastTick time.Time
}

func (p *fakeShardProbe) Stats() model.ShardStats       { return p.stats }
func (p *fakeShardProbe) LastWatchdogTickAt() time.Time { return p.lastTick }

func newTestHealthChecker(t *testing.T, probe ShardProbe) *HealthChecker {
	t.Helper()
	dir := t.TempDir()
	return NewHealthChecker(&HealthCheckConfig{
		ShardID:        "shard-0",
		DataDir:        dir,
		WatchdogPeriod: 10 * time.Millisecond,
	}, probe, zap.NewNop())
}

// TestCheckHintLoopsLiveNoProbe verifies the liveness check degrades to
// always-healthy when no shard manager is wired, rather than failing.
func TestCheckHintLoopsLiveNoProbe(t *testing.T) {
	h := newTestHealthChecker(t, nil)
	result := h.checkHintLoopsLive()
	require.Equal(t, "healthy", result.Status)
}

// TestCheckHintLoopsLiveFreshWatchdog verifies a watchdog that has just
// ticked, with no hints in progress, reads as live.
func TestCheckHintLoopsLiveFreshWatchdog(t *testing.T) {
	probe := &fakeShardProbe{lastTick: time.Now()}
	h := newTestHealthChecker(t, probe)
	result := h.checkHintLoopsLive()
	require.Equal(t, "healthy", result.Status)
}

// TestCheckHintLoopsLiveStaleWatchdog verifies a watchdog whose last audit
// is far beyond its configured period, after the startup grace window has
// elapsed, flips liveness to critical.
func TestCheckHintLoopsLiveStaleWatchdog(t *testing.T) {
	probe := &fakeShardProbe{lastTick: time.Now().Add(-time.Hour)}
	h := newTestHealthChecker(t, probe)
	h.startedAt = time.Now().Add(-time.Hour) // past the startup grace window

	result := h.checkHintLoopsLive()
	require.Equal(t, "critical", result.Status)
}

// TestCheckHintLoopsLiveNeverTickedWithinGrace verifies a watchdog that has
// never completed a pass is NOT flagged critical while still inside its
// startup grace window, since the first tick legitimately hasn't fired yet.
func TestCheckHintLoopsLiveNeverTickedWithinGrace(t *testing.T) {
	probe := &fakeShardProbe{}
	h := newTestHealthChecker(t, probe)
	result := h.checkHintLoopsLive()
	require.Equal(t, "healthy", result.Status)
}

// TestCheckHintLoopsLiveStalledSender verifies bytes stuck in progress with
// no forward movement past the stall threshold are flagged critical.
func TestCheckHintLoopsLiveStalledSender(t *testing.T) {
	probe := &fakeShardProbe{lastTick: time.Now(), stats: model.ShardStats{SizeOfHintsInProgress: 1024}}
	h := newTestHealthChecker(t, probe)

	// First pass observes the in-progress bytes and records progress now.
	result := h.checkHintLoopsLive()
	require.Equal(t, "healthy", result.Status)

	// Simulate the stall threshold elapsing with no change in counters.
	h.lastProgressAt = time.Now().Add(-hintLoopStallThreshold - time.Second)
	result = h.checkHintLoopsLive()
	require.Equal(t, "critical", result.Status)
}

// TestRunHealthChecksDerivesLivenessFromHintLoops verifies IsLive reflects
// checkHintLoopsLive's verdict rather than a hardcoded true.
func TestRunHealthChecksDerivesLivenessFromHintLoops(t *testing.T) {
	probe := &fakeShardProbe{lastTick: time.Now().Add(-time.Hour)}
	h := newTestHealthChecker(t, probe)
	h.startedAt = time.Now().Add(-time.Hour)

	h.runHealthChecks()
	require.False(t, h.IsLive())
}
