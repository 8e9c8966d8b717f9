package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shardkv/hintedhandoff/internal/model"
)

// ShardProbe is the slice of ShardManager a HealthChecker observes to
// ground liveness in the hint domain instead of generic process signals:
// whether the space watchdog is still auditing, and whether the endpoint
// writers/senders are still making forward progress on queued hints.
type ShardProbe interface {
	Stats() model.ShardStats
	LastWatchdogTickAt() time.Time
}

// hintLoopStallThreshold is how long hint bytes can sit in progress with
// neither a write nor a send/drop landing before the sender or writer loop
// is considered stuck rather than merely busy.
const hintLoopStallThreshold = 30 * time.Second

// HealthChecker performs periodic health checks for a hint shard process.
type HealthChecker struct {
	shardID        string
	dataDir        string
	probe          ShardProbe
	watchdogPeriod time.Duration
	logger         *zap.Logger
	mu             sync.RWMutex

	lastCheck      time.Time
	status         model.NodeStatus
	checks         map[string]CheckResult
	livenessOK     bool
	readinessOK    bool
	startedAt      time.Time
	lastProgressAt time.Time
	lastStats      model.ShardStats
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks.
type HealthCheckConfig struct {
	ShardID        string
	DataDir        string
	WatchdogPeriod time.Duration
}

// NewHealthChecker creates a new health checker. probe may be nil, in which
// case the hint-domain liveness check degrades to always-healthy (useful in
// tests that exercise only the generic disk/fd checks).
func NewHealthChecker(cfg *HealthCheckConfig, probe ShardProbe, logger *zap.Logger) *HealthChecker {
	now := time.Now()
	return &HealthChecker{
		shardID:        cfg.ShardID,
		dataDir:        cfg.DataDir,
		probe:          probe,
		watchdogPeriod: cfg.WatchdogPeriod,
		logger:         logger,
		checks:         make(map[string]CheckResult),
		livenessOK:     true,
		readinessOK:    true,
		status:         model.NodeStatusHealthy,
		startedAt:      now,
		lastProgressAt: now,
	}
}

// Start runs health checks on a fixed period until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	h.runHealthChecks()

	for {
		select {
		case <-ticker.C:
			h.runHealthChecks()
		case <-ctx.Done():
			h.logger.Info("health checker stopped")
			return
		}
	}
}

func (h *HealthChecker) runHealthChecks() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()

	checks := []func() CheckResult{
		h.checkDiskSpace,
		h.checkHintsDirAccessible,
		h.checkFileDescriptors,
		h.checkHintLoopsLive,
	}

	allHealthy := true
	allReady := true
	hintLoopsLive := true

	for _, check := range checks {
		result := check()
		h.checks[result.Name] = result

		if result.Status != "healthy" {
			allHealthy = false
			if result.Status == "critical" {
				allReady = false
			}
		}
		if result.Name == "hint_loops_live" && result.Status == "critical" {
			hintLoopsLive = false
		}
	}

	if !allHealthy {
		if !allReady {
			h.status = model.NodeStatusUnhealthy
		} else {
			h.status = model.NodeStatusDegraded
		}
	} else {
		h.status = model.NodeStatusHealthy
	}

	// Liveness tracks the watchdog and sender/writer loops directly, via
	// checkHintLoopsLive, rather than assuming the process is live just
	// because this goroutine got to run.
	h.livenessOK = hintLoopsLive
	h.readinessOK = allReady

	h.logger.Debug("health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkDiskSpace flags the shard as critical/warning when the hints
// directory's filesystem is over 95% or 90% used. It feeds the
// orchestrator's readiness probe, not admission policy; the space watchdog
// throttles endpoints on its own byte caps instead.
func (h *HealthChecker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &stat); err != nil {
		return CheckResult{
			Name:      "disk_space",
			Status:    "critical",
			Message:   fmt.Sprintf("failed to stat filesystem: %v", err),
			Timestamp: time.Now(),
		}
	}

	available := stat.Bavail * uint64(stat.Bsize)
	total := stat.Blocks * uint64(stat.Bsize)
	used := total - (stat.Bfree * uint64(stat.Bsize))
	usagePercent := float64(used) / float64(total) * 100

	if usagePercent > 95 {
		return CheckResult{
			Name:      "disk_space",
			Status:    "critical",
			Message:   fmt.Sprintf("disk usage critical: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	} else if usagePercent > 90 {
		return CheckResult{
			Name:      "disk_space",
			Status:    "warning",
			Message:   fmt.Sprintf("disk usage high: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "disk_space",
		Status:    "healthy",
		Message:   fmt.Sprintf("disk usage: %.2f%%, available: %.2f GB", usagePercent, float64(available)/1024/1024/1024),
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkHintsDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return CheckResult{
			Name:      "hints_dir_accessible",
			Status:    "critical",
			Message:   fmt.Sprintf("hints directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:      "hints_dir_accessible",
			Status:    "critical",
			Message:   "hints path is not a directory",
			Timestamp: time.Now(),
		}
	}

	testFile := fmt.Sprintf("%s/.health_check_%d", h.dataDir, time.Now().UnixNano())
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:      "hints_dir_accessible",
			Status:    "critical",
			Message:   fmt.Sprintf("cannot write to hints directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{
		Name:      "hints_dir_accessible",
		Status:    "healthy",
		Message:   "hints directory is accessible and writable",
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "warning",
			Message:   fmt.Sprintf("failed to get rlimit: %v", err),
			Timestamp: time.Now(),
		}
	}

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "healthy",
			Message:   fmt.Sprintf("soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max),
			Timestamp: time.Now(),
		}
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100

	if usagePercent > 90 {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "warning",
			Message:   fmt.Sprintf("file descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "file_descriptors",
		Status:    "healthy",
		Message:   fmt.Sprintf("file descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
		Timestamp: time.Now(),
	}
}

// checkHintLoopsLive grounds liveness in the hint domain instead of the
// process loop merely being scheduled: the space watchdog must still be
// auditing on its configured period, and any hint bytes currently in
// progress must be moving (written, sent, or dropped) rather than sitting
// unchanged, which would indicate a wedged writer or sender goroutine.
func (h *HealthChecker) checkHintLoopsLive() CheckResult {
	name := "hint_loops_live"
	now := time.Now()

	if h.probe == nil {
		return CheckResult{Name: name, Status: "healthy", Message: "no shard probe wired", Timestamp: now}
	}

	stats := h.probe.Stats()
	if stats != h.lastStats {
		h.lastStats = stats
		h.lastProgressAt = now
	}

	if h.watchdogPeriod > 0 {
		tick := h.probe.LastWatchdogTickAt()
		grace := now.Sub(h.startedAt) > 3*h.watchdogPeriod
		switch {
		case tick.IsZero() && grace:
			return CheckResult{Name: name, Status: "critical", Message: "space watchdog has never completed an audit pass", Timestamp: now}
		case !tick.IsZero() && now.Sub(tick) > 3*h.watchdogPeriod:
			return CheckResult{Name: name, Status: "critical", Message: fmt.Sprintf("space watchdog audit stale, last tick %s ago", now.Sub(tick).Round(time.Second)), Timestamp: now}
		}
	}

	if stats.SizeOfHintsInProgress > 0 && now.Sub(h.lastProgressAt) > hintLoopStallThreshold {
		return CheckResult{
			Name:      name,
			Status:    "critical",
			Message:   fmt.Sprintf("%d bytes of hints in progress with no writer/sender progress for %s", stats.SizeOfHintsInProgress, now.Sub(h.lastProgressAt).Round(time.Second)),
			Timestamp: now,
		}
	}

	return CheckResult{Name: name, Status: "healthy", Message: "watchdog ticking and hint loops progressing", Timestamp: now}
}

// IsLive returns whether the shard process is live.
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the shard can currently admit and replay hints.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status.
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.shardID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
	}
}

// GetChecks returns a copy of every check result.
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually overrides readiness, used during graceful shutdown
// so the orchestrator stops routing new work before Stop drains in-flight
// hints.
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.GetStatus()
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.GetStatus()
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
	})
}

// StartHealthServer starts the HTTP health check server.
func (h *HealthChecker) StartHealthServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", h.LivenessHandler)
	mux.HandleFunc("/health/ready", h.ReadinessHandler)

	h.logger.Info("starting health check HTTP server", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
