package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Thresholds, in percent of the log quota.
const (
	// DiskWarningThreshold is the usage at which a warning is logged.
	DiskWarningThreshold = 80.0
	// DiskCriticalThreshold is the usage at which excess builds are pruned
	// regardless of age.
	DiskCriticalThreshold = 90.0
)

// UsageReporter measures how many bytes of logfile content are stored.
type UsageReporter interface {
	Usage(ctx context.Context) (int64, error)
}

// DiskStats is one measurement of log storage.
type DiskStats struct {
	Used         int64   `json:"used_bytes"`
	Quota        int64   `json:"quota_bytes"`
	UsagePercent float64 `json:"usage_percent"`
}

// DiskMonitor watches log storage against a quota and prunes history when
// it runs full.
type DiskMonitor struct {
	usage          UsageReporter
	quota          int64
	cleanupService *Service
	logger         *slog.Logger

	mu    sync.Mutex
	last  DiskStats
	valid bool
}

// NewDiskMonitor creates a new disk monitor for quota bytes of log storage.
func NewDiskMonitor(usage UsageReporter, quota int64, cleanupSvc *Service, logger *slog.Logger) *DiskMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskMonitor{
		usage:          usage,
		quota:          quota,
		cleanupService: cleanupSvc,
		logger:         logger,
	}
}

// CheckDiskUsage measures log storage, logs a warning above the warning
// threshold and prunes excess builds above the critical one. It reports
// whether pruning ran.
func (m *DiskMonitor) CheckDiskUsage(ctx context.Context) (bool, error) {
	if m.quota <= 0 {
		return false, nil
	}

	used, err := m.usage.Usage(ctx)
	if err != nil {
		return false, fmt.Errorf("measuring log storage: %w", err)
	}
	stats := DiskStats{
		Used:         used,
		Quota:        m.quota,
		UsagePercent: float64(used) * 100 / float64(m.quota),
	}

	m.mu.Lock()
	m.last, m.valid = stats, true
	m.mu.Unlock()

	switch {
	case stats.UsagePercent >= DiskCriticalThreshold:
		m.logger.Error("log storage critical, pruning builds",
			"usage_percent", stats.UsagePercent,
			"used_bytes", stats.Used,
			"quota_bytes", stats.Quota,
			"threshold", DiskCriticalThreshold,
		)
		return m.triggerCleanup(ctx)
	case stats.UsagePercent >= DiskWarningThreshold:
		m.logger.Warn("log storage warning",
			"usage_percent", stats.UsagePercent,
			"used_bytes", stats.Used,
			"quota_bytes", stats.Quota,
			"threshold", DiskWarningThreshold,
		)
	}
	return false, nil
}

func (m *DiskMonitor) triggerCleanup(ctx context.Context) (bool, error) {
	if m.cleanupService == nil {
		m.logger.Warn("cleanup service not available, skipping automatic pruning")
		return false, nil
	}

	result, err := m.cleanupService.PruneExcess(ctx)
	if err != nil {
		return true, fmt.Errorf("pruning builds: %w", err)
	}
	m.logger.Info("automatic pruning completed", "builds_pruned", result.BuildsPruned)
	return true, nil
}

// LastStats returns the most recent measurement.
func (m *DiskMonitor) LastStats() (DiskStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.valid
}

// Ping fails while log storage is above the warning threshold. It reports
// the last measurement and does not measure again.
func (m *DiskMonitor) Ping(ctx context.Context) error {
	stats, ok := m.LastStats()
	if !ok {
		return nil
	}
	if stats.UsagePercent >= DiskWarningThreshold {
		return fmt.Errorf("log storage at %.1f%% of quota", stats.UsagePercent)
	}
	return nil
}

// Run checks usage every interval until ctx is done.
func (m *DiskMonitor) Run(ctx context.Context, interval time.Duration) {
	if m.quota <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.CheckDiskUsage(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("log storage check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
