// Package health aggregates system-level and pipeline-level checks
// into a single report served by the HTTP API and evaluated by the
// automation loop before each drain cycle.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/pipeline"
)

// Overall health states. Warnings never change the aggregate status;
// only an error from a critical check makes the system unhealthy.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Store is the slice of the persistent store the monitor reads.
type Store interface {
	CountJobs(ctx context.Context, status pipeline.JobStatus) (int, error)
	JobsCreatedSince(ctx context.Context, since time.Time) (int, error)
	ErrorsSince(ctx context.Context, since time.Time) (int, error)
}

// Config carries thresholds. Ratios are fractions in (0,1].
type Config struct {
	DiskPath           string
	DiskWarning        float64
	DiskCritical       float64
	MemoryWarning      float64
	PendingWarning     int
	FailedWarning      int
	ErrorWindow        time.Duration
	ErrorRateThreshold float64
	APIKey             string
}

// Check is the outcome of one probe.
type Check struct {
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	Value   float64 `json:"value,omitempty"`
}

// Report is the aggregate of all probes at one point in time.
type Report struct {
	Status    string           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Warnings  []string         `json:"warnings,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Healthy reports whether the system may keep processing.
func (r Report) Healthy() bool { return r.Status != StatusUnhealthy }

// diskUsage and memoryUsage are swappable for tests.
type diskUsageFunc func(path string) (*disk.UsageStat, error)
type memoryUsageFunc func() (*mem.VirtualMemoryStat, error)

// Monitor runs the probes. Zero-threshold fields fall back to the
// defaults set in New.
type Monitor struct {
	store  Store
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger

	diskUsage   diskUsageFunc
	memoryUsage memoryUsageFunc
}

func New(store Store, cfg Config, clock pipeline.Clock, logger *zap.Logger) *Monitor {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.DiskWarning <= 0 {
		cfg.DiskWarning = 0.8
	}
	if cfg.DiskCritical <= 0 {
		cfg.DiskCritical = 0.9
	}
	if cfg.MemoryWarning <= 0 {
		cfg.MemoryWarning = 0.85
	}
	if cfg.PendingWarning <= 0 {
		cfg.PendingWarning = 100
	}
	if cfg.FailedWarning <= 0 {
		cfg.FailedWarning = 10
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = time.Hour
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.2
	}
	return &Monitor{
		store:       store,
		cfg:         cfg,
		clock:       clock,
		logger:      logger,
		diskUsage:   disk.Usage,
		memoryUsage: mem.VirtualMemory,
	}
}

// Run executes every probe and aggregates the result. A probe that
// itself fails degrades the report rather than aborting it.
func (m *Monitor) Run(ctx context.Context) Report {
	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check),
		CheckedAt: m.clock.Now(),
	}

	m.checkDisk(&report)
	m.checkMemory(&report)
	m.checkCredentials(&report)
	m.checkQueue(ctx, &report)
	m.checkErrorRate(ctx, &report)

	if len(report.Errors) > 0 {
		report.Status = StatusUnhealthy
	}
	m.logger.Debug("health check finished",
		zap.String("status", report.Status),
		zap.Int("warnings", len(report.Warnings)),
		zap.Int("errors", len(report.Errors)))
	return report
}

func (m *Monitor) checkDisk(report *Report) {
	usage, err := m.diskUsage(m.cfg.DiskPath)
	if err != nil {
		report.Checks["disk"] = Check{Status: "error", Message: err.Error()}
		report.Warnings = append(report.Warnings, fmt.Sprintf("disk probe failed: %v", err))
		return
	}
	used := usage.UsedPercent / 100
	check := Check{Status: "ok", Value: used}
	switch {
	case used >= m.cfg.DiskCritical:
		check.Status = "critical"
		check.Message = fmt.Sprintf("disk %.0f%% full", usage.UsedPercent)
		report.Errors = append(report.Errors, check.Message)
	case used >= m.cfg.DiskWarning:
		check.Status = "warning"
		check.Message = fmt.Sprintf("disk %.0f%% full", usage.UsedPercent)
		report.Warnings = append(report.Warnings, check.Message)
	}
	report.Checks["disk"] = check
}

func (m *Monitor) checkMemory(report *Report) {
	vm, err := m.memoryUsage()
	if err != nil {
		report.Checks["memory"] = Check{Status: "error", Message: err.Error()}
		report.Warnings = append(report.Warnings, fmt.Sprintf("memory probe failed: %v", err))
		return
	}
	used := vm.UsedPercent / 100
	check := Check{Status: "ok", Value: used}
	if used >= m.cfg.MemoryWarning {
		check.Status = "warning"
		check.Message = fmt.Sprintf("memory %.0f%% used", vm.UsedPercent)
		report.Warnings = append(report.Warnings, check.Message)
	}
	report.Checks["memory"] = check
}

func (m *Monitor) checkCredentials(report *Report) {
	if m.cfg.APIKey == "" {
		msg := "upload API credential is not configured"
		report.Checks["credentials"] = Check{Status: "critical", Message: msg}
		report.Errors = append(report.Errors, msg)
		return
	}
	report.Checks["credentials"] = Check{Status: "ok"}
}

func (m *Monitor) checkQueue(ctx context.Context, report *Report) {
	pending, err := m.store.CountJobs(ctx, pipeline.StatusPending)
	if err != nil {
		report.Checks["queue"] = Check{Status: "error", Message: err.Error()}
		report.Warnings = append(report.Warnings, fmt.Sprintf("queue probe failed: %v", err))
		return
	}
	failed, err := m.store.CountJobs(ctx, pipeline.StatusFailed)
	if err != nil {
		report.Checks["queue"] = Check{Status: "error", Message: err.Error()}
		report.Warnings = append(report.Warnings, fmt.Sprintf("queue probe failed: %v", err))
		return
	}
	check := Check{Status: "ok", Value: float64(pending)}
	if pending > m.cfg.PendingWarning {
		check.Status = "warning"
		check.Message = fmt.Sprintf("%d jobs pending", pending)
		report.Warnings = append(report.Warnings, check.Message)
	}
	if failed > m.cfg.FailedWarning {
		check.Status = "warning"
		msg := fmt.Sprintf("%d jobs failed", failed)
		if check.Message != "" {
			check.Message += "; " + msg
		} else {
			check.Message = msg
		}
		report.Warnings = append(report.Warnings, msg)
	}
	report.Checks["queue"] = check
}

func (m *Monitor) checkErrorRate(ctx context.Context, report *Report) {
	since := m.clock.Now().Add(-m.cfg.ErrorWindow)
	errCount, err := m.store.ErrorsSince(ctx, since)
	if err != nil {
		report.Checks["error_rate"] = Check{Status: "error", Message: err.Error()}
		report.Warnings = append(report.Warnings, fmt.Sprintf("error-rate probe failed: %v", err))
		return
	}
	jobs, err := m.store.JobsCreatedSince(ctx, since)
	if err != nil {
		report.Checks["error_rate"] = Check{Status: "error", Message: err.Error()}
		report.Warnings = append(report.Warnings, fmt.Sprintf("error-rate probe failed: %v", err))
		return
	}
	rate := 0.0
	if jobs > 0 {
		rate = float64(errCount) / float64(jobs)
	}
	check := Check{Status: "ok", Value: rate}
	if rate > m.cfg.ErrorRateThreshold {
		check.Status = "warning"
		check.Message = fmt.Sprintf("error rate %.0f%% over the last %s", rate*100, m.cfg.ErrorWindow)
		report.Warnings = append(report.Warnings, check.Message)
	}
	report.Checks["error_rate"] = check
}
