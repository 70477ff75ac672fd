package db

import (
	"context"
	"sync"
	"time"

	"github.com/fleet-data/fleettrace/internal/monitoring"
)

// ReconstructController manages the state and execution of the missed trip
// worker. It provides thread-safe control over whether reconstruction runs,
// and supports manual triggering from the API. The hourly retention sweep
// rides on the same loop so expired signals and route points get purged by
// the process that reads them.
type ReconstructController struct {
	worker        *MissedTripWorker
	enabled       bool
	mu            sync.RWMutex
	manualTrigger chan struct{}
	fullHistory   chan struct{}

	// Status tracking
	lastRunAt    time.Time
	lastRunError error
	runCount     int64
	tripsTotal   int64
	currentRun   *ReconstructRunInfo
	lastRun      *ReconstructRunInfo
}

// ReconstructRunInfo captures details about a single reconstruction run.
type ReconstructRunInfo struct {
	Trigger    string    `json:"trigger,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Trips      int       `json:"trips_reconstructed"`
	Error      string    `json:"error,omitempty"`
}

// ReconstructStatus represents the current state of the missed trip worker.
type ReconstructStatus struct {
	Enabled      bool                `json:"enabled"`
	LastRunAt    time.Time           `json:"last_run_at"`
	LastRunError string              `json:"last_run_error,omitempty"`
	RunCount     int64               `json:"run_count"`
	TripsTotal   int64               `json:"trips_reconstructed_total"`
	IsHealthy    bool                `json:"is_healthy"`
	CurrentRun   *ReconstructRunInfo `json:"current_run,omitempty"`
	LastRun      *ReconstructRunInfo `json:"last_run,omitempty"`
}

// NewReconstructController creates a new controller for the missed trip worker.
func NewReconstructController(worker *MissedTripWorker) *ReconstructController {
	return &ReconstructController{
		worker:  worker,
		enabled: true, // Default to enabled on boot
		// Buffered channel of size 1 to coalesce multiple rapid trigger requests.
		// If a trigger is already pending, subsequent triggers are skipped.
		manualTrigger: make(chan struct{}, 1),
		fullHistory:   make(chan struct{}, 1),
	}
}

// IsEnabled returns whether reconstruction is currently enabled.
func (rc *ReconstructController) IsEnabled() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.enabled
}

// SetEnabled sets whether reconstruction should run.
// If enabling, it also triggers an immediate run.
func (rc *ReconstructController) SetEnabled(enabled bool) {
	rc.mu.Lock()
	rc.enabled = enabled
	rc.mu.Unlock()

	if enabled {
		rc.TriggerManualRun()
	}
}

// TriggerManualRun triggers a manual run of the missed trip worker.
// This is non-blocking and safe to call multiple times.
func (rc *ReconstructController) TriggerManualRun() {
	select {
	case rc.manualTrigger <- struct{}{}:
	default:
		monitoring.Logf("reconstruction manual trigger skipped (already pending)")
	}
}

// TriggerFullHistoryRun triggers a full-history run of the missed trip worker.
// This is non-blocking and safe to call multiple times.
func (rc *ReconstructController) TriggerFullHistoryRun() {
	select {
	case rc.fullHistory <- struct{}{}:
	default:
		monitoring.Logf("reconstruction full-history trigger skipped (already pending)")
	}
}

// GetStatus returns the current status of the missed trip worker.
func (rc *ReconstructController) GetStatus() ReconstructStatus {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	status := ReconstructStatus{
		Enabled:    rc.enabled,
		LastRunAt:  rc.lastRunAt,
		RunCount:   rc.runCount,
		TripsTotal: rc.tripsTotal,
		IsHealthy:  true,
	}

	if rc.lastRunError != nil {
		status.LastRunError = rc.lastRunError.Error()
		status.IsHealthy = false
	}
	if rc.currentRun != nil {
		runCopy := *rc.currentRun
		status.CurrentRun = &runCopy
	}
	if rc.lastRun != nil {
		runCopy := *rc.lastRun
		status.LastRun = &runCopy
	}

	// Consider unhealthy if enabled but hasn't run in 2x the interval
	if rc.enabled && !rc.lastRunAt.IsZero() {
		expectedInterval := rc.worker.Interval * 2
		if time.Since(rc.lastRunAt) > expectedInterval {
			status.IsHealthy = false
		}
	}

	return status
}

func (rc *ReconstructController) startRun(trigger string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.currentRun = &ReconstructRunInfo{
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
}

func (rc *ReconstructController) finishRun(trips int, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := time.Now()
	if rc.currentRun == nil {
		rc.currentRun = &ReconstructRunInfo{
			Trigger:   "unknown",
			StartedAt: now,
		}
	}
	rc.currentRun.FinishedAt = now
	rc.currentRun.DurationMs = now.Sub(rc.currentRun.StartedAt).Milliseconds()
	rc.currentRun.Trips = trips
	if err != nil {
		rc.currentRun.Error = err.Error()
	}

	rc.lastRun = rc.currentRun
	rc.currentRun = nil

	rc.lastRunAt = now
	rc.lastRunError = err
	rc.runCount++
	rc.tripsTotal += int64(trips)
}

func (rc *ReconstructController) runOnce(ctx context.Context, trigger string) {
	rc.startRun(trigger)
	trips, err := rc.worker.RunOnce(ctx)
	rc.finishRun(trips, err)
	if err != nil {
		monitoring.Logf("reconstruction %s run error: %v", trigger, err)
	} else {
		monitoring.Debugf("reconstruction completed %s run (%d trips)", trigger, trips)
	}
}

// Run starts the reconstruction loop. This should be called in a goroutine.
// It runs periodically based on the worker's Interval, but only when
// enabled, and responds to manual triggers from the API. Every periodic tick
// also runs the retention sweep.
func (rc *ReconstructController) Run(ctx context.Context) error {
	ticker := time.NewTicker(rc.worker.Interval)
	defer ticker.Stop()
	monitoring.Logf("reconstruction loop started: enabled=%t interval=%s window=%s",
		rc.IsEnabled(), rc.worker.Interval, rc.worker.Window)

	// Run once immediately on startup if enabled
	if rc.IsEnabled() {
		rc.runOnce(ctx, "initial")
	}

	for {
		select {
		case <-ticker.C:
			if rc.IsEnabled() {
				rc.runOnce(ctx, "periodic")
			} else {
				monitoring.Debugf("reconstruction skipped (disabled): last_run_at=%v run_count=%d",
					rc.lastRunAt, rc.runCount)
			}
			if _, err := rc.worker.DB.RunRetentionSweep(ctx); err != nil {
				monitoring.Logf("retention sweep error: %v", err)
			}
		case <-rc.manualTrigger:
			if rc.IsEnabled() {
				rc.runOnce(ctx, "manual")
			} else {
				monitoring.Logf("reconstruction manual run skipped (disabled)")
			}
		case <-rc.fullHistory:
			if rc.IsEnabled() {
				monitoring.Logf("reconstruction full-history run triggered")
				rc.startRun("full-history")
				trips, err := rc.worker.RunFullHistory(ctx)
				rc.finishRun(trips, err)
				if err != nil {
					monitoring.Logf("reconstruction full-history run error: %v", err)
				}
			} else {
				monitoring.Logf("reconstruction full-history run skipped (disabled)")
			}
		case <-ctx.Done():
			monitoring.Logf("reconstruction loop terminated")
			return ctx.Err()
		}
	}
}
