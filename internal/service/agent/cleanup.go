package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/voicetodo/internal/domain"
)

const (
	defaultCleanupInterval = 60 * time.Second
	cleanupTimeout         = 15 * time.Second
)

// CleanupOutcome classifies what a cleanup cycle did with one dispatch.
type CleanupOutcome string

// Cleanup outcomes.
const (
	OutcomeDeleted            CleanupOutcome = "deleted"
	OutcomeSkippedReactivated CleanupOutcome = "skipped_reactivated"
	OutcomeSkippedExtended    CleanupOutcome = "skipped_extended"
	OutcomeSkippedMissing     CleanupOutcome = "skipped_missing"
	OutcomeFailed             CleanupOutcome = "failed"
)

// CleanupResult is the outcome for a single expired dispatch.
type CleanupResult struct {
	DispatchID string
	Room       string
	Outcome    CleanupOutcome
	Err        error
}

// CleanupReport collects the per-dispatch results of one cycle.
type CleanupReport struct {
	StartedAt time.Time
	Results   []CleanupResult
}

// Count returns how many results had outcome.
func (r CleanupReport) Count(outcome CleanupOutcome) int {
	n := 0
	for _, result := range r.Results {
		if result.Outcome == outcome {
			n++
		}
	}
	return n
}

// CleanupOptions configures a CleanupWorker.
type CleanupOptions struct {
	Interval time.Duration
	Metrics  *Metrics
	Events   EventPublisher
}

// CleanupWorker periodically deletes dispatches whose grace period expired.
type CleanupWorker struct {
	api      DispatchAPI
	tracker  *Tracker
	interval time.Duration
	metrics  *Metrics
	events   EventPublisher
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCleanupWorker constructs a worker. A nil api disables it.
func NewCleanupWorker(api DispatchAPI, tracker *Tracker, opts CleanupOptions, logger *slog.Logger) *CleanupWorker {
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &CleanupWorker{
		api:      api,
		tracker:  tracker,
		interval: interval,
		metrics:  opts.Metrics,
		events:   opts.Events,
		logger:   logger.With("component", "agent_cleanup"),
	}
}

// Enabled reports whether the worker has a dispatch API to call.
func (w *CleanupWorker) Enabled() bool {
	return w != nil && w.api != nil
}

// Start launches the cleanup loop. It returns false when the worker is
// disabled or already running.
func (w *CleanupWorker) Start(ctx context.Context) bool {
	if !w.Enabled() {
		if w != nil {
			w.logger.Warn("cleanup worker disabled: dispatch api not configured")
		}
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Info("cleanup worker already running")
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, w.done)
	return true
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (w *CleanupWorker) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *CleanupWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("cleanup worker started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			w.runIteration(ctx)
		}
	}
}

func (w *CleanupWorker) runIteration(parent context.Context) CleanupReport {
	timeout := cleanupTimeout
	if w.interval > 0 && w.interval < timeout {
		timeout = w.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return w.RunOnce(opCtx)
}

// RunOnce performs a single cleanup cycle. Each expired dispatch is
// re-checked against the tracker before it is deleted; a failed deletion
// leaves the entry in place for the next cycle.
func (w *CleanupWorker) RunOnce(ctx context.Context) CleanupReport {
	report := CleanupReport{StartedAt: w.tracker.now()}
	if !w.Enabled() {
		return report
	}

	expired := w.tracker.GetExpiredAgents()
	for _, candidate := range expired {
		if ctx.Err() != nil {
			break
		}
		report.Results = append(report.Results, w.reclaim(ctx, candidate))
	}

	w.metrics.recordCleanup(report)
	w.metrics.setTracked(w.tracker.Len())
	if len(report.Results) > 0 {
		w.logger.Info("cleanup cycle finished",
			"expired", len(expired),
			"deleted", report.Count(OutcomeDeleted),
			"skipped", report.Count(OutcomeSkippedReactivated)+report.Count(OutcomeSkippedExtended)+report.Count(OutcomeSkippedMissing),
			"failed", report.Count(OutcomeFailed),
		)
	}
	return report
}

func (w *CleanupWorker) reclaim(ctx context.Context, candidate domain.AgentActivity) CleanupResult {
	result := CleanupResult{DispatchID: candidate.DispatchID, Room: candidate.RoomName}

	current, ok := w.tracker.GetActivityByDispatchID(candidate.DispatchID)
	switch {
	case !ok:
		result.Outcome = OutcomeSkippedMissing
		return result
	case current.TTLExpiresAt == nil:
		result.Outcome = OutcomeSkippedReactivated
		w.logger.Info("skipping reactivated agent", "dispatch_id", candidate.DispatchID, "room", candidate.RoomName)
		return result
	case current.TTLExpiresAt.After(w.tracker.now()):
		result.Outcome = OutcomeSkippedExtended
		w.logger.Info("skipping agent with extended ttl", "dispatch_id", candidate.DispatchID, "room", candidate.RoomName, "expires_at", *current.TTLExpiresAt)
		return result
	}

	err := w.api.DeleteDispatch(ctx, candidate.DispatchID, candidate.RoomName)
	if err != nil && !errors.Is(err, ErrDispatchNotFound) {
		result.Outcome = OutcomeFailed
		result.Err = err
		w.logger.Warn("failed to delete expired dispatch", "dispatch_id", candidate.DispatchID, "room", candidate.RoomName, "error", err)
		return result
	}

	w.tracker.RemoveAgent(candidate.DispatchID)
	result.Outcome = OutcomeDeleted
	if w.events != nil {
		w.events.Publish(domain.Event{
			Type:       domain.EventAgentReclaimed,
			Room:       candidate.RoomName,
			DispatchID: candidate.DispatchID,
			OccurredAt: time.Now().UTC(),
		})
	}
	w.logger.Info("expired agent reclaimed", "dispatch_id", candidate.DispatchID, "room", candidate.RoomName)
	return result
}
