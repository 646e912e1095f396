package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/voicetodo/internal/domain"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	maxBackoff         = 30 * time.Second
)

var (
	// ErrNotConfigured is returned when no dispatch API credentials are set.
	ErrNotConfigured = errors.New("agent: dispatch api not configured")
	// ErrDispatchUnavailable is returned when no dispatch could be secured for a room.
	ErrDispatchUnavailable = errors.New("agent: could not start voice session")
	// ErrInvalidRoom is returned for an empty room name.
	ErrInvalidRoom = errors.New("agent: room name required")
	// ErrNoAgent is returned when a room has no tracked dispatch.
	ErrNoAgent = errors.New("agent: no agent tracked for room")
	// ErrDispatchNotFound is returned by DispatchAPI implementations when the
	// external registry no longer knows the dispatch.
	ErrDispatchNotFound = errors.New("agent: dispatch not found")
)

// DispatchAPI is the external agent dispatch registry.
type DispatchAPI interface {
	CreateDispatch(ctx context.Context, room, agentName, metadata string) (domain.Dispatch, error)
	ListDispatches(ctx context.Context, room string) ([]domain.Dispatch, error)
	DeleteDispatch(ctx context.Context, dispatchID, room string) error
}

// EventPublisher receives lifecycle notifications.
type EventPublisher interface {
	Publish(event domain.Event)
}

// Options configures an Orchestrator.
type Options struct {
	AgentName   string
	MaxAttempts int
	Backoff     time.Duration
	Metrics     *Metrics
	Events      EventPublisher
}

// ConnectResult describes the dispatch serving a session.
type ConnectResult struct {
	DispatchID string `json:"dispatch_id"`
	Reused     bool   `json:"reused"`
}

// Status is the read-only view of a room's agent.
type Status struct {
	Room             string     `json:"room"`
	HasAgent         bool       `json:"has_agent"`
	DispatchID       string     `json:"dispatch_id,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	ParticipantCount *int       `json:"participant_count,omitempty"`
	TTLExpiresAt     *time.Time `json:"ttl_expires_at,omitempty"`
}

// Orchestrator decides on each connect whether to reuse or create a dispatch.
type Orchestrator struct {
	api         DispatchAPI
	tracker     *Tracker
	agentName   string
	maxAttempts int
	backoff     time.Duration
	metrics     *Metrics
	events      EventPublisher
	logger      *slog.Logger
	rooms       *roomLocks
}

// NewOrchestrator constructs an orchestrator. A nil api yields an orchestrator
// whose Connect fails with ErrNotConfigured.
func NewOrchestrator(api DispatchAPI, tracker *Tracker, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	agentName := strings.TrimSpace(opts.AgentName)
	if agentName == "" {
		agentName = "todo-agent"
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Orchestrator{
		api:         api,
		tracker:     tracker,
		agentName:   agentName,
		maxAttempts: attempts,
		backoff:     backoff,
		metrics:     opts.Metrics,
		events:      opts.Events,
		logger:      logger.With("component", "agent_orchestrator"),
		rooms:       newRoomLocks(),
	}
}

// Configured reports whether dispatch calls can be made.
func (o *Orchestrator) Configured() bool {
	return o != nil && o.api != nil
}

// AgentName returns the agent type this orchestrator dispatches.
func (o *Orchestrator) AgentName() string {
	return o.agentName
}

// Connect secures exactly one dispatch for room and reports whether an
// existing one was reused. The external registry is consulted on every call.
func (o *Orchestrator) Connect(ctx context.Context, room string, meta domain.SessionMetadata) (ConnectResult, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return ConnectResult{}, ErrInvalidRoom
	}
	if !o.Configured() {
		return ConnectResult{}, ErrNotConfigured
	}

	unlock, err := o.rooms.lock(ctx, room)
	if err != nil {
		return ConnectResult{}, err
	}
	defer unlock()

	dispatches, err := o.api.ListDispatches(ctx, room)
	if err != nil {
		o.metrics.recordConnect("failed")
		o.logger.Error("list dispatches failed", "room", room, "error", err)
		return ConnectResult{}, fmt.Errorf("%w: list dispatches: %v", ErrDispatchUnavailable, err)
	}
	dispatches = o.ownDispatches(dispatches)

	if len(dispatches) == 0 {
		return o.create(ctx, room, meta)
	}

	survivor := dispatches[0]
	if len(dispatches) > 1 {
		survivor = o.dedupe(ctx, room, dispatches)
	}
	return o.reuse(room, survivor), nil
}

func (o *Orchestrator) create(ctx context.Context, room string, meta domain.SessionMetadata) (ConnectResult, error) {
	metadata, err := encodeMetadata(meta)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("encode session metadata: %w", err)
	}

	attempt := 0
	dispatch, err := retry.DoValue(ctx, newCreateBackoff(o.backoff, o.maxAttempts), func(ctx context.Context) (domain.Dispatch, error) {
		attempt++
		d, err := o.api.CreateDispatch(ctx, room, o.agentName, metadata)
		if err != nil {
			o.logger.Warn("dispatch create attempt failed", "room", room, "attempt", attempt, "max_attempts", o.maxAttempts, "error", err)
			return domain.Dispatch{}, retry.RetryableError(err)
		}
		return d, nil
	})
	if err != nil {
		o.metrics.recordConnect("failed")
		o.logger.Error("dispatch create failed", "room", room, "attempts", attempt, "error", err)
		return ConnectResult{}, fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
	}
	if dispatch.ID == "" {
		o.metrics.recordConnect("failed")
		return ConnectResult{}, fmt.Errorf("%w: empty dispatch id", ErrDispatchUnavailable)
	}

	if stale := o.tracker.TrackActivity(dispatch.ID, room, o.agentName, 1); stale != "" {
		o.logger.Warn("replaced stale tracker entry", "room", room, "stale_dispatch_id", stale, "dispatch_id", dispatch.ID)
	}
	o.metrics.recordConnect("created")
	o.metrics.setTracked(o.tracker.Len())
	o.publish(domain.EventAgentDispatched, room, dispatch.ID)
	o.logger.Info("agent dispatched", "room", room, "dispatch_id", dispatch.ID, "attempts", attempt)
	return ConnectResult{DispatchID: dispatch.ID, Reused: false}, nil
}

// newCreateBackoff waits base, then doubles, allowing attempts calls in total.
func newCreateBackoff(base time.Duration, attempts int) retry.Backoff {
	return retry.WithMaxRetries(uint64(max(attempts-1, 0)), retry.WithCappedDuration(maxBackoff, retry.NewExponential(base)))
}

func (o *Orchestrator) reuse(room string, dispatch domain.Dispatch) ConnectResult {
	participants := 1
	if current, ok := o.tracker.GetActivityByDispatchID(dispatch.ID); ok && current.ParticipantCount > participants {
		participants = current.ParticipantCount
	}
	if stale := o.tracker.TrackActivity(dispatch.ID, room, o.agentName, participants); stale != "" {
		o.logger.Warn("replaced stale tracker entry", "room", room, "stale_dispatch_id", stale, "dispatch_id", dispatch.ID)
	}
	o.metrics.recordConnect("reused")
	o.metrics.setTracked(o.tracker.Len())
	o.publish(domain.EventAgentReused, room, dispatch.ID)
	o.logger.Info("agent reused", "room", room, "dispatch_id", dispatch.ID)
	return ConnectResult{DispatchID: dispatch.ID, Reused: true}
}

// dedupe keeps the most recently created dispatch and deletes the rest.
// Failed deletions are logged and otherwise ignored.
func (o *Orchestrator) dedupe(ctx context.Context, room string, dispatches []domain.Dispatch) domain.Dispatch {
	keep := latestDispatch(dispatches)
	removed := 0
	for _, d := range dispatches {
		if d.ID == keep.ID {
			continue
		}
		if err := o.api.DeleteDispatch(ctx, d.ID, room); err != nil && !errors.Is(err, ErrDispatchNotFound) {
			o.logger.Warn("failed to delete duplicate dispatch", "room", room, "dispatch_id", d.ID, "error", err)
			continue
		}
		o.tracker.RemoveAgent(d.ID)
		removed++
	}
	o.metrics.recordDuplicates(removed)
	o.logger.Warn("duplicate dispatches reconciled", "room", room, "found", len(dispatches), "removed", removed, "kept", keep.ID)
	return keep
}

// ParticipantJoined refreshes the room's dispatch and cancels pending cleanup.
func (o *Orchestrator) ParticipantJoined(room string, participants int) bool {
	activity, ok := o.tracker.GetActivity(room, o.agentName)
	if !ok {
		o.logger.Debug("participant joined untracked room", "room", room)
		return false
	}
	o.tracker.TrackActivity(activity.DispatchID, room, o.agentName, participants)
	return true
}

// ParticipantLeft updates the room's participant count and starts the grace
// period once nobody remains.
func (o *Orchestrator) ParticipantLeft(room string, remaining int) bool {
	activity, ok := o.tracker.GetActivity(room, o.agentName)
	if !ok {
		o.logger.Debug("participant left untracked room", "room", room)
		return false
	}
	if remaining > 0 {
		o.tracker.TrackActivity(activity.DispatchID, room, o.agentName, remaining)
		return true
	}
	return o.release(room, activity.DispatchID)
}

// RoomFinished starts the grace period once the transport closes the room.
func (o *Orchestrator) RoomFinished(room string) bool {
	activity, ok := o.tracker.GetActivity(room, o.agentName)
	if !ok {
		return false
	}
	return o.release(room, activity.DispatchID)
}

// Disconnect starts the grace period for room's dispatch.
func (o *Orchestrator) Disconnect(room string) (Status, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return Status{}, ErrInvalidRoom
	}
	activity, ok := o.tracker.GetActivity(room, o.agentName)
	if !ok {
		return Status{Room: room}, ErrNoAgent
	}
	o.release(room, activity.DispatchID)
	return o.Status(room), nil
}

func (o *Orchestrator) release(room, dispatchID string) bool {
	if !o.tracker.MarkForCleanup(dispatchID, o.tracker.DefaultTTL()) {
		return false
	}
	o.publish(domain.EventAgentReleased, room, dispatchID)
	return true
}

// Status reports the tracked dispatch for room.
func (o *Orchestrator) Status(room string) Status {
	status := Status{Room: room}
	activity, ok := o.tracker.GetActivity(room, o.agentName)
	if !ok {
		return status
	}
	createdAt := activity.CreatedAt
	lastActivity := activity.LastActivityAt
	participants := activity.ParticipantCount
	status.HasAgent = true
	status.DispatchID = activity.DispatchID
	status.CreatedAt = &createdAt
	status.LastActivityAt = &lastActivity
	status.ParticipantCount = &participants
	status.TTLExpiresAt = activity.TTLExpiresAt
	return status
}

func (o *Orchestrator) ownDispatches(all []domain.Dispatch) []domain.Dispatch {
	own := make([]domain.Dispatch, 0, len(all))
	for _, d := range all {
		if d.AgentName == "" || d.AgentName == o.agentName {
			own = append(own, d)
		}
	}
	return own
}

func (o *Orchestrator) publish(eventType, room, dispatchID string) {
	if o.events == nil {
		return
	}
	o.events.Publish(domain.Event{
		Type:       eventType,
		Room:       room,
		DispatchID: dispatchID,
		OccurredAt: time.Now().UTC(),
	})
}

// latestDispatch picks the dispatch with the newest creation time. Ties,
// including missing timestamps, go to the later list position.
func latestDispatch(dispatches []domain.Dispatch) domain.Dispatch {
	keep := dispatches[0]
	for _, d := range dispatches[1:] {
		if !d.CreatedAt.Before(keep.CreatedAt) {
			keep = d
		}
	}
	return keep
}

func encodeMetadata(meta domain.SessionMetadata) (string, error) {
	if meta == (domain.SessionMetadata{}) {
		return "", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// roomLocks serialises connects per room inside one process.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	sem  chan struct{}
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[string]*roomLock)}
}

func (l *roomLocks) lock(ctx context.Context, room string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.rooms[room]
	if !ok {
		entry = &roomLock{sem: make(chan struct{}, 1)}
		l.rooms[room] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.release(room, entry)
		}, nil
	case <-ctx.Done():
		l.release(room, entry)
		return nil, ctx.Err()
	}
}

func (l *roomLocks) release(room string, entry *roomLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.rooms, room)
	}
}
