package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/splax/voicetodo/internal/domain"
)

const defaultAgentTTL = 300 * time.Second

// Tracker is the in-memory registry of dispatches this process knows about.
// At most one entry exists per (room, agent) pair.
type Tracker struct {
	mu         sync.Mutex
	entries    map[string]*domain.AgentActivity
	defaultTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewTracker constructs an empty tracker.
func NewTracker(defaultTTL time.Duration, logger *slog.Logger) *Tracker {
	if defaultTTL <= 0 {
		defaultTTL = defaultAgentTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries:    make(map[string]*domain.AgentActivity),
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "agent_tracker"),
		now:        time.Now,
	}
}

// DefaultTTL returns the grace period applied by MarkForCleanup when no ttl is given.
func (t *Tracker) DefaultTTL() time.Duration {
	return t.defaultTTL
}

// TrackActivity records activity for a dispatch. An existing entry is
// refreshed and any pending cleanup is cancelled. When a different dispatch
// already holds the same room and agent, that entry is replaced and its id
// returned for logging; callers only replace entries the external registry
// no longer lists.
func (t *Tracker) TrackActivity(dispatchID, room, agentName string, participants int) (replaced string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if entry, ok := t.entries[dispatchID]; ok {
		entry.LastActivityAt = now
		entry.ParticipantCount = participants
		cancelled := entry.TTLExpiresAt != nil
		entry.TTLExpiresAt = nil
		t.logger.Info("agent activity refreshed", "dispatch_id", dispatchID, "room", room, "participants", participants, "cleanup_cancelled", cancelled)
		return ""
	}

	for id, entry := range t.entries {
		if entry.RoomName == room && entry.AgentName == agentName {
			delete(t.entries, id)
			replaced = id
			t.logger.Warn("agent activity superseded", "dispatch_id", id, "room", room, "replacement", dispatchID)
			break
		}
	}

	t.entries[dispatchID] = &domain.AgentActivity{
		DispatchID:       dispatchID,
		RoomName:         room,
		AgentName:        agentName,
		CreatedAt:        now,
		LastActivityAt:   now,
		ParticipantCount: participants,
	}
	t.logger.Info("agent activity tracked", "dispatch_id", dispatchID, "room", room, "agent", agentName, "participants", participants)
	return replaced
}

// GetActivity returns the entry serving room for agentName.
func (t *Tracker) GetActivity(room, agentName string) (domain.AgentActivity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if entry.RoomName == room && entry.AgentName == agentName {
			return copyActivity(entry), true
		}
	}
	return domain.AgentActivity{}, false
}

// GetActivityByDispatchID looks an entry up by dispatch id.
func (t *Tracker) GetActivityByDispatchID(dispatchID string) (domain.AgentActivity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[dispatchID]
	if !ok {
		return domain.AgentActivity{}, false
	}
	return copyActivity(entry), true
}

// MarkForCleanup schedules the dispatch for deletion after ttl, or after the
// default TTL when ttl is not positive. Unknown dispatches are ignored.
func (t *Tracker) MarkForCleanup(dispatchID string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[dispatchID]
	if !ok {
		t.logger.Warn("mark for cleanup on unknown dispatch", "dispatch_id", dispatchID)
		return false
	}
	expires := t.now().Add(ttl)
	entry.TTLExpiresAt = &expires
	entry.ParticipantCount = 0
	t.logger.Info("agent marked for cleanup", "dispatch_id", dispatchID, "room", entry.RoomName, "expires_at", expires, "ttl", ttl)
	return true
}

// CancelCleanup clears a pending cleanup and refreshes the activity time.
func (t *Tracker) CancelCleanup(dispatchID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[dispatchID]
	if !ok {
		t.logger.Warn("cancel cleanup on unknown dispatch", "dispatch_id", dispatchID)
		return false
	}
	entry.TTLExpiresAt = nil
	entry.LastActivityAt = t.now()
	t.logger.Info("agent cleanup cancelled", "dispatch_id", dispatchID, "room", entry.RoomName)
	return true
}

// GetExpiredAgents returns entries whose cleanup deadline has passed. It does
// not mutate the tracker.
func (t *Tracker) GetExpiredAgents() []domain.AgentActivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	expired := make([]domain.AgentActivity, 0)
	for _, entry := range t.entries {
		if isExpired(entry, now) {
			expired = append(expired, copyActivity(entry))
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].TTLExpiresAt.Before(*expired[j].TTLExpiresAt)
	})
	return expired
}

// RemoveAgent deletes the entry unconditionally.
func (t *Tracker) RemoveAgent(dispatchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[dispatchID]
	if !ok {
		return
	}
	delete(t.entries, dispatchID)
	t.logger.Info("agent removed", "dispatch_id", dispatchID, "room", entry.RoomName)
}

// Snapshot returns every entry ordered by room then creation time.
func (t *Tracker) Snapshot() []domain.AgentActivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.AgentActivity, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, copyActivity(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomName != out[j].RoomName {
			return out[i].RoomName < out[j].RoomName
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActivityByRoom returns the entry for room regardless of agent name.
func (t *Tracker) ActivityByRoom(room string) (domain.AgentActivity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if entry.RoomName == room {
			return copyActivity(entry), true
		}
	}
	return domain.AgentActivity{}, false
}

// Len reports the number of tracked dispatches.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func isExpired(entry *domain.AgentActivity, now time.Time) bool {
	return entry.TTLExpiresAt != nil && !entry.TTLExpiresAt.After(now)
}

func copyActivity(entry *domain.AgentActivity) domain.AgentActivity {
	out := *entry
	if entry.TTLExpiresAt != nil {
		expires := *entry.TTLExpiresAt
		out.TTLExpiresAt = &expires
	}
	return out
}
