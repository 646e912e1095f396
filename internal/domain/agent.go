package domain

import "time"

// AgentActivity records the liveness of one voice-agent dispatch.
type AgentActivity struct {
	DispatchID       string
	RoomName         string
	AgentName        string
	CreatedAt        time.Time
	LastActivityAt   time.Time
	ParticipantCount int
	// TTLExpiresAt is nil while the dispatch is in use.
	TTLExpiresAt *time.Time
}

// Dispatch is the external registry's view of an agent assignment.
type Dispatch struct {
	ID        string
	AgentName string
	Room      string
	Metadata  string
	CreatedAt time.Time
}

// SessionMetadata is serialised into the dispatch metadata for the agent worker.
type SessionMetadata struct {
	Timezone    string `json:"timezone,omitempty"`
	Participant string `json:"participant,omitempty"`
	Client      string `json:"client,omitempty"`
}
