package domain

import "time"

// Event types broadcast to live subscribers.
const (
	EventTaskCreated     = "task.created"
	EventTaskUpdated     = "task.updated"
	EventTaskDeleted     = "task.deleted"
	EventAgentDispatched = "agent.dispatched"
	EventAgentReused     = "agent.reused"
	EventAgentReleased   = "agent.released"
	EventAgentReclaimed  = "agent.reclaimed"
)

// Event is a notification pushed to websocket and SSE clients.
type Event struct {
	Type       string    `json:"type"`
	Room       string    `json:"room,omitempty"`
	DispatchID string    `json:"dispatch_id,omitempty"`
	Task       *Task     `json:"task,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
