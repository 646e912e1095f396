package events

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/voicetodo/internal/domain"
	"github.com/splax/voicetodo/internal/ws"
)

// Stream topics.
const (
	TopicAll    = "all"
	TopicTasks  = "tasks"
	TopicAgents = "agents"
	roomPrefix  = "room:"
)

// Service publishes lifecycle events to streaming clients.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs an event service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{hub: hub, logger: logger.With("component", "events")}
}

// Publish broadcasts event to the catch-all topic, its kind topic and, for
// agent events, the room topic.
func (s Service) Publish(event domain.Event) {
	if s.hub == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := MarshalEvent(event)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "type", event.Type, "error", err)
		return
	}
	for _, topic := range Topics(event) {
		if !s.hub.Broadcast(topic, data) {
			s.logger.Warn("event dropped", "type", event.Type, "topic", topic)
		}
	}
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// Topics lists the topics event is delivered to.
func Topics(event domain.Event) []string {
	topics := []string{TopicAll}
	switch {
	case strings.HasPrefix(event.Type, "task."):
		topics = append(topics, TopicTasks)
	case strings.HasPrefix(event.Type, "agent."):
		topics = append(topics, TopicAgents)
	}
	if event.Room != "" {
		topics = append(topics, RoomTopic(event.Room))
	}
	return topics
}

// RoomTopic returns the topic carrying one room's agent events.
func RoomTopic(room string) string {
	return roomPrefix + room
}

// NormalizeTopic maps a client-supplied topic to a known one.
func NormalizeTopic(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return TopicAll
	case raw == TopicAll, raw == TopicTasks, raw == TopicAgents:
		return raw
	case strings.HasPrefix(raw, roomPrefix) && len(raw) > len(roomPrefix):
		return raw
	default:
		return ""
	}
}

// MarshalEvent formats an event for streaming payloads.
func MarshalEvent(event domain.Event) ([]byte, error) {
	event.OccurredAt = event.OccurredAt.UTC()
	return json.Marshal(event)
}
