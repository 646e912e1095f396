package livekitx

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
)

// Webhook event names handled by the receiver.
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventRoomFinished      = "room_finished"
)

// ErrWebhookNotConfigured indicates no api key/secret was provided.
var ErrWebhookNotConfigured = errors.New("livekit: webhook verification keys not configured")

// RoomLifecycle receives participant presence changes.
type RoomLifecycle interface {
	ParticipantJoined(room string, participants int) bool
	ParticipantLeft(room string, remaining int) bool
	RoomFinished(room string) bool
}

// WebhookReceiver verifies LiveKit webhooks and forwards presence changes.
// Counts cover human participants only. The room snapshot carried by the
// event is authoritative; identities seen by this process are the fallback
// when the snapshot has no participant count.
type WebhookReceiver struct {
	provider auth.KeyProvider
	target   RoomLifecycle
	logger   *slog.Logger

	mu     sync.Mutex
	rooms  map[string]map[string]struct{}
	agents map[string]map[string]struct{}
}

// NewWebhookReceiver constructs a receiver. Without credentials Receive
// rejects every request.
func NewWebhookReceiver(apiKey, apiSecret string, target RoomLifecycle, logger *slog.Logger) *WebhookReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	var provider auth.KeyProvider
	if apiKey != "" && apiSecret != "" {
		provider = auth.NewSimpleKeyProvider(apiKey, apiSecret)
	}
	return &WebhookReceiver{
		provider: provider,
		target:   target,
		logger:   logger.With("component", "livekit_webhook"),
		rooms:    make(map[string]map[string]struct{}),
		agents:   make(map[string]map[string]struct{}),
	}
}

// Receive validates the signed request and applies the event.
func (w *WebhookReceiver) Receive(r *http.Request) (*livekit.WebhookEvent, error) {
	if w.provider == nil {
		return nil, ErrWebhookNotConfigured
	}
	event, err := webhook.ReceiveWebhookEvent(r, w.provider)
	if err != nil {
		return nil, err
	}
	w.Apply(event)
	return event, nil
}

// Apply updates presence for a verified event. It reports whether the event
// changed dispatch state.
func (w *WebhookReceiver) Apply(event *livekit.WebhookEvent) bool {
	room := event.GetRoom().GetName()
	if room == "" {
		return false
	}
	participant := event.GetParticipant()

	switch event.GetEvent() {
	case EventParticipantJoined:
		if isAgent(participant) {
			w.mu.Lock()
			add(w.agents, room, participant.GetIdentity())
			w.mu.Unlock()
			return false
		}
		count := w.join(room, participant.GetIdentity(), event.GetRoom())
		w.logger.Info("participant joined", "room", room, "identity", participant.GetIdentity(), "participants", count)
		return w.target.ParticipantJoined(room, count)
	case EventParticipantLeft:
		if isAgent(participant) {
			w.mu.Lock()
			remove(w.agents, room, participant.GetIdentity())
			w.mu.Unlock()
			return false
		}
		remaining := w.leave(room, participant.GetIdentity(), event.GetRoom())
		w.logger.Info("participant left", "room", room, "identity", participant.GetIdentity(), "remaining", remaining)
		return w.target.ParticipantLeft(room, remaining)
	case EventRoomFinished:
		w.mu.Lock()
		delete(w.rooms, room)
		delete(w.agents, room)
		w.mu.Unlock()
		w.logger.Info("room finished", "room", room)
		return w.target.RoomFinished(room)
	default:
		return false
	}
}

func (w *WebhookReceiver) join(room, identity string, info *livekit.Room) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.humansLocked(room, info, add(w.rooms, room, identity))
}

func (w *WebhookReceiver) leave(room, identity string, info *livekit.Room) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.humansLocked(room, info, remove(w.rooms, room, identity))
}

// humansLocked prefers the snapshot count minus known agents over the
// locally observed identities, which miss joins from before a restart.
func (w *WebhookReceiver) humansLocked(room string, info *livekit.Room, seen int) int {
	total := int(info.GetNumParticipants())
	if total == 0 {
		return seen
	}
	return max(total-len(w.agents[room]), 0)
}

func add(set map[string]map[string]struct{}, room, identity string) int {
	members, ok := set[room]
	if !ok {
		members = make(map[string]struct{})
		set[room] = members
	}
	members[identity] = struct{}{}
	return len(members)
}

func remove(set map[string]map[string]struct{}, room, identity string) int {
	members, ok := set[room]
	if !ok {
		return 0
	}
	delete(members, identity)
	if len(members) == 0 {
		delete(set, room)
		return 0
	}
	return len(members)
}

func isAgent(p *livekit.ParticipantInfo) bool {
	return p.GetKind() == livekit.ParticipantInfo_AGENT
}
