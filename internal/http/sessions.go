package httpx

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/voicetodo/internal/domain"
	livekitx "github.com/splax/voicetodo/internal/livekit"
	"github.com/splax/voicetodo/internal/service/agent"
	pkgjwt "github.com/splax/voicetodo/pkg/jwt"
)

const sessionUnavailableMessage = "could not start voice session, please retry"

type connectRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Client   string `json:"client"`
}

type connectResponse struct {
	Room       string `json:"room"`
	Identity   string `json:"identity"`
	DispatchID string `json:"dispatch_id"`
	Reused     bool   `json:"reused"`
	Token      string `json:"token"`
	URL        string `json:"url"`
}

func (r *Router) handleSessionConnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.sessions == nil || !r.sessions.Configured() {
		writeError(w, http.StatusServiceUnavailable, "voice sessions are not configured")
		return
	}
	var payload connectRequest
	if err := decodeJSON(w, req, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	room := strings.TrimSpace(payload.Room)
	if room == "" {
		room = "todo-" + shortID()
	}
	identity := strings.TrimSpace(payload.Identity)
	if identity == "" {
		identity = "user-" + shortID()
	}
	timezone := strings.TrimSpace(payload.Timezone)
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			writeError(w, http.StatusBadRequest, "unknown timezone")
			return
		}
	}

	result, err := r.sessions.Connect(req.Context(), room, domain.SessionMetadata{
		Timezone:    timezone,
		Participant: identity,
		Client:      strings.TrimSpace(payload.Client),
	})
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrInvalidRoom):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			r.logger.Warn("voice session connect failed", "room", room, "error", err)
			writeError(w, http.StatusServiceUnavailable, sessionUnavailableMessage)
		}
		return
	}

	token, err := pkgjwt.GenerateRoomToken(pkgjwt.RoomTokenInput{
		APIKey:    r.session.APIKey,
		APISecret: r.session.APISecret,
		Room:      room,
		Identity:  identity,
		Name:      strings.TrimSpace(payload.Name),
		TTL:       r.session.TokenTTL,
	})
	if err != nil {
		r.logger.Error("room token generation failed", "room", room, "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue room token")
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{
		Room:       room,
		Identity:   identity,
		DispatchID: result.DispatchID,
		Reused:     result.Reused,
		Token:      token,
		URL:        r.session.LiveKitURL,
	})
}

func (r *Router) handleSessionSubroutes(w http.ResponseWriter, req *http.Request) {
	if r.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "voice sessions are not configured")
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/sessions/"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	room := parts[0]
	switch parts[1] {
	case "disconnect":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		status, err := r.sessions.Disconnect(room)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case "status":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, r.sessions.Status(room))
	default:
		r.notFound(w)
	}
}

func (r *Router) handleLiveKitWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks are not configured")
		return
	}
	event, err := r.webhooks.Receive(req)
	if err != nil {
		if errors.Is(err, livekitx.ErrWebhookNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		r.logger.Warn("webhook rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received", "event": event.GetEvent()})
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
