package httpx

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/splax/voicetodo/internal/service/assistant"
)

type commandRequest struct {
	Text     string `json:"text"`
	Timezone string `json:"timezone"`
}

type toolRequest struct {
	Args     map[string]any `json:"args"`
	Timezone string         `json:"timezone"`
}

func (r *Router) handleAssistantCommand(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, assistant.ErrNotConfigured.Error())
		return
	}
	var payload commandRequest
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.assistant.Command(req.Context(), assistant.CommandInput{
		Text:     payload.Text,
		Timezone: payload.Timezone,
	})
	if err != nil {
		if errors.Is(err, assistant.ErrToolLoop) && result != nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
		if _, known := statusForError(err); known {
			r.writeServiceError(w, err)
			return
		}
		r.logger.Warn("assistant command failed", "error", err)
		writeError(w, http.StatusBadGateway, "assistant unavailable, please retry")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleAssistantTool(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.tools == nil {
		writeError(w, http.StatusServiceUnavailable, "tools unavailable")
		return
	}
	name := strings.Trim(strings.TrimPrefix(req.URL.Path, "/assistant/tools/"), "/")
	if name == "" || strings.Contains(name, "/") {
		r.notFound(w)
		return
	}
	var payload toolRequest
	if err := decodeJSON(w, req, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.tools.Execute(req.Context(), name, payload.Args, payload.Timezone)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": name, "result": result})
}
