package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/voicetodo/internal/repository"
	"github.com/splax/voicetodo/internal/service/agent"
	"github.com/splax/voicetodo/internal/service/assistant"
	"github.com/splax/voicetodo/internal/service/task"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string   `json:"error"`
	Matches []string `json:"matches,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(dst)
}

// serviceErrorStatus lists the caller-facing service errors by HTTP status.
// Anything not listed is a 500.
var serviceErrorStatus = []struct {
	status int
	errs   []error
}{
	{http.StatusNotFound, []error{
		repository.ErrNotFound,
		assistant.ErrUnknownTool,
		agent.ErrNoAgent,
	}},
	{http.StatusBadRequest, []error{
		task.ErrInvalidTitle,
		task.ErrTitleTooLong,
		task.ErrInvalidPriority,
		task.ErrInvalidStatus,
		task.ErrMissingTaskID,
		task.ErrInvalidTimezone,
		task.ErrInvalidDueDate,
		repository.ErrInvalidArgument,
		assistant.ErrInvalidArguments,
		assistant.ErrEmptyCommand,
		agent.ErrInvalidRoom,
	}},
	{http.StatusServiceUnavailable, []error{
		assistant.ErrNotConfigured,
		agent.ErrNotConfigured,
	}},
}

func statusForError(err error) (int, bool) {
	for _, group := range serviceErrorStatus {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.status, true
			}
		}
	}
	return http.StatusInternalServerError, false
}

// writeServiceError maps service errors onto HTTP statuses. An ambiguous task
// reference becomes a 409 carrying the candidate titles.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var ambiguous *task.AmbiguousError
	if errors.As(err, &ambiguous) {
		titles := make([]string, 0, len(ambiguous.Matches))
		for _, m := range ambiguous.Matches {
			titles = append(titles, m.Title)
		}
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Matches: titles})
		return
	}
	status, known := statusForError(err)
	if !known {
		r.logger.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
