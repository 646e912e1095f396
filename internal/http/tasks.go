package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/voicetodo/internal/service/task"
)

type createTaskRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	Due         string     `json:"due"`
	DueAt       *time.Time `json:"due_at"`
	Timezone    string     `json:"timezone"`
}

type updateTaskRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Priority    *string    `json:"priority"`
	Due         *string    `json:"due"`
	DueAt       *time.Time `json:"due_at"`
	ClearDue    bool       `json:"clear_due"`
	Completed   *bool      `json:"completed"`
	Timezone    string     `json:"timezone"`
}

func (r *Router) handleTasks(w http.ResponseWriter, req *http.Request) {
	if r.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	switch req.Method {
	case http.MethodGet:
		query := req.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		overdue, _ := strconv.ParseBool(query.Get("overdue"))
		tasks, err := r.tasks.List(req.Context(), task.ListInput{
			Status:  query.Get("status"),
			Limit:   limit,
			Overdue: overdue,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var payload createTaskRequest
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.tasks.Create(req.Context(), task.CreateInput{
			Title:       payload.Title,
			Description: payload.Description,
			Priority:    payload.Priority,
			Due:         payload.Due,
			DueAt:       payload.DueAt,
			Timezone:    payload.Timezone,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTaskSubroutes(w http.ResponseWriter, req *http.Request) {
	if r.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/tasks/"), "/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleTask(w, req, taskID)
	case len(parts) == 2 && parts[1] == "complete":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		done, err := r.tasks.Complete(req.Context(), taskID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, done)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleTask(w http.ResponseWriter, req *http.Request, taskID string) {
	switch req.Method {
	case http.MethodGet:
		found, err := r.tasks.Get(req.Context(), taskID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	case http.MethodPatch:
		var payload updateTaskRequest
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := r.tasks.Update(req.Context(), taskID, task.UpdateInput{
			Title:       payload.Title,
			Description: payload.Description,
			Priority:    payload.Priority,
			Due:         payload.Due,
			DueAt:       payload.DueAt,
			ClearDue:    payload.ClearDue,
			Completed:   payload.Completed,
			Timezone:    payload.Timezone,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := r.tasks.Delete(req.Context(), taskID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}
