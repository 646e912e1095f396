package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/splax/voicetodo/internal/domain"
	"github.com/splax/voicetodo/internal/repository"
)

const maxTitleLength = 500

var (
	ErrInvalidTitle    = errors.New("task title is required")
	ErrTitleTooLong    = fmt.Errorf("task title must be at most %d characters", maxTitleLength)
	ErrInvalidPriority = errors.New("priority must be low, medium or high")
	ErrInvalidStatus   = errors.New("status must be all, open or done")
	ErrMissingTaskID   = errors.New("task id required")
	ErrInvalidTimezone = errors.New("unknown timezone")
	// ErrAmbiguousTask is returned when a reference matches several tasks.
	ErrAmbiguousTask = errors.New("more than one task matches")
)

// Status filters for List.
const (
	StatusAll  = "all"
	StatusOpen = "open"
	StatusDone = "done"
)

// EventPublisher receives task change notifications.
type EventPublisher interface {
	Publish(event domain.Event)
}

// CreateInput encapsulates task creation attributes.
type CreateInput struct {
	Title       string
	Description string
	Priority    string
	// Due is a phrase such as "tomorrow" or an ISO date, resolved in Timezone.
	Due      string
	DueAt    *time.Time
	Timezone string
}

// UpdateInput carries optional task changes.
type UpdateInput struct {
	Title       *string
	Description *string
	Priority    *string
	Due         *string
	DueAt       *time.Time
	ClearDue    bool
	Completed   *bool
	Timezone    string
}

// ListInput narrows List results.
type ListInput struct {
	Status  string
	Limit   int
	Overdue bool
}

// AmbiguousError lists the tasks a reference matched.
type AmbiguousError struct {
	Reference string
	Matches   []domain.Task
}

func (e *AmbiguousError) Error() string {
	titles := make([]string, 0, len(e.Matches))
	for _, m := range e.Matches {
		titles = append(titles, fmt.Sprintf("%q", m.Title))
	}
	return fmt.Sprintf("%q matches %d tasks: %s", e.Reference, len(e.Matches), strings.Join(titles, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguousTask }

// Service implements task management.
type Service struct {
	tasks      repository.TaskRepository
	events     EventPublisher
	logger     *slog.Logger
	defaultLoc *time.Location
	now        func() time.Time
}

// New returns a task service. defaultTimezone applies when a request names none.
func New(tasks repository.TaskRepository, events EventPublisher, logger *slog.Logger, defaultTimezone string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(strings.TrimSpace(defaultTimezone))
	if err != nil {
		logger.Warn("unknown default timezone, using UTC", "timezone", defaultTimezone, "error", err)
		loc = time.UTC
	}
	return &Service{
		tasks:      tasks,
		events:     events,
		logger:     logger.With("component", "tasks"),
		defaultLoc: loc,
		now:        time.Now,
	}
}

// Create validates and stores a new task.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Task, error) {
	title, err := normalizeTitle(input.Title)
	if err != nil {
		return nil, err
	}
	priority, err := normalizePriority(input.Priority)
	if err != nil {
		return nil, err
	}
	dueAt := input.DueAt
	if dueAt == nil && strings.TrimSpace(input.Due) != "" {
		resolved, err := s.resolveDue(input.Due, input.Timezone)
		if err != nil {
			return nil, err
		}
		dueAt = &resolved
	}

	now := s.now().UTC()
	task := &domain.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Priority:    priority,
		DueAt:       utcPtr(dueAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", task.ID, "priority", task.Priority, "has_due", task.DueAt != nil)
	s.publish(domain.EventTaskCreated, task)
	return task, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrMissingTaskID
	}
	return s.tasks.GetTaskByID(ctx, id)
}

// List returns tasks filtered by status.
func (s *Service) List(ctx context.Context, input ListInput) ([]domain.Task, error) {
	filter := domain.TaskFilter{Limit: input.Limit}
	switch strings.ToLower(strings.TrimSpace(input.Status)) {
	case "", StatusAll:
	case StatusOpen, "pending", "todo":
		open := false
		filter.Completed = &open
	case StatusDone, "completed":
		done := true
		filter.Completed = &done
	default:
		return nil, ErrInvalidStatus
	}
	if input.Overdue {
		now := s.now().UTC()
		open := false
		filter.Completed = &open
		filter.DueBefore = &now
	}
	return s.tasks.ListTasks(ctx, filter)
}

// Update applies the non-nil fields of input.
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (*domain.Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.Title != nil {
		title, err := normalizeTitle(*input.Title)
		if err != nil {
			return nil, err
		}
		task.Title = title
	}
	if input.Description != nil {
		task.Description = strings.TrimSpace(*input.Description)
	}
	if input.Priority != nil {
		priority, err := normalizePriority(*input.Priority)
		if err != nil {
			return nil, err
		}
		task.Priority = priority
	}
	switch {
	case input.ClearDue:
		task.DueAt = nil
	case input.DueAt != nil:
		task.DueAt = utcPtr(input.DueAt)
	case input.Due != nil && strings.TrimSpace(*input.Due) != "":
		resolved, err := s.resolveDue(*input.Due, input.Timezone)
		if err != nil {
			return nil, err
		}
		task.DueAt = utcPtr(&resolved)
	}

	now := s.now().UTC()
	if input.Completed != nil {
		setCompleted(task, *input.Completed, now)
	}
	task.UpdatedAt = now
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task updated", "task_id", task.ID, "completed", task.Completed)
	s.publish(domain.EventTaskUpdated, task)
	return task, nil
}

// Complete marks the task done.
func (s *Service) Complete(ctx context.Context, id string) (*domain.Task, error) {
	done := true
	return s.Update(ctx, id, UpdateInput{Completed: &done})
}

// Delete removes a task.
func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrMissingTaskID
	}
	if err := s.tasks.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	if s.events != nil {
		s.events.Publish(domain.Event{Type: domain.EventTaskDeleted, TaskID: id, OccurredAt: s.now().UTC()})
	}
	return nil
}

// Resolve finds a task from an id or a title fragment as spoken by a user.
// An exact (case-insensitive) title match wins over partial matches.
func (s *Service) Resolve(ctx context.Context, ref string) (*domain.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrMissingTaskID
	}
	if _, err := uuid.Parse(ref); err == nil {
		return s.tasks.GetTaskByID(ctx, ref)
	}

	matches, err := s.tasks.FindTasksByTitle(ctx, ref, 10)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, repository.ErrNotFound
	case 1:
		return &matches[0], nil
	}
	var exact, open []domain.Task
	for _, m := range matches {
		if strings.EqualFold(m.Title, ref) {
			exact = append(exact, m)
		}
		if !m.Completed {
			open = append(open, m)
		}
	}
	if len(exact) == 1 {
		return &exact[0], nil
	}
	if len(open) == 1 {
		return &open[0], nil
	}
	return nil, &AmbiguousError{Reference: ref, Matches: matches}
}

// Location returns the named timezone or the service default.
func (s *Service) Location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return s.defaultLoc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, name)
	}
	return loc, nil
}

func (s *Service) resolveDue(phrase, timezone string) (time.Time, error) {
	loc, err := s.Location(timezone)
	if err != nil {
		return time.Time{}, err
	}
	return ParseDue(phrase, s.now(), loc)
}

func (s *Service) publish(eventType string, task *domain.Task) {
	if s.events == nil {
		return
	}
	copied := *task
	s.events.Publish(domain.Event{
		Type:       eventType,
		Task:       &copied,
		TaskID:     task.ID,
		OccurredAt: s.now().UTC(),
	})
}

func setCompleted(task *domain.Task, completed bool, now time.Time) {
	if task.Completed == completed {
		return
	}
	task.Completed = completed
	if completed {
		task.CompletedAt = &now
	} else {
		task.CompletedAt = nil
	}
}

func normalizeTitle(title string) (string, error) {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return "", ErrInvalidTitle
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", ErrTitleTooLong
	}
	return title, nil
}

func normalizePriority(priority string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "":
		return domain.PriorityMedium, nil
	case domain.PriorityLow:
		return domain.PriorityLow, nil
	case domain.PriorityMedium, "normal":
		return domain.PriorityMedium, nil
	case domain.PriorityHigh, "urgent", "important":
		return domain.PriorityHigh, nil
	default:
		return "", ErrInvalidPriority
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
