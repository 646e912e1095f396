package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/splax/voicetodo/internal/domain"
	"github.com/splax/voicetodo/internal/service/task"
)

// Tool names understood by the executor.
const (
	ToolAddTask      = "add_task"
	ToolListTasks    = "list_tasks"
	ToolCompleteTask = "complete_task"
	ToolDeleteTask   = "delete_task"
	ToolUpdateTask   = "update_task"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// TaskService is the subset of the task service the tools drive.
type TaskService interface {
	Create(ctx context.Context, input task.CreateInput) (*domain.Task, error)
	List(ctx context.Context, input task.ListInput) ([]domain.Task, error)
	Update(ctx context.Context, id string, input task.UpdateInput) (*domain.Task, error)
	Complete(ctx context.Context, id string) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
	Resolve(ctx context.Context, ref string) (*domain.Task, error)
	Location(name string) (*time.Location, error)
}

// Executor turns function calls into task operations.
type Executor struct {
	tasks  TaskService
	logger *slog.Logger
}

// NewExecutor constructs a tool executor.
func NewExecutor(tasks TaskService, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{tasks: tasks, logger: logger.With("component", "tools")}
}

// Execute runs the named tool. timezone resolves relative due phrases and
// formats due dates in the result.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any, timezone string) (map[string]any, error) {
	loc, err := e.tasks.Location(timezone)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	switch strings.TrimSpace(name) {
	case ToolAddTask:
		result, err = e.addTask(ctx, args, timezone, loc)
	case ToolListTasks:
		result, err = e.listTasks(ctx, args, loc)
	case ToolCompleteTask:
		result, err = e.completeTask(ctx, args, loc)
	case ToolDeleteTask:
		result, err = e.deleteTask(ctx, args)
	case ToolUpdateTask:
		result, err = e.updateTask(ctx, args, timezone, loc)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err != nil {
		e.logger.Warn("tool call failed", "tool", name, "error", err)
		return nil, err
	}
	e.logger.Info("tool call executed", "tool", name)
	return result, nil
}

func (e *Executor) addTask(ctx context.Context, args map[string]any, timezone string, loc *time.Location) (map[string]any, error) {
	title, _ := stringArg(args, "title")
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArguments)
	}
	description, _ := stringArg(args, "description")
	priority, _ := stringArg(args, "priority")
	due, _ := stringArg(args, "due")
	created, err := e.tasks.Create(ctx, task.CreateInput{
		Title:       title,
		Description: description,
		Priority:    priority,
		Due:         due,
		Timezone:    timezone,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "task": taskView(*created, loc)}, nil
}

func (e *Executor) listTasks(ctx context.Context, args map[string]any, loc *time.Location) (map[string]any, error) {
	status, _ := stringArg(args, "status")
	if status == "" {
		status = task.StatusOpen
	}
	limit, _, err := intArg(args, "limit")
	if err != nil {
		return nil, err
	}
	overdue, _, err := boolArg(args, "overdue")
	if err != nil {
		return nil, err
	}
	tasks, err := e.tasks.List(ctx, task.ListInput{Status: status, Limit: limit, Overdue: overdue})
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView(t, loc))
	}
	return map[string]any{"ok": true, "count": len(views), "tasks": views}, nil
}

func (e *Executor) completeTask(ctx context.Context, args map[string]any, loc *time.Location) (map[string]any, error) {
	target, err := e.resolve(ctx, args)
	if err != nil {
		return nil, err
	}
	done, err := e.tasks.Complete(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "task": taskView(*done, loc)}, nil
}

func (e *Executor) deleteTask(ctx context.Context, args map[string]any) (map[string]any, error) {
	target, err := e.resolve(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := e.tasks.Delete(ctx, target.ID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "deleted": map[string]any{"id": target.ID, "title": target.Title}}, nil
}

func (e *Executor) updateTask(ctx context.Context, args map[string]any, timezone string, loc *time.Location) (map[string]any, error) {
	target, err := e.resolve(ctx, args)
	if err != nil {
		return nil, err
	}
	input := task.UpdateInput{Timezone: timezone}
	if v, ok := stringArg(args, "title"); ok {
		input.Title = &v
	}
	if v, ok := stringArg(args, "description"); ok {
		input.Description = &v
	}
	if v, ok := stringArg(args, "priority"); ok {
		input.Priority = &v
	}
	if v, ok := stringArg(args, "due"); ok {
		switch strings.ToLower(v) {
		case "", "none", "never":
			input.ClearDue = true
		default:
			input.Due = &v
		}
	}
	completed, ok, err := boolArg(args, "completed")
	if err != nil {
		return nil, err
	}
	if ok {
		input.Completed = &completed
	}
	updated, err := e.tasks.Update(ctx, target.ID, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "task": taskView(*updated, loc)}, nil
}

func (e *Executor) resolve(ctx context.Context, args map[string]any) (*domain.Task, error) {
	ref, _ := stringArg(args, "task")
	if ref == "" {
		ref, _ = stringArg(args, "id")
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidArguments)
	}
	return e.tasks.Resolve(ctx, ref)
}

func taskView(t domain.Task, loc *time.Location) map[string]any {
	view := map[string]any{
		"id":        t.ID,
		"title":     t.Title,
		"priority":  t.Priority,
		"completed": t.Completed,
	}
	if t.Description != "" {
		view["description"] = t.Description
	}
	if t.DueAt != nil {
		view["due_at"] = t.DueAt.In(loc).Format(time.RFC3339)
	}
	return view
}

func stringArg(args map[string]any, key string) (string, bool) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), true
	default:
		return strings.TrimSpace(fmt.Sprint(v)), true
	}
}

func intArg(args map[string]any, key string) (int, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false, fmt.Errorf("%w: %s must be a whole number", ErrInvalidArguments, key)
		}
		return int(v), true, nil
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s must be a number", ErrInvalidArguments, key)
		}
		return n, true, nil
	}
	return 0, false, fmt.Errorf("%w: %s must be a number", ErrInvalidArguments, key)
}

func boolArg(args map[string]any, key string) (bool, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return false, false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, true, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false, fmt.Errorf("%w: %s must be true or false", ErrInvalidArguments, key)
		}
		return b, true, nil
	}
	return false, false, fmt.Errorf("%w: %s must be true or false", ErrInvalidArguments, key)
}

// Declarations describes the tools to the model.
func Declarations() []*genai.FunctionDeclaration {
	priority := &genai.Schema{
		Type:        genai.TypeString,
		Description: "Task priority.",
		Enum:        []string{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh},
	}
	due := &genai.Schema{
		Type:        genai.TypeString,
		Description: "Due date as spoken, e.g. \"tomorrow\", \"next friday\", \"in 3 days\" or an ISO date.",
	}
	ref := &genai.Schema{
		Type:        genai.TypeString,
		Description: "The task id or the words the user used to name the task.",
	}
	return []*genai.FunctionDeclaration{
		{
			Name:        ToolAddTask,
			Description: "Add a task to the user's to-do list.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"title":       {Type: genai.TypeString, Description: "Short task title."},
					"description": {Type: genai.TypeString, Description: "Optional details."},
					"priority":    priority,
					"due":         due,
				},
				Required: []string{"title"},
			},
		},
		{
			Name:        ToolListTasks,
			Description: "List the user's tasks.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"status": {
						Type:        genai.TypeString,
						Description: "Which tasks to list. Defaults to open.",
						Enum:        []string{task.StatusAll, task.StatusOpen, task.StatusDone},
					},
					"overdue": {Type: genai.TypeBoolean, Description: "Only open tasks past their due date."},
					"limit":   {Type: genai.TypeInteger, Description: "Maximum number of tasks."},
				},
			},
		},
		{
			Name:        ToolCompleteTask,
			Description: "Mark a task as done.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{"task": ref},
				Required:   []string{"task"},
			},
		},
		{
			Name:        ToolDeleteTask,
			Description: "Remove a task from the list.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{"task": ref},
				Required:   []string{"task"},
			},
		},
		{
			Name:        ToolUpdateTask,
			Description: "Change a task's title, description, priority, due date or completion.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"task":        ref,
					"title":       {Type: genai.TypeString, Description: "New title."},
					"description": {Type: genai.TypeString, Description: "New details."},
					"priority":    priority,
					"due":         {Type: genai.TypeString, Description: "New due date, or \"none\" to clear it."},
					"completed":   {Type: genai.TypeBoolean, Description: "Set to false to reopen a task."},
				},
				Required: []string{"task"},
			},
		},
	}
}
