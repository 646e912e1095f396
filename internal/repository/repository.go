package repository

import (
	"context"

	"github.com/splax/voicetodo/internal/domain"
)

// TaskRepository persists to-do items.
type TaskRepository interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTaskByID(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	UpdateTask(ctx context.Context, task *domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	// FindTasksByTitle returns tasks whose title contains query, case-insensitively.
	FindTasksByTitle(ctx context.Context, query string, limit int) ([]domain.Task, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
