package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/voicetodo/internal/domain"
	"github.com/splax/voicetodo/internal/repository"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.TaskRepository = (*Repository)(nil)
	_ repository.HealthChecker  = (*Repository)(nil)
)

const taskColumns = `id, title, description, priority, completed, due_at, created_at, updated_at, completed_at`

// Ping verifies the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateTask inserts a task.
func (r *Repository) CreateTask(ctx context.Context, task *domain.Task) error {
	if task == nil {
		return fmt.Errorf("task required")
	}
	const query = `INSERT INTO tasks (id, title, description, priority, completed, due_at, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		task.Priority,
		task.Completed,
		timePtrToNil(task.DueAt),
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
		timePtrToNil(task.CompletedAt),
	)
	return translateError(err)
}

// GetTaskByID fetches a task by identifier.
func (r *Repository) GetTaskByID(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter. Open tasks come first, then by due
// date, then newest.
func (r *Repository) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Completed != nil {
		args = append(args, *filter.Completed)
		clauses = append(clauses, fmt.Sprintf("completed = $%d", len(args)))
	}
	if filter.DueBefore != nil {
		args = append(args, filter.DueBefore.UTC())
		clauses = append(clauses, fmt.Sprintf("due_at IS NOT NULL AND due_at < $%d", len(args)))
	}
	args = append(args, clampLimit(filter.Limit))

	var b strings.Builder
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY completed ASC, due_at ASC NULLS LAST, created_at DESC LIMIT $%d", len(args))

	return r.queryTasks(ctx, b.String(), args...)
}

// FindTasksByTitle returns tasks whose title contains query.
func (r *Repository) FindTasksByTitle(ctx context.Context, query string, limit int) ([]domain.Task, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	stmt := `SELECT ` + taskColumns + ` FROM tasks
		WHERE title ILIKE $1
		ORDER BY completed ASC, created_at DESC
		LIMIT $2`
	return r.queryTasks(ctx, stmt, pattern, clampLimit(limit))
}

// UpdateTask overwrites the mutable task columns.
func (r *Repository) UpdateTask(ctx context.Context, task *domain.Task) error {
	if task == nil {
		return fmt.Errorf("task required")
	}
	const query = `UPDATE tasks
		SET title = $2,
			description = $3,
			priority = $4,
			completed = $5,
			due_at = $6,
			completed_at = $7,
			updated_at = $8
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		task.Priority,
		task.Completed,
		timePtrToNil(task.DueAt),
		timePtrToNil(task.CompletedAt),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteTask removes a task record.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	const query = `DELETE FROM tasks WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t           domain.Task
		dueAt       *time.Time
		completedAt *time.Time
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Completed, &dueAt, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.DueAt = dueAt
	t.CompletedAt = completedAt
	return &t, nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "22P02", "23505", "23502":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
