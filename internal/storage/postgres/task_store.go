package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// TaskStore persists tasks in Postgres. It assumes a table schema like:
//
//	CREATE TABLE tasks (
//		id UUID PRIMARY KEY,
//		source_id UUID NOT NULL REFERENCES sources(id),
//		status TEXT NOT NULL,
//		scheduled_at TIMESTAMPTZ NOT NULL,
//		started_at TIMESTAMPTZ,
//		completed_at TIMESTAMPTZ,
//		fetched INT NOT NULL DEFAULT 0,
//		parsed INT NOT NULL DEFAULT 0,
//		stored INT NOT NULL DEFAULT 0,
//		error_message TEXT,
//		error_stack TEXT,
//		capture_uri TEXT
//	);
type TaskStore struct {
	pool dbPool
}

// NewTaskStore constructs a store over an existing pool.
func NewTaskStore(pool dbPool) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: pool}, nil
}

const taskColumns = `id, source_id, status, scheduled_at, started_at, completed_at,
	fetched, parsed, stored, error_message, error_stack, capture_uri`

// Create inserts a new task row. The optional columns matter for tasks
// born terminal, like the synthetic failed task a recovery probe records:
// its completion time and failure reason must survive the insert.
func (s *TaskStore) Create(ctx context.Context, task harvest.Task) error {
	query := fmt.Sprintf(`
		INSERT INTO tasks (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, taskColumns)
	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.SourceID,
		string(task.Status),
		task.ScheduledAt,
		task.StartedAt,
		task.CompletedAt,
		task.Fetched,
		task.Parsed,
		task.Stored,
		nullIfEmpty(task.ErrorMessage),
		nullIfEmpty(task.ErrorStack),
		nullIfEmpty(task.CaptureURI),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// nullIfEmpty maps "" to SQL NULL so empty optional fields round-trip the
// same way the nullable columns scan back.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Get loads one task or harvest.ErrTaskNotFound.
func (s *TaskStore) Get(ctx context.Context, id string) (harvest.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns)
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Task{}, harvest.ErrTaskNotFound
		}
		return harvest.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Update applies a partial patch. Status changes are validated against the
// state machine inside a transaction holding a row lock, so concurrent
// updaters cannot both move a task out of the same state.
func (s *TaskStore) Update(ctx context.Context, id string, patch harvest.TaskPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin task update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if patch.Status != nil {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return harvest.ErrTaskNotFound
			}
			return fmt.Errorf("lock task row: %w", err)
		}
		from := harvest.TaskStatus(current)
		if from != *patch.Status && !from.CanTransition(*patch.Status) {
			return &harvest.InvalidTransitionError{TaskID: id, From: from, To: *patch.Status}
		}
	}

	sets := []string{}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.Fetched != nil {
		add("fetched", *patch.Fetched)
	}
	if patch.Parsed != nil {
		add("parsed", *patch.Parsed)
	}
	if patch.Stored != nil {
		add("stored", *patch.Stored)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.ErrorStack != nil {
		add("error_stack", *patch.ErrorStack)
	}
	if patch.CaptureURI != nil {
		add("capture_uri", *patch.CaptureURI)
	}
	if len(sets) == 0 {
		return tx.Commit(ctx)
	}

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $1`, strings.Join(sets, ", "))
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrTaskNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit task update: %w", err)
	}
	return nil
}

// List returns tasks matching the filter, newest first.
func (s *TaskStore) List(ctx context.Context, filter harvest.TaskFilter) ([]harvest.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE ($1 = '' OR source_id::text = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY scheduled_at DESC, id ASC
		LIMIT $3 OFFSET $4`, taskColumns)

	rows, err := s.pool.Query(ctx, query, filter.SourceID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []harvest.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (harvest.Task, error) {
	var (
		task       harvest.Task
		status     string
		errMessage *string
		errStack   *string
		captureURI *string
	)
	err := row.Scan(
		&task.ID,
		&task.SourceID,
		&status,
		&task.ScheduledAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.Fetched,
		&task.Parsed,
		&task.Stored,
		&errMessage,
		&errStack,
		&captureURI,
	)
	if err != nil {
		return harvest.Task{}, err
	}
	task.Status = harvest.TaskStatus(status)
	if errMessage != nil {
		task.ErrorMessage = *errMessage
	}
	if errStack != nil {
		task.ErrorStack = *errStack
	}
	if captureURI != nil {
		task.CaptureURI = *captureURI
	}
	return task, nil
}
