package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// TaskStore keeps tasks in a map guarded by a mutex. Status updates are
// validated against the task state machine, so a terminal task can never
// be revived.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]harvest.Task
}

// NewTaskStore creates an empty in-memory task repository.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]harvest.Task)}
}

// Create stores a new task keyed by its id.
func (s *TaskStore) Create(_ context.Context, task harvest.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// Get returns the task or harvest.ErrTaskNotFound.
func (s *TaskStore) Get(_ context.Context, id string) (harvest.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return harvest.Task{}, harvest.ErrTaskNotFound
	}
	return task, nil
}

// Update applies a partial patch. A status change the state machine
// forbids is rejected with InvalidTransitionError and nothing is applied.
func (s *TaskStore) Update(_ context.Context, id string, patch harvest.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return harvest.ErrTaskNotFound
	}

	if patch.Status != nil && *patch.Status != task.Status {
		if !task.Status.CanTransition(*patch.Status) {
			return &harvest.InvalidTransitionError{TaskID: id, From: task.Status, To: *patch.Status}
		}
		task.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		task.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		task.CompletedAt = &t
	}
	if patch.Fetched != nil {
		task.Fetched = *patch.Fetched
	}
	if patch.Parsed != nil {
		task.Parsed = *patch.Parsed
	}
	if patch.Stored != nil {
		task.Stored = *patch.Stored
	}
	if patch.ErrorMessage != nil {
		task.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorStack != nil {
		task.ErrorStack = *patch.ErrorStack
	}
	if patch.CaptureURI != nil {
		task.CaptureURI = *patch.CaptureURI
	}

	s.tasks[id] = task
	return nil
}

// List returns tasks matching the filter, newest first.
func (s *TaskStore) List(_ context.Context, filter harvest.TaskFilter) ([]harvest.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []harvest.Task
	for _, task := range s.tasks {
		if filter.SourceID != "" && task.SourceID != filter.SourceID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.After(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}
