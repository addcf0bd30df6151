package harvest

import (
	"context"
	"time"
)

// SourcePatch carries partial updates for a source row. Nil fields are
// left untouched.
type SourcePatch struct {
	Name                *string
	URL                 *string
	Enabled             *bool
	FetchInterval       *time.Duration
	LastFetchAt         *time.Time
	ConsecutiveFailures *int
	LastFailureAt       *time.Time
	LastSuccessAt       *time.Time
	HealthStatus        *HealthStatus
}

// TaskPatch carries partial updates for a task row.
type TaskPatch struct {
	Status       *TaskStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Fetched      *int
	Parsed       *int
	Stored       *int
	ErrorMessage *string
	ErrorStack   *string
	CaptureURI   *string
}

// SourceRepository persists crawl sources.
type SourceRepository interface {
	Create(ctx context.Context, source Source) error
	Get(ctx context.Context, id string) (Source, error)
	// FindEnabled returns enabled sources ordered by lastFetchAt ascending,
	// never-fetched sources first.
	FindEnabled(ctx context.Context) ([]Source, error)
	FindDisabled(ctx context.Context) ([]Source, error)
	List(ctx context.Context) ([]Source, error)
	Update(ctx context.Context, id string, patch SourcePatch) error
}

// TaskRepository persists crawl tasks.
type TaskRepository interface {
	Create(ctx context.Context, task Task) error
	Get(ctx context.Context, id string) (Task, error)
	Update(ctx context.Context, id string, patch TaskPatch) error
	List(ctx context.Context, filter TaskFilter) ([]Task, error)
}

// CookieStore persists cached authentication sessions.
type CookieStore interface {
	Create(ctx context.Context, cookie Cookie) error
	// FindUsable returns the least-recently-used cookie satisfying the
	// cookie invariant, or ErrNoCookie.
	FindUsable(ctx context.Context, now time.Time, maxFailures int) (Cookie, error)
	Touch(ctx context.Context, id string, usedAt time.Time) error
	// MarkInvalid increments the failure count and flips status to EXPIRED.
	MarkInvalid(ctx context.Context, value string) error
	// PurgeExpired deletes expired or invalidated cookies and reports how
	// many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Counts(ctx context.Context) (active int, expired int, err error)
}

// Queue submits jobs for asynchronous execution. Submission is idempotent
// by task id: a duplicate submit is coalesced and reported as false.
type Queue interface {
	Submit(ctx context.Context, job Job) (bool, error)
	Stats(ctx context.Context) (QueueStats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Drain discards every waiting and delayed job and returns the dropped
	// jobs so the caller can release their admission reservations and
	// terminate their tasks.
	Drain(ctx context.Context) ([]Job, error)
}

// Consumer hands queued jobs to workers.
type Consumer interface {
	Dequeue(ctx context.Context) (Job, error)
	// Done reports the outcome of a dequeued job back to the queue for
	// its completed/failed counters.
	Done(ctx context.Context, job Job, failed bool)
}

// Crawler executes the category-specific crawl for one source.
type Crawler interface {
	Category() SourceCategory
	Execute(ctx context.Context, source Source) (Result, error)
}

// CaptureStore writes raw page context for post-mortem diagnosis and
// returns a URI for the stored blob.
type CaptureStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces source/task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
