// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"
)

// SourceCategory selects the crawl implementation and schedule strategy
// for a source.
type SourceCategory string

// Source categories known to the registry.
const (
	CategoryRSS    SourceCategory = "RSS"
	CategoryWeb    SourceCategory = "WEB"
	CategorySearch SourceCategory = "ACCOUNT_SEARCH"
)

// HealthStatus is the circuit-breaker state of a source.
type HealthStatus string

// Health status values persisted on the source row.
const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthDisabled HealthStatus = "DISABLED"
)

// Source is a crawl target registered with the system.
type Source struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Category      SourceCategory    `json:"category"`
	URL           string            `json:"url"`
	Enabled       bool              `json:"enabled"`
	FetchInterval time.Duration     `json:"fetch_interval"`
	LastFetchAt   *time.Time        `json:"last_fetch_at,omitempty"`
	AuthConfig    map[string]string `json:"auth_config,omitempty"`

	ConsecutiveFailures int `json:"consecutive_failures"`
	// MaxConsecutiveFailures overrides the global threshold when > 0.
	MaxConsecutiveFailures int          `json:"max_consecutive_failures,omitempty"`
	LastFailureAt          *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt          *time.Time   `json:"last_success_at,omitempty"`
	HealthStatus           HealthStatus `json:"health_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the source has reached its next fetch time.
func (s Source) Due(now time.Time) bool {
	if s.LastFetchAt == nil {
		return true
	}
	return !now.Before(s.LastFetchAt.Add(s.FetchInterval))
}

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSuccess   TaskStatus = "SUCCESS"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
// Allowed moves: PENDING->RUNNING, RUNNING->{SUCCESS,FAILED},
// PENDING/RUNNING->CANCELLED. Terminal states accept nothing.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskCancelled
	case TaskRunning:
		return next == TaskSuccess || next == TaskFailed || next == TaskCancelled
	default:
		return false
	}
}

// Task records one execution attempt against a source.
type Task struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	Status      TaskStatus `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Fetched int `json:"fetched"`
	Parsed  int `json:"parsed"`
	Stored  int `json:"stored"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStack   string `json:"error_stack,omitempty"`
	// CaptureURI points at the raw page context saved when extraction failed.
	CaptureURI string `json:"capture_uri,omitempty"`
}

// Result is returned by a crawl implementation.
type Result struct {
	Fetched int `json:"fetched"`
	Parsed  int `json:"parsed"`
	Stored  int `json:"stored"`
}

// CookieStatus marks whether a cached session is still considered valid.
type CookieStatus string

// Cookie status values.
const (
	CookieActive  CookieStatus = "ACTIVE"
	CookieExpired CookieStatus = "EXPIRED"
)

// Cookie is a cached authenticated session string.
type Cookie struct {
	ID         string       `json:"id"`
	Value      string       `json:"value"`
	Status     CookieStatus `json:"status"`
	ExpiresAt  time.Time    `json:"expires_at"`
	FailCount  int          `json:"fail_count"`
	LastUsedAt *time.Time   `json:"last_used_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Usable reports whether the cookie may be handed to a caller.
func (c Cookie) Usable(now time.Time, maxFailures int) bool {
	return c.Status == CookieActive && c.ExpiresAt.After(now) && c.FailCount < maxFailures
}

// Job is the queue payload for one task execution.
type Job struct {
	TaskID   string            `json:"task_id"`
	SourceID string            `json:"source_id"`
	Category SourceCategory    `json:"category"`
	Priority int               `json:"priority"`
	Delay    time.Duration     `json:"delay"`
	Payload  map[string]string `json:"payload,omitempty"`
	Attempt  int               `json:"attempt"`
}

// QueueStats mirrors the counters exposed by the queue backend.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	SourceID string
	Status   TaskStatus
	Limit    int
	Offset   int
}
