package harvest

import (
	"errors"
	"fmt"
)

// ErrorKind classifies crawl failures so callers can pick the right
// recovery path.
type ErrorKind string

// Failure classes. Transient and challenge failures are retried with
// backoff; authentication failures force a cookie refresh; extraction
// failures are surfaced immediately because retrying cannot help.
const (
	KindTransient        ErrorKind = "TRANSIENT_NETWORK"
	KindChallenge        ErrorKind = "CHALLENGE_DETECTED"
	KindAuthRejected     ErrorKind = "AUTHENTICATION_REJECTED"
	KindExtractionFailed ErrorKind = "DATA_EXTRACTION_FAILED"
	KindConfiguration    ErrorKind = "CONFIGURATION"
	KindUnknown          ErrorKind = "UNKNOWN"
)

// CrawlError wraps a failure with its classification and, for extraction
// failures, the raw page context that triggered it.
type CrawlError struct {
	Kind    ErrorKind
	Message string
	Cause   error
	// RawContext holds the page body captured for diagnosis. Only set for
	// extraction failures.
	RawContext []byte
}

// Error implements the error interface.
func (e *CrawlError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *CrawlError) Unwrap() error { return e.Cause }

// Transient wraps err as a retryable network failure.
func Transient(msg string, cause error) *CrawlError {
	return &CrawlError{Kind: KindTransient, Message: msg, Cause: cause}
}

// Challenge reports an anti-bot challenge page that survived in-place retries.
func Challenge(msg string) *CrawlError {
	return &CrawlError{Kind: KindChallenge, Message: msg}
}

// AuthRejected reports that the upstream refused the session cookie.
func AuthRejected(msg string) *CrawlError {
	return &CrawlError{Kind: KindAuthRejected, Message: msg}
}

// ExtractionFailed reports a page whose structure no longer matches the
// parser, keeping the raw body for diagnosis.
func ExtractionFailed(msg string, raw []byte) *CrawlError {
	return &CrawlError{Kind: KindExtractionFailed, Message: msg, RawContext: raw}
}

// Configuration reports an invalid source or job definition. Never enqueued.
func Configuration(msg string) *CrawlError {
	return &CrawlError{Kind: KindConfiguration, Message: msg}
}

// KindOf extracts the classification of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Retryable reports whether the queue's backoff policy should retry err.
// Unknown errors are treated as transient; extraction, authentication and
// configuration failures are not retried as-is.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindChallenge, KindUnknown:
		return true
	default:
		return false
	}
}

// InvalidTransitionError rejects a task state change the machine forbids.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// Sentinel errors shared by repository implementations.
var (
	ErrSourceNotFound = errors.New("source not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrNoCookie       = errors.New("no usable cookie")
)
