package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrSnapshotNotFound is returned by SnapshotStore.Load for keys that
	// were never saved.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSessionRunning is returned by the session manager when a start
	// request arrives while another session is active.
	ErrSessionRunning = errors.New("a crawl session is already running")

	// ErrTaskNotFound is returned by queue operations referencing an
	// unknown or already-terminal task id.
	ErrTaskNotFound = errors.New("task not found")
)

// permanentError marks a failure as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue moves the task to terminal failure on
// the first Fail call, consuming only one attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// StatusError reports a non-success HTTP status from an upstream fetch.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// RetryableStatus reports whether the status code indicates a transient
// upstream condition. Rate limiting and server errors retry under the
// normal backoff policy; other client errors are permanent.
func RetryableStatus(code int) bool {
	return code == 429 || code == 408 || code >= 500
}

// ClassifyStatus converts a status code into a retryable or permanent
// error for the queue.
func ClassifyStatus(code int, url string) error {
	err := &StatusError{Code: code, URL: url}
	if RetryableStatus(code) {
		return err
	}
	return Permanent(err)
}
