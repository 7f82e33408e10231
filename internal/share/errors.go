package share

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNetwork           = errors.New("network error")
	ErrTimeout           = errors.New("timeout")
	ErrRemoteRejected    = errors.New("remote rejected")
	ErrStaleRevision     = errors.New("stale revision")
	ErrMalformedResponse = errors.New("malformed response")
)

// HTTPError is a non-2xx answer from the revision store. A 409 also matches
// ErrStaleRevision: the server refused a write against an old revision.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	if target == ErrRemoteRejected {
		return true
	}
	return target == ErrStaleRevision && e.StatusCode == 409
}

// StaleRevisionError is returned when the remote head moved past the local
// revision. The caller must pull before pushing again.
type StaleRevisionError struct {
	PID            string
	LocalRevision  string
	RemoteRevision string
}

func (e *StaleRevisionError) Error() string {
	return fmt.Sprintf("pull required: local revision=%s, remote revision=%s", e.LocalRevision, e.RemoteRevision)
}

func (e *StaleRevisionError) Is(target error) bool {
	return target == ErrStaleRevision
}

// SyncError names the project and pipeline stage a failure happened in.
type SyncError struct {
	PID   string
	Stage Stage
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s pid=%s: %v", e.Stage, e.PID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Classify maps an error to a short outcome label for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleRevision):
		return "stale"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrRemoteRejected):
		return "rejected"
	default:
		return "error"
	}
}
