package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// NetworkError means the request never produced an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteError is a non-2xx response. Detail is shown to users verbatim.
type RemoteError struct {
	Status int
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Detail)
}

// ValidationError means a 2xx body could not be decoded or broke an invariant.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s response: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UserMessage picks the text shown next to the control that failed: the
// backend's detail when there is one, otherwise fallback, otherwise err itself.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Detail != "" {
		return remote.Detail
	}
	if fallback != "" {
		return fallback
	}
	return err.Error()
}

// IsTransient reports whether retrying later may succeed.
func IsTransient(err error) bool {
	var netErr *NetworkError
	var remote *RemoteError
	switch {
	case errors.As(err, &netErr):
		return true
	case errors.As(err, &remote):
		return remote.Status >= 500 || remote.Status == 429
	default:
		return false
	}
}
