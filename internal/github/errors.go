package github

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is matching against APIError.
var (
	ErrNotFound     = errors.New("github: not found")
	ErrAccessDenied = errors.New("github: access denied")
)

// APIError is a non-2xx GitHub response.
type APIError struct {
	Status int
	Body   string
	URL    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s returned %d: %s", e.URL, e.Status, e.Body)
}

// Is maps status codes onto the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == 404
	case ErrAccessDenied:
		return e.Status == 401 || e.Status == 403
	}
	return false
}

// RateLimitError reports an exhausted rate limit. Reset is the instant the
// remote will accept requests again; the caller decides whether to wait.
type RateLimitError struct {
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github: rate limited until %s", e.Reset.UTC().Format(time.RFC3339))
}
