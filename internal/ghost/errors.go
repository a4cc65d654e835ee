package ghost

import (
	"fmt"
	"net/http"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrInvalidCredential = errors.New("invalid admin api key")
	ErrProbe             = errors.New("site probe failed")
	ErrFetch             = errors.New("post enumeration failed")
	ErrParse             = errors.New("unexpected response shape")
	ErrUpdateConflict    = errors.New("post was modified concurrently")
	ErrNotFound          = errors.New("post not found")
)

// RemoteError is an error payload returned by the Admin API.
type RemoteError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("ghost %d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("ghost %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUpdateConflict:
		return e.StatusCode == http.StatusConflict || e.Type == "UpdateCollisionError"
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.Type == "NotFoundError"
	}
	return false
}
