package rebrand

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"github.com/agentworkforce/rebrander/internal/ghost"
	"github.com/agentworkforce/rebrander/internal/lexical"
)

var ErrConfigValidation = errors.New("invalid request")

type Code string

const (
	CodeNone     Code = ""
	CodeConfig   Code = "config"
	CodeProbe    Code = "probe"
	CodeFetch    Code = "fetch"
	CodeParse    Code = "parse"
	CodeConflict Code = "conflict"
	CodeNotFound Code = "not_found"
	CodeRemote   Code = "remote"
	CodeInjected Code = "injected"
	CodeCancel   Code = "cancel"
	CodeUnknown  Code = "unknown"
)

// Classify maps an error to a short code for logs and run reports. The most
// specific match wins.
func Classify(err error) Code {
	if err == nil {
		return CodeNone
	}
	switch {
	case errors.Is(err, ErrConfigValidation), errors.Is(err, ghost.ErrInvalidCredential):
		return CodeConfig
	case errors.Is(err, ErrInjectedFault):
		return CodeInjected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancel
	case errors.Is(err, ghost.ErrProbe):
		return CodeProbe
	case errors.Is(err, ghost.ErrUpdateConflict):
		return CodeConflict
	case errors.Is(err, ghost.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, lexical.ErrParse), errors.Is(err, ghost.ErrParse):
		return CodeParse
	case errors.Is(err, ghost.ErrFetch):
		return CodeFetch
	}
	var remote *ghost.RemoteError
	if errors.As(err, &remote) {
		return CodeRemote
	}
	return CodeUnknown
}
