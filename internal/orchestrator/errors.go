package orchestrator

import "errors"

// Sentinel errors returned by Service methods. The HTTP layer maps these to
// status codes with errors.Is, per the error taxonomy in §7.
var (
	ErrNotFound       = errors.New("command not found")
	ErrConflict       = errors.New("command is not running, or not owned by the reporting agent")
	ErrInvalidRequest = errors.New("invalid request")
)
