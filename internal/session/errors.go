package session

import "fmt"

// Stable error codes reported to clients. They identify transitions that are
// invalid for the session's current state; the session itself keeps running.
const (
	CodeSessionBusy              = "session_busy"
	CodePermissionMismatch       = "permission_mismatch"
	CodePermissionAlreadyPending = "permission_already_pending"
	CodeSessionTerminated        = "session_terminated"
	CodeSessionNotFound          = "session_not_found"
)

// StateError reports an attempted transition that is invalid for the current
// state. The session's state is unchanged when one is returned.
type StateError struct {
	Code    string
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func stateErrf(code, format string, args ...any) *StateError {
	return &StateError{Code: code, Message: fmt.Sprintf(format, args...)}
}
