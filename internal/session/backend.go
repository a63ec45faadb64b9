package session

import (
	"context"

	"github.com/threadline-dev/threadline/internal/protocol"
)

// TurnHost is the surface a backend drives during one turn. Emit delivers a
// streamed event; RequestPermission suspends the turn until a client approves
// or denies the action. A Session is the only TurnHost implementation in the
// server; tests supply their own.
type TurnHost interface {
	Emit(ev protocol.ClaudeEvent)
	RequestPermission(ctx context.Context, tool, description string) (bool, error)
}

// Backend is the inference engine boundary. How output is produced is opaque
// here; only the event stream defined in the protocol package crosses it.
type Backend interface {
	// OpenSession establishes a backend-side session and returns its handle.
	// The handle is persisted so the session can be resumed later.
	OpenSession(ctx context.Context) (string, error)

	// StartTurn runs one turn against the given backend session. It emits
	// turn_start, content deltas, and turn_complete through the host, and
	// returns only when the turn is over. A returned error is treated as
	// unrecoverable for the session.
	StartTurn(ctx context.Context, backendSessionID, content string, host TurnHost) error
}
