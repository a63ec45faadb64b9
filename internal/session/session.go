// Package session owns the live side of a Threadline session: the lifecycle
// state machine, the permission handshake, and the process-wide registry of
// running sessions. Every session-visible transition is written to the
// history store before the matching event is broadcast, so persisted history
// is always consistent with or ahead of what subscribers observe.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/protocol"
)

// State is a session's lifecycle state.
type State string

const (
	StateIdle              State = "idle"
	StateProcessing        State = "processing"
	StateWaitingPermission State = "waiting_permission"
	StateFinished          State = "finished"
	StateFailed            State = "failed"
)

// terminal reports whether a state accepts no further transitions except none.
func terminal(s State) bool {
	return s == StateFinished || s == StateFailed
}

// Notifier fans a server message out to every client subscribed to the
// session. Implementations must preserve per-session call order.
type Notifier interface {
	Notify(sessionID string, msg protocol.ServerMessage)
}

// toolAccum collects a tool invocation's streamed input until its result
// arrives.
type toolAccum struct {
	name  string
	input strings.Builder
}

// Session is one live session. All mutating operations are serialized by mu;
// operations on different sessions proceed independently.
type Session struct {
	ID string

	mu               sync.Mutex
	name             string
	state            State
	backendSessionID string
	waitingSince     time.Time
	lastActive       time.Time
	evicted          bool

	broker   *PermissionBroker
	store    *history.Store
	notifier Notifier
	backend  Backend
	log      *slog.Logger

	// Current turn accumulation, valid while state is processing or
	// waiting_permission.
	turnText  strings.Builder
	toolCalls map[string]*toolAccum
}

func newSession(id, name string, store *history.Store, backend Backend, notifier Notifier) *Session {
	return &Session{
		ID:         id,
		name:       name,
		state:      StateIdle,
		broker:     NewPermissionBroker(),
		store:      store,
		notifier:   notifier,
		backend:    backend,
		log:        slog.With("session_id", id),
		toolCalls:  make(map[string]*toolAccum),
		lastActive: time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Name returns the session's current label.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Input submits one user turn. Valid only in Idle; the user message is
// persisted and the backend turn started before Input returns.
func (s *Session) Input(ctx context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return stateErrf(CodeSessionNotFound, "session %s is not live", s.ID)
	}
	if terminal(s.state) {
		return stateErrf(CodeSessionTerminated, "session %s is %s", s.ID, s.state)
	}
	if s.state != StateIdle {
		return stateErrf(CodeSessionBusy, "session %s is %s", s.ID, s.state)
	}
	s.lastActive = time.Now()

	// Persist the user message first. A store failure aborts the transition
	// with state unchanged.
	if _, err := s.store.AppendMessage(ctx, &history.Message{
		SessionID: s.ID,
		Role:      history.RoleUser,
		Content:   content,
	}); err != nil {
		return fmt.Errorf("failed to persist input: %w", err)
	}

	if err := s.transitionLocked(ctx, StateProcessing, ""); err != nil {
		return err
	}

	turnCtx := context.Background()
	go s.runTurn(turnCtx, content)
	return nil
}

// runTurn drives one backend turn. The backend reports progress through the
// TurnHost methods below; a turn-level error is folded into the same error
// path as an unrecoverable stream error.
func (s *Session) runTurn(ctx context.Context, content string) {
	if err := s.backend.StartTurn(ctx, s.backendSessionID, content, s); err != nil {
		s.log.Error("turn failed", "error", err)
		s.mu.Lock()
		defer s.mu.Unlock()
		if !terminal(s.state) {
			s.notifyLocked(protocol.Claude{SessionID: s.ID,
				Event: protocol.StreamError{Message: err.Error(), Recoverable: false}})
			s.failLocked(context.Background(), err.Error())
		}
	}
}

// Emit implements TurnHost. It applies one backend event to the state
// machine. Events arrive on the turn goroutine; the session mutex orders them
// against client-driven operations.
func (s *Session) Emit(ev protocol.ClaudeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if terminal(s.state) {
		s.log.Debug("dropping backend event for terminated session", "event", fmt.Sprintf("%T", ev))
		return
	}
	s.lastActive = time.Now()
	ctx := context.Background()

	switch e := ev.(type) {
	case protocol.TurnStart:
		s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: e})

	case protocol.TextDelta:
		s.turnText.WriteString(e.Text)
		s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: e})

	case protocol.ThinkingDelta:
		// Streamed to subscribers but not part of durable history.
		s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: e})

	case protocol.ToolUseStart:
		s.toolCalls[e.ToolID] = &toolAccum{name: e.ToolName}
		s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: e})

	case protocol.ToolInputDelta:
		if acc, ok := s.toolCalls[e.ToolID]; ok {
			acc.input.WriteString(e.Delta)
		}
		s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: e})

	case protocol.ToolResult:
		if err := s.recordToolResultLocked(ctx, e); err != nil {
			s.log.Error("failed to persist tool invocation", "tool_id", e.ToolID, "error", err)
			s.notifyLocked(protocol.Claude{SessionID: s.ID,
				Event: protocol.StreamError{Message: "failed to persist tool result", Recoverable: false}})
			s.failLocked(ctx, err.Error())
			return
		}
		s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: e})

	case protocol.TurnComplete:
		s.completeTurnLocked(ctx, e)

	case protocol.StreamError:
		s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: e})
		if !e.Recoverable {
			s.failLocked(ctx, e.Message)
		}

	case protocol.PermissionRequestEvent:
		// Permission flows through RequestPermission, which blocks the turn.
		// A backend emitting the raw event is a bug on its side.
		s.log.Warn("backend emitted permission_request via Emit; ignoring", "request_id", e.ID)
	}
}

// recordToolResultLocked persists the completed tool invocation as a tool_use
// message followed by its tool_result. A store failure is fatal to the turn;
// the caller must not broadcast the result event.
func (s *Session) recordToolResultLocked(ctx context.Context, e protocol.ToolResult) error {
	name := ""
	input := ""
	if acc, ok := s.toolCalls[e.ToolID]; ok {
		name = acc.name
		input = acc.input.String()
		delete(s.toolCalls, e.ToolID)
	}

	if _, err := s.store.AppendMessage(ctx, &history.Message{
		SessionID: s.ID,
		Role:      history.RoleToolUse,
		Content:   input,
		ToolName:  name,
		ToolID:    e.ToolID,
	}); err != nil {
		return fmt.Errorf("failed to persist tool_use: %w", err)
	}
	if _, err := s.store.AppendMessage(ctx, &history.Message{
		SessionID: s.ID,
		Role:      history.RoleToolResult,
		Content:   e.Content,
		ToolName:  name,
		ToolID:    e.ToolID,
	}); err != nil {
		return fmt.Errorf("failed to persist tool_result: %w", err)
	}
	return nil
}

// completeTurnLocked persists the assistant turn, commits the usage delta,
// and returns the session to Idle.
func (s *Session) completeTurnLocked(ctx context.Context, e protocol.TurnComplete) {
	if s.state != StateProcessing {
		s.log.Warn("turn_complete in unexpected state", "state", s.state)
		return
	}

	if _, err := s.store.AppendMessage(ctx, &history.Message{
		SessionID:    s.ID,
		Role:         history.RoleAssistant,
		Content:      s.turnText.String(),
		InputTokens:  e.Usage.InputTokens,
		OutputTokens: e.Usage.OutputTokens,
	}); err != nil {
		s.log.Error("failed to persist assistant turn", "error", err)
		s.notifyLocked(protocol.Claude{SessionID: s.ID,
			Event: protocol.StreamError{Message: "failed to persist turn", Recoverable: false}})
		s.failLocked(ctx, err.Error())
		return
	}
	if err := s.store.UpdateUsage(ctx, s.ID, e.Usage.InputTokens, e.Usage.OutputTokens); err != nil {
		s.log.Error("failed to update usage", "error", err)
	}

	s.turnText.Reset()
	s.toolCalls = make(map[string]*toolAccum)

	s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: e})
	if err := s.transitionLocked(ctx, StateIdle, ""); err != nil {
		s.log.Error("failed to return to idle", "error", err)
	}
}

// RequestPermission implements TurnHost. It moves the session to
// WaitingPermission, broadcasts the request, and blocks the calling turn
// until a client (or the supervisor) resolves it. Only this session's
// processing suspends; nothing else blocks on it.
func (s *Session) RequestPermission(ctx context.Context, tool, description string) (bool, error) {
	s.mu.Lock()
	if s.state != StateProcessing {
		s.mu.Unlock()
		return false, stateErrf(CodePermissionAlreadyPending,
			"session %s cannot request permission while %s", s.ID, s.state)
	}

	pending, err := s.broker.Issue(tool, description)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}

	if err := s.transitionLocked(ctx, StateWaitingPermission, ""); err != nil {
		s.broker.Clear()
		s.mu.Unlock()
		return false, err
	}
	s.notifyLocked(protocol.Claude{SessionID: s.ID, Event: protocol.PermissionRequestEvent{
		ID:          pending.ID,
		Tool:        tool,
		Description: description,
	}})
	s.mu.Unlock()

	select {
	case approved := <-pending.Decision():
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateWaitingPermission {
			if err := s.transitionLocked(context.Background(), StateProcessing, ""); err != nil {
				return false, err
			}
		}
		return approved, nil
	case <-ctx.Done():
		s.broker.Clear()
		return false, ctx.Err()
	}
}

// ResolvePermission applies a client's permission_response. Valid only in
// WaitingPermission with a matching request id; anything else is a
// permission_mismatch and leaves the session untouched.
func (s *Session) ResolvePermission(requestID string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if terminal(s.state) {
		return stateErrf(CodeSessionTerminated, "session %s is %s", s.ID, s.state)
	}
	if s.state != StateWaitingPermission {
		return stateErrf(CodePermissionMismatch,
			"session %s has no pending permission request", s.ID)
	}
	s.lastActive = time.Now()
	return s.broker.Resolve(requestID, approved)
}

// LastActive returns the time of the last client or backend activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// tryEvict re-checks idleness under the session lock, so an input racing with
// the reaper cannot slip between the staleness check and the registry delete.
// A marked instance rejects further input; resume builds a fresh one.
func (s *Session) tryEvict(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || time.Since(s.lastActive) <= timeout {
		return false
	}
	s.evicted = true
	return true
}

// PendingPermission returns the outstanding request, or nil.
func (s *Session) PendingPermission() *PendingPermission {
	return s.broker.Pending()
}

// Rename updates the session's label and notifies subscribers.
func (s *Session) Rename(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.UpdateSessionName(ctx, s.ID, name); err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	s.name = name
	s.notifyLocked(protocol.SessionNotification{SessionID: s.ID, Name: name})
	return nil
}

// Close moves the session to Finished. Closing an already terminal session
// fails with session_terminated.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if terminal(s.state) {
		return stateErrf(CodeSessionTerminated, "session %s is already %s", s.ID, s.state)
	}
	s.broker.Clear()
	return s.transitionLocked(ctx, StateFinished, "")
}

// failLocked forces the session to Failed and records the error message.
func (s *Session) failLocked(ctx context.Context, message string) {
	s.broker.Clear()
	if err := s.transitionLocked(ctx, StateFailed, message); err != nil {
		s.log.Error("failed to record failure", "error", err)
	}
}

// transitionLocked persists the new state then broadcasts it, in that order.
// Callers hold s.mu, which is what gives subscribers per-session ordering.
func (s *Session) transitionLocked(ctx context.Context, to State, errorMessage string) error {
	if err := s.store.UpdateSessionState(ctx, s.ID, string(to), errorMessage); err != nil {
		return fmt.Errorf("failed to persist state %s: %w", to, err)
	}
	from := s.state
	s.state = to
	if to == StateWaitingPermission {
		s.waitingSince = time.Now()
	} else {
		s.waitingSince = time.Time{}
	}
	s.log.Debug("state transition", "from", from, "to", to)
	s.notifyLocked(protocol.SessionState{SessionID: s.ID, State: string(to)})
	return nil
}

func (s *Session) notifyLocked(msg protocol.ServerMessage) {
	if s.notifier != nil {
		s.notifier.Notify(s.ID, msg)
	}
}

// WaitingSince returns when the session entered WaitingPermission, or the
// zero time if it is not waiting. The registry's supervisor uses this to
// force-deny requests that have waited too long.
func (s *Session) WaitingSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaitingPermission {
		return time.Time{}
	}
	return s.waitingSince
}
