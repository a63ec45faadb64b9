package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/protocol"
)

// scriptedBackend runs a test-provided function as the turn body.
type scriptedBackend struct {
	turn func(ctx context.Context, content string, host TurnHost) error
}

func (b *scriptedBackend) OpenSession(ctx context.Context) (string, error) {
	return "bk-test", nil
}

func (b *scriptedBackend) StartTurn(ctx context.Context, backendSessionID, content string, host TurnHost) error {
	return b.turn(ctx, content, host)
}

// recordingNotifier captures broadcast messages in order.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (n *recordingNotifier) Notify(sessionID string, msg protocol.ServerMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) snapshot() []protocol.ServerMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]protocol.ServerMessage, len(n.msgs))
	copy(out, n.msgs)
	return out
}

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestInput_FullTurn(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			host.Emit(protocol.TextDelta{Text: "hel"})
			host.Emit(protocol.TextDelta{Text: "lo back"})
			host.Emit(protocol.TurnComplete{Usage: protocol.Usage{InputTokens: 10, OutputTokens: 4}})
			return nil
		},
	}
	reg := NewRegistry(store, backend, notifier)

	sess, err := reg.Create(context.Background(), "greeting")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Input(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sess.State() == StateIdle })

	msgs, total, err := store.GetMessages(context.Background(), sess.ID, history.MessageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("got %d messages, want 2", total)
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != history.RoleAssistant || msgs[1].Content != "hello back" {
		t.Errorf("second message = %+v", msgs[1])
	}
	if msgs[1].InputTokens != 10 || msgs[1].OutputTokens != 4 {
		t.Errorf("assistant tokens = %d/%d", msgs[1].InputTokens, msgs[1].OutputTokens)
	}
	if msgs[1].ID <= msgs[0].ID {
		t.Errorf("message ids not increasing: %d, %d", msgs[0].ID, msgs[1].ID)
	}

	stored, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TotalInputTokens != 10 || stored.TotalOutputTokens != 4 {
		t.Errorf("usage = %d/%d", stored.TotalInputTokens, stored.TotalOutputTokens)
	}

	// Broadcast order: processing, turn_start, deltas, turn_complete, idle.
	var states []string
	for _, m := range notifier.snapshot() {
		if st, ok := m.(protocol.SessionState); ok {
			states = append(states, st.State)
		}
	}
	if len(states) != 2 || states[0] != "processing" || states[1] != "idle" {
		t.Errorf("state broadcasts = %v", states)
	}
}

func TestInput_RejectedWhileBusy(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			<-release
			host.Emit(protocol.TurnComplete{})
			return nil
		},
	}
	reg := NewRegistry(store, backend, &recordingNotifier{})

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Input(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}

	err = sess.Input(context.Background(), "second")
	var se *StateError
	if !errors.As(err, &se) || se.Code != CodeSessionBusy {
		t.Fatalf("second input: got %v, want session_busy", err)
	}

	close(release)
	waitFor(t, func() bool { return sess.State() == StateIdle })
}

func TestInput_TerminatedSession(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry(store, &scriptedBackend{}, &recordingNotifier{})

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	err = sess.Input(context.Background(), "too late")
	var se *StateError
	if !errors.As(err, &se) || se.Code != CodeSessionTerminated {
		t.Fatalf("input after close: got %v, want session_terminated", err)
	}
}

func TestPermissionFlow(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	decisions := make(chan bool, 1)
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			approved, err := host.RequestPermission(ctx, "write_file", "write main.go")
			if err != nil {
				return err
			}
			decisions <- approved
			host.Emit(protocol.TurnComplete{Usage: protocol.Usage{InputTokens: 3, OutputTokens: 1}})
			return nil
		},
	}
	reg := NewRegistry(store, backend, notifier)

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Input(context.Background(), "do it"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sess.State() == StateWaitingPermission })

	pending := sess.PendingPermission()
	if pending == nil || pending.Tool != "write_file" {
		t.Fatalf("pending = %+v", pending)
	}

	// Wrong id is rejected and leaves the session waiting.
	err = sess.ResolvePermission("p-wrong", true)
	var se *StateError
	if !errors.As(err, &se) || se.Code != CodePermissionMismatch {
		t.Fatalf("wrong id: got %v, want permission_mismatch", err)
	}
	if sess.State() != StateWaitingPermission {
		t.Fatalf("state changed on mismatched resolve: %s", sess.State())
	}

	if err := sess.ResolvePermission(pending.ID, true); err != nil {
		t.Fatal(err)
	}
	if approved := <-decisions; !approved {
		t.Error("backend observed denial, want approval")
	}

	waitFor(t, func() bool { return sess.State() == StateIdle })

	// Resolving again after resolution is a mismatch, not a double fire.
	err = sess.ResolvePermission(pending.ID, false)
	if !errors.As(err, &se) || se.Code != CodePermissionMismatch {
		t.Fatalf("second resolve: got %v, want permission_mismatch", err)
	}

	// The permission_request event was broadcast with the pending id.
	var sawRequest bool
	for _, m := range notifier.snapshot() {
		if c, ok := m.(protocol.Claude); ok {
			if pr, ok := c.Event.(protocol.PermissionRequestEvent); ok {
				sawRequest = true
				if pr.ID != pending.ID || pr.Tool != "write_file" {
					t.Errorf("broadcast request = %+v", pr)
				}
			}
		}
	}
	if !sawRequest {
		t.Error("permission_request was never broadcast")
	}
}

func TestUnrecoverableError_FailsSession(t *testing.T) {
	store := newTestStore(t)
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			host.Emit(protocol.StreamError{Message: "model exploded", Recoverable: false})
			return nil
		},
	}
	reg := NewRegistry(store, backend, &recordingNotifier{})

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Input(context.Background(), "boom"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sess.State() == StateFailed })

	stored, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != string(StateFailed) || stored.ErrorMessage != "model exploded" {
		t.Errorf("stored session = %+v", stored)
	}

	err = sess.Input(context.Background(), "again")
	var se *StateError
	if !errors.As(err, &se) || se.Code != CodeSessionTerminated {
		t.Fatalf("input after failure: got %v, want session_terminated", err)
	}
}

func TestRecoverableError_KeepsProcessing(t *testing.T) {
	store := newTestStore(t)
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			host.Emit(protocol.StreamError{Message: "rate limited, retrying", Recoverable: true})
			host.Emit(protocol.TextDelta{Text: "ok"})
			host.Emit(protocol.TurnComplete{})
			return nil
		},
	}
	reg := NewRegistry(store, backend, &recordingNotifier{})

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Input(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sess.State() == StateIdle })
}

func TestToolInvocation_Persisted(t *testing.T) {
	store := newTestStore(t)
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			host.Emit(protocol.ToolUseStart{ToolID: "t1", ToolName: "read_file"})
			host.Emit(protocol.ToolInputDelta{ToolID: "t1", Delta: `{"path":`})
			host.Emit(protocol.ToolInputDelta{ToolID: "t1", Delta: `"go.mod"}`})
			host.Emit(protocol.ToolResult{ToolID: "t1", Content: "module example"})
			host.Emit(protocol.TurnComplete{})
			return nil
		},
	}
	reg := NewRegistry(store, backend, &recordingNotifier{})

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Input(context.Background(), "read go.mod"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sess.State() == StateIdle })

	msgs, _, err := store.GetMessages(context.Background(), sess.ID, history.MessageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	// user, tool_use, tool_result, assistant
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	use := msgs[1]
	if use.Role != history.RoleToolUse || use.ToolName != "read_file" || use.ToolID != "t1" {
		t.Errorf("tool_use = %+v", use)
	}
	if use.Content != `{"path":"go.mod"}` {
		t.Errorf("tool input not accumulated: %q", use.Content)
	}
	result := msgs[2]
	if result.Role != history.RoleToolResult || result.Content != "module example" {
		t.Errorf("tool_result = %+v", result)
	}
}

func TestToolResultStoreFailure_FailsTurn(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	ready := make(chan struct{})
	gate := make(chan struct{})
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			host.Emit(protocol.ToolUseStart{ToolID: "t1", ToolName: "write_file"})
			close(ready)
			<-gate
			host.Emit(protocol.ToolResult{ToolID: "t1", Content: "done"})
			return nil
		},
	}
	reg := NewRegistry(store, backend, notifier)

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Input(context.Background(), "write it"); err != nil {
		t.Fatal(err)
	}

	// Kill the store mid-turn so persisting the tool invocation fails.
	<-ready
	store.Close()
	close(gate)

	waitFor(t, func() bool {
		for _, m := range notifier.snapshot() {
			if c, ok := m.(protocol.Claude); ok {
				if se, ok := c.Event.(protocol.StreamError); ok && !se.Recoverable {
					return true
				}
			}
		}
		return false
	})

	// The unpersisted result must not have reached subscribers.
	for _, m := range notifier.snapshot() {
		if c, ok := m.(protocol.Claude); ok {
			if _, ok := c.Event.(protocol.ToolResult); ok {
				t.Error("tool_result broadcast despite failed persistence")
			}
		}
	}
}

func TestBroker_ConcurrentResolve(t *testing.T) {
	b := NewPermissionBroker()
	pending, err := b.Issue("bash", "run ls")
	if err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.Resolve(pending.ID, true)
		}()
	}
	wg.Wait()
	close(results)

	var ok, mismatched int
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		var se *StateError
		if errors.As(err, &se) && se.Code == CodePermissionMismatch {
			mismatched++
		}
	}
	if ok != 1 || mismatched != n-1 {
		t.Errorf("resolved %d times (mismatch %d), want exactly once", ok, mismatched)
	}

	select {
	case approved := <-pending.Decision():
		if !approved {
			t.Error("decision = false, want true")
		}
	default:
		t.Error("no decision delivered")
	}
}

func TestBroker_SecondIssueRejected(t *testing.T) {
	b := NewPermissionBroker()
	if _, err := b.Issue("bash", "one"); err != nil {
		t.Fatal(err)
	}
	_, err := b.Issue("bash", "two")
	var se *StateError
	if !errors.As(err, &se) || se.Code != CodePermissionAlreadyPending {
		t.Fatalf("second issue: got %v, want permission_already_pending", err)
	}
}
