package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/threadline-dev/threadline/internal/protocol"
)

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry(newTestStore(t), &scriptedBackend{}, &recordingNotifier{})

	_, err := reg.Get("no-such-session")
	var se *StateError
	if !errors.As(err, &se) || se.Code != CodeSessionNotFound {
		t.Fatalf("got %v, want session_not_found", err)
	}
}

func TestRegistry_ResumeTerminalSession(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry(store, &scriptedBackend{}, &recordingNotifier{})

	sess, err := reg.Create(context.Background(), "done")
	if err != nil {
		t.Fatal(err)
	}
	id := sess.ID
	if err := reg.Close(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	info, live, err := reg.Resume(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if live != nil {
		t.Error("terminal session was reactivated")
	}
	if info.State != string(StateFinished) {
		t.Errorf("info.State = %s, want finished", info.State)
	}
}

func TestRegistry_ResumeEvictedSession(t *testing.T) {
	store := newTestStore(t)
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			host.Emit(protocol.TurnComplete{})
			return nil
		},
	}
	reg := NewRegistry(store, backend, &recordingNotifier{})

	sess, err := reg.Create(context.Background(), "evictee")
	if err != nil {
		t.Fatal(err)
	}
	id := sess.ID
	reg.Evict(id)

	// Evicted but not terminal: resume brings it back live and usable.
	_, live, err := reg.Resume(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if live == nil {
		t.Fatal("expected a live session after resume")
	}
	if live.State() != StateIdle {
		t.Fatalf("resumed state = %s, want idle", live.State())
	}
	if err := live.Input(context.Background(), "hi again"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return live.State() == StateIdle })

	// Resuming an already-live session returns the same instance.
	_, again, err := reg.Resume(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if again != live {
		t.Error("resume of a live session returned a different instance")
	}
}

func TestRegistry_ReaperEvictsIdle(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry(store, &scriptedBackend{}, &recordingNotifier{})
	reg.SetTimeouts(10*time.Millisecond, time.Hour)

	sess, err := reg.Create(context.Background(), "stale")
	if err != nil {
		t.Fatal(err)
	}
	id := sess.ID

	reg.StartReaper(5 * time.Millisecond)
	defer reg.StopReaper()

	waitFor(t, func() bool {
		_, err := reg.Get(id)
		return err != nil
	})

	// Eviction does not terminate the session on disk.
	stored, err := store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != string(StateIdle) {
		t.Errorf("stored state after eviction = %s, want idle", stored.State)
	}
}

func TestRegistry_EvictedInstanceRejectsInput(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry(store, &scriptedBackend{}, &recordingNotifier{})
	reg.SetTimeouts(time.Nanosecond, 0)

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	id := sess.ID

	time.Sleep(time.Millisecond)
	reg.reapIdle()

	if _, err := reg.Get(id); err == nil {
		t.Fatal("session still live after reap")
	}

	// A caller still holding the old instance cannot start an orphaned turn.
	err = sess.Input(context.Background(), "late input")
	var se *StateError
	if !errors.As(err, &se) || se.Code != CodeSessionNotFound {
		t.Fatalf("input on evicted instance: got %v, want session_not_found", err)
	}

	// Resume builds a fresh instance, never the evicted one.
	_, live, err := reg.Resume(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if live == nil {
		t.Fatal("expected a live session after resume")
	}
	if live == sess {
		t.Error("resume returned the evicted instance")
	}
	if live.State() != StateIdle {
		t.Errorf("resumed state = %s, want idle", live.State())
	}
}

func TestRegistry_SupervisorForceDeniesStalePermission(t *testing.T) {
	store := newTestStore(t)
	decisions := make(chan bool, 1)
	backend := &scriptedBackend{
		turn: func(ctx context.Context, content string, host TurnHost) error {
			host.Emit(protocol.TurnStart{})
			approved, err := host.RequestPermission(ctx, "bash", "rm -rf scratch")
			if err != nil {
				return err
			}
			decisions <- approved
			host.Emit(protocol.TurnComplete{})
			return nil
		},
	}
	reg := NewRegistry(store, backend, &recordingNotifier{})
	reg.SetTimeouts(time.Hour, 10*time.Millisecond)

	sess, err := reg.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Input(context.Background(), "clean up"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sess.State() == StateWaitingPermission })

	reg.StartReaper(5 * time.Millisecond)
	defer reg.StopReaper()

	select {
	case approved := <-decisions:
		if approved {
			t.Error("supervisor approved, want forced denial")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never resolved the stale request")
	}
	waitFor(t, func() bool { return sess.State() == StateIdle })
}
