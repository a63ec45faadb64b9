package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-dev/threadline/internal/history"
)

// DefaultIdleTimeout is how long an idle session stays in the live registry
// before being evicted. The persisted record survives eviction.
const DefaultIdleTimeout = 30 * time.Minute

// DefaultPermissionDeadline is how long a session may sit in
// WaitingPermission before the supervisor force-denies the request through
// the normal permission_response path.
const DefaultPermissionDeadline = 10 * time.Minute

// Registry is the process-wide map from session id to live session. It is
// constructed once at startup and injected into the transports; there is no
// ambient singleton, so tests build isolated registries.
type Registry struct {
	store    *history.Store
	backend  Backend
	notifier Notifier

	idleTimeout        time.Duration
	permissionDeadline time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	reaperCancel context.CancelFunc
}

// NewRegistry creates an empty registry backed by the given store and
// backend.
func NewRegistry(store *history.Store, backend Backend, notifier Notifier) *Registry {
	return &Registry{
		store:              store,
		backend:            backend,
		notifier:           notifier,
		idleTimeout:        DefaultIdleTimeout,
		permissionDeadline: DefaultPermissionDeadline,
		sessions:           make(map[string]*Session),
	}
}

// SetTimeouts overrides the idle eviction and permission supervisor
// deadlines. Zero keeps the current value.
func (r *Registry) SetTimeouts(idle, permission time.Duration) {
	if idle > 0 {
		r.idleTimeout = idle
	}
	if permission > 0 {
		r.permissionDeadline = permission
	}
}

// Create makes a new session: a fresh id, a backend handle, and a persisted
// record, then registers the live state machine. Names may collide freely;
// identity is by generated id.
func (r *Registry) Create(ctx context.Context, name string) (*Session, error) {
	id := uuid.NewString()

	backendID, err := r.backend.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend session: %w", err)
	}

	now := time.Now().UTC()
	if err := r.store.CreateSession(ctx, &history.Session{
		ID:               id,
		Name:             name,
		BackendSessionID: backendID,
		State:            string(StateIdle),
		CreatedAt:        now,
		LastAccessedAt:   now,
	}); err != nil {
		return nil, err
	}

	sess := newSession(id, name, r.store, r.backend, r.notifier)
	sess.backendSessionID = backendID

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	slog.Info("session created", "session_id", id, "name", name)
	return sess, nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, stateErrf(CodeSessionNotFound, "session %s is not live", id)
	}
	return sess, nil
}

// Resume reattaches a live state machine to a persisted session. Terminal
// sessions are never reactivated: the caller gets the stored resume info and
// no live session. A session that is already live resumes to itself.
func (r *Registry) Resume(ctx context.Context, id string) (*history.ResumeInfo, *Session, error) {
	info, err := r.store.ResumeSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if terminal(State(info.State)) {
		return info, nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		return info, sess, nil
	}

	stored, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	sess := newSession(id, stored.Name, r.store, r.backend, r.notifier)
	sess.backendSessionID = stored.BackendSessionID
	// A resumed session always restarts in Idle: any turn that was running
	// died with the previous process.
	if stored.State != string(StateIdle) {
		if err := r.store.UpdateSessionState(ctx, id, string(StateIdle), ""); err != nil {
			return nil, nil, err
		}
	}
	r.sessions[id] = sess

	slog.Info("session resumed", "session_id", id)
	return info, sess, nil
}

// Close finishes a session and evicts it from the live registry.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return stateErrf(CodeSessionNotFound, "session %s is not live", id)
	}
	if err := sess.Close(ctx); err != nil {
		return err
	}
	slog.Info("session closed", "session_id", id)
	return nil
}

// Evict drops a session from the live registry without changing its
// persisted state. Used when deleting a session's history or on idle
// eviction.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// CloseAll finishes every live session. Called on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Close(ctx, id); err != nil {
			var se *StateError
			if !errors.As(err, &se) {
				slog.Warn("failed to close session on shutdown", "session_id", id, "error", err)
			}
		}
	}
}

// StartReaper runs the idle evictor and the permission supervisor until
// StopReaper is called.
func (r *Registry) StartReaper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.reaperCancel = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reapIdle()
				r.superviseWaiting()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopReaper stops the background reaper goroutine.
func (r *Registry) StopReaper() {
	r.mu.Lock()
	if r.reaperCancel != nil {
		r.reaperCancel()
		r.reaperCancel = nil
	}
	r.mu.Unlock()
}

// reapIdle evicts sessions that have been idle past the timeout. Only
// sessions actually in Idle are evicted; a processing session is never
// considered stale. The staleness check and eviction happen under the
// session's own lock (via tryEvict), so an input cannot land in between and
// run a turn on an instance the registry has already dropped.
func (r *Registry) reapIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		if sess.tryEvict(r.idleTimeout) {
			slog.Info("evicting idle session", "session_id", id)
			delete(r.sessions, id)
		}
	}
}

// superviseWaiting force-denies permission requests that have waited past
// the deadline, through the same resolve path a client would use. There is
// no separate bypass of the state machine.
func (r *Registry) superviseWaiting() {
	r.mu.RLock()
	var overdue []*Session
	for _, sess := range r.sessions {
		since := sess.WaitingSince()
		if !since.IsZero() && time.Since(since) > r.permissionDeadline {
			overdue = append(overdue, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range overdue {
		pending := sess.PendingPermission()
		if pending == nil {
			continue
		}
		slog.Warn("force-denying overdue permission request",
			"session_id", sess.ID, "request_id", pending.ID, "tool", pending.Tool)
		if err := sess.ResolvePermission(pending.ID, false); err != nil {
			slog.Warn("failed to force-deny permission", "session_id", sess.ID, "error", err)
		}
	}
}
