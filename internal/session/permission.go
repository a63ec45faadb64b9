package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// PendingPermission is the single outstanding permission request a session
// may hold. The decision channel has capacity one so resolution never blocks
// the resolver.
type PendingPermission struct {
	ID          string
	Tool        string
	Description string

	decision chan bool
}

// PermissionBroker tracks at most one outstanding permission request for a
// session and guarantees it resolves exactly once. Concurrent Resolve calls
// for the same id are serialized; only the first succeeds.
type PermissionBroker struct {
	mu      sync.Mutex
	pending *PendingPermission
}

// NewPermissionBroker returns an empty broker.
func NewPermissionBroker() *PermissionBroker {
	return &PermissionBroker{}
}

// Issue registers a new pending request and returns it. Fails if one is
// already outstanding.
func (b *PermissionBroker) Issue(tool, description string) (*PendingPermission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending != nil {
		return nil, stateErrf(CodePermissionAlreadyPending,
			"permission request %s is already pending", b.pending.ID)
	}

	p := &PendingPermission{
		ID:          newRequestID(),
		Tool:        tool,
		Description: description,
		decision:    make(chan bool, 1),
	}
	b.pending = p
	return p, nil
}

// Resolve delivers the approval decision for the pending request. A missing
// or mismatched request id, including a second resolve after the first
// succeeded, fails with permission_mismatch and changes nothing.
func (b *PermissionBroker) Resolve(requestID string, approved bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		return stateErrf(CodePermissionMismatch, "no permission request is pending")
	}
	if b.pending.ID != requestID {
		return stateErrf(CodePermissionMismatch,
			"request id %q does not match pending request %q", requestID, b.pending.ID)
	}

	b.pending.decision <- approved
	b.pending = nil
	return nil
}

// Pending returns the outstanding request, or nil.
func (b *PermissionBroker) Pending() *PendingPermission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Clear drops the pending request without resolving it. Used when a session
// fails while waiting.
func (b *PermissionBroker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

// Decision returns the channel the issuing turn blocks on.
func (p *PendingPermission) Decision() <-chan bool {
	return p.decision
}

func newRequestID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return "perm_" + hex.EncodeToString(buf)
}
