// Package registry tracks the relay's in-flight conversations. Records move
// through a small status lifecycle and are rekeyed at most once, during the
// upstream handshake, when the provider assigns its canonical conversation id.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when the source id has no record.
var ErrNotFound = errors.New("conversation not found")

// ErrActive is returned by Claim when a session already holds the record.
var ErrActive = errors.New("conversation already active")

// Status is a conversation's lifecycle phase.
type Status string

const (
	// StatusPendingNotification marks a record created for an incoming call
	// whose callee has been notified but has not yet accepted.
	StatusPendingNotification Status = "pending_notification"
	// StatusPending marks an accepted or directly initiated call waiting for
	// the client socket to connect.
	StatusPending Status = "pending"
	// StatusActive marks a relay session with a connected client.
	StatusActive Status = "active"
	// StatusTerminated marks a finished session awaiting cleanup.
	StatusTerminated Status = "terminated"
)

// ClientConn is the registry's view of a client-facing socket: enough to
// push a final control event and to disconnect. The registry never owns the
// connection; the relay session does.
type ClientConn interface {
	WriteJSON(v any) error
	Close() error
}

// Conversation is one relay session's record.
type Conversation struct {
	ID      string
	UserID  string
	AgentID string
	Status  Status

	// Optional overrides carried from call creation to the upstream
	// handshake. They must survive a rekey.
	FirstMessage string
	SystemPrompt string
	Language     string

	// Set on notification-path records only.
	NotificationTitle string
	NotificationBody  string

	// SignedURL is the one-time upstream connection descriptor. It is
	// consumed by the relay when the client socket arrives and never reused.
	SignedURL string

	// Client is set only while the session is active.
	Client ClientConn

	// EndSignal, set while a session drives the record, delivers the
	// end-of-call notice through the session so it is sent at most once.
	EndSignal func()

	// NeedsPersist defers the durable write-through until the canonical id
	// is known.
	NeedsPersist bool

	CreatedAt time.Time
}

// Registry is a concurrency-safe conversation map. Sessions are independent,
// so all mutations serialize under a single mutex and no cross-id
// coordination exists.
type Registry struct {
	mu    sync.Mutex
	convs map[string]*Conversation
}

func New() *Registry {
	return &Registry{convs: make(map[string]*Conversation)}
}

// Put inserts or replaces the record under conv.ID.
func (r *Registry) Put(conv Conversation) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.convs == nil {
		r.convs = make(map[string]*Conversation)
	}
	c := conv
	r.convs[conv.ID] = &c
}

// Get returns a snapshot copy of the record. Mutating the copy does not
// affect the registry; use the Set* methods for that.
func (r *Registry) Get(id string) (Conversation, bool) {
	if r == nil {
		return Conversation{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Rename atomically moves the record from oldID to newID, fields unchanged.
// No caller can observe a state where both keys exist or neither does.
// Renaming a record onto its own id is a no-op; an existing record under
// newID is replaced.
func (r *Registry) Rename(oldID, newID string) error {
	return r.Rekey(oldID, newID, nil)
}

// Rekey atomically moves the record from oldID to newID, applying update to
// it under the same lock hold. No caller can observe both keys live, neither
// key live, or the update half-applied. Rekeying onto the same id applies
// the update in place; an existing record under newID is replaced.
func (r *Registry) Rekey(oldID, newID string, update func(*Conversation)) error {
	if r == nil {
		return ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[oldID]
	if !ok {
		return ErrNotFound
	}
	if update != nil {
		update(c)
	}
	c.ID = newID
	if oldID != newID {
		r.convs[newID] = c
		delete(r.convs, oldID)
	}
	return nil
}

// Claim takes ownership of the record for a starting relay session: the
// status moves to active and conn attaches in one lock hold. An active
// record cannot be claimed again, so at most one session ever drives a
// conversation. The returned snapshot reflects the claimed state.
func (r *Registry) Claim(id string, conn ClientConn) (Conversation, error) {
	if r == nil {
		return Conversation{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	if c.Status == StatusActive {
		return Conversation{}, ErrActive
	}
	c.Status = StatusActive
	c.Client = conn
	return *c, nil
}

// Delete removes the record. It reports whether a record existed.
func (r *Registry) Delete(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.convs[id]
	delete(r.convs, id)
	return ok
}

// SetStatus updates the record's status. It reports whether a record existed.
func (r *Registry) SetStatus(id string, status Status) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return false
	}
	c.Status = status
	return true
}

// SetClient attaches (or with nil detaches) the client socket reference.
func (r *Registry) SetClient(id string, conn ClientConn) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return false
	}
	c.Client = conn
	return true
}

// SetEndSignal attaches (or with nil detaches) the session's end-notice hook.
func (r *Registry) SetEndSignal(id string, fn func()) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return false
	}
	c.EndSignal = fn
	return true
}

// ClearNeedsPersist marks the record's durable write-through as done.
func (r *Registry) ClearNeedsPersist(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return false
	}
	c.NeedsPersist = false
	return true
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convs)
}

// IDs returns the current conversation ids in no particular order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.convs))
	for id := range r.convs {
		ids = append(ids, id)
	}
	return ids
}
