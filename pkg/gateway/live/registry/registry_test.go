package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistry_PutGet_SnapshotCopy(t *testing.T) {
	r := New()
	r.Put(Conversation{
		ID:           "conv_1",
		UserID:       "user_a",
		AgentID:      "agent_x",
		Status:       StatusPending,
		FirstMessage: "Hi there",
		CreatedAt:    time.Now(),
	})

	got, ok := r.Get("conv_1")
	if !ok {
		t.Fatalf("Get(conv_1) = false, want record")
	}
	if got.FirstMessage != "Hi there" {
		t.Fatalf("FirstMessage = %q", got.FirstMessage)
	}

	got.Status = StatusTerminated
	again, _ := r.Get("conv_1")
	if again.Status != StatusPending {
		t.Fatalf("mutating the snapshot leaked into the registry: status=%q", again.Status)
	}
}

func TestRegistry_Get_Missing(t *testing.T) {
	r := New()
	if _, ok := r.Get("nope"); ok {
		t.Fatalf("Get on empty registry returned a record")
	}
}

func TestRegistry_Rename_MovesRecordAndKeepsFields(t *testing.T) {
	r := New()
	r.Put(Conversation{
		ID:           "conv_provisional",
		UserID:       "user_a",
		FirstMessage: "custom greeting",
		SystemPrompt: "be brief",
		NeedsPersist: true,
	})

	if err := r.Rename("conv_provisional", "conv_canonical"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, ok := r.Get("conv_provisional"); ok {
		t.Fatalf("old key still present after rename")
	}
	got, ok := r.Get("conv_canonical")
	if !ok {
		t.Fatalf("new key absent after rename")
	}
	if got.ID != "conv_canonical" {
		t.Fatalf("ID = %q, want rekeyed id", got.ID)
	}
	if got.FirstMessage != "custom greeting" || got.SystemPrompt != "be brief" {
		t.Fatalf("overrides lost in rename: %+v", got)
	}
	if !got.NeedsPersist {
		t.Fatalf("NeedsPersist lost in rename")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_Rename_SameIDIsNoop(t *testing.T) {
	r := New()
	r.Put(Conversation{ID: "conv_1", UserID: "user_a"})
	if err := r.Rename("conv_1", "conv_1"); err != nil {
		t.Fatalf("Rename onto same id: %v", err)
	}
	if _, ok := r.Get("conv_1"); !ok {
		t.Fatalf("record lost on same-id rename")
	}
}

func TestRegistry_Rename_MissingSource(t *testing.T) {
	r := New()
	if err := r.Rename("ghost", "conv_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Rename = %v, want ErrNotFound", err)
	}
	if err := r.Rename("ghost", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("same-id Rename = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Rename_ReplacesExistingTarget(t *testing.T) {
	r := New()
	r.Put(Conversation{ID: "conv_old", UserID: "user_a"})
	r.Put(Conversation{ID: "conv_new", UserID: "user_b"})

	if err := r.Rename("conv_old", "conv_new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, _ := r.Get("conv_new")
	if got.UserID != "user_a" {
		t.Fatalf("target not replaced: UserID=%q", got.UserID)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_Rekey_MovesAndMutatesAtomically(t *testing.T) {
	r := New()
	r.Put(Conversation{
		ID:           "notif_user_a_1700000000",
		UserID:       "user_a",
		Status:       StatusPendingNotification,
		FirstMessage: "custom greeting",
	})

	err := r.Rekey("notif_user_a_1700000000", "conv_canonical", func(c *Conversation) {
		c.Status = StatusPending
		c.SignedURL = "wss://upstream.example/call?token=abc"
	})
	if err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	if _, ok := r.Get("notif_user_a_1700000000"); ok {
		t.Fatalf("old key still present after rekey")
	}
	got, ok := r.Get("conv_canonical")
	if !ok {
		t.Fatalf("new key absent after rekey")
	}
	if got.Status != StatusPending || got.SignedURL != "wss://upstream.example/call?token=abc" {
		t.Fatalf("update not applied with the move: %+v", got)
	}
	if got.FirstMessage != "custom greeting" {
		t.Fatalf("overrides lost in rekey: %+v", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_Rekey_SameIDAppliesUpdate(t *testing.T) {
	r := New()
	r.Put(Conversation{ID: "conv_1", Status: StatusPendingNotification})

	err := r.Rekey("conv_1", "conv_1", func(c *Conversation) { c.Status = StatusPending })
	if err != nil {
		t.Fatalf("Rekey onto same id: %v", err)
	}
	got, _ := r.Get("conv_1")
	if got.Status != StatusPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
}

func TestRegistry_Rekey_MissingSource(t *testing.T) {
	r := New()
	err := r.Rekey("ghost", "conv_1", func(c *Conversation) { c.Status = StatusPending })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Rekey = %v, want ErrNotFound", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_Claim_MarksActiveAndAttachesClient(t *testing.T) {
	r := New()
	r.Put(Conversation{ID: "conv_1", UserID: "user_a", Status: StatusPending, SignedURL: "wss://upstream.example/call"})

	conn := &fakeClientConn{}
	got, err := r.Claim("conv_1", conn)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.Status != StatusActive || got.Client != conn {
		t.Fatalf("claimed snapshot = %+v", got)
	}
	if got.SignedURL != "wss://upstream.example/call" {
		t.Fatalf("SignedURL missing from snapshot: %+v", got)
	}
	stored, _ := r.Get("conv_1")
	if stored.Status != StatusActive || stored.Client != conn {
		t.Fatalf("stored record = %+v", stored)
	}
}

func TestRegistry_Claim_RejectsActiveRecord(t *testing.T) {
	r := New()
	r.Put(Conversation{ID: "conv_1", Status: StatusPending})

	first := &fakeClientConn{}
	if _, err := r.Claim("conv_1", first); err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if _, err := r.Claim("conv_1", &fakeClientConn{}); !errors.Is(err, ErrActive) {
		t.Fatalf("second Claim = %v, want ErrActive", err)
	}
	stored, _ := r.Get("conv_1")
	if stored.Client != first {
		t.Fatalf("losing claim replaced the client reference")
	}
}

func TestRegistry_Claim_MissingRecord(t *testing.T) {
	r := New()
	if _, err := r.Claim("ghost", &fakeClientConn{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Claim = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Delete_Idempotent(t *testing.T) {
	r := New()
	r.Put(Conversation{ID: "conv_1"})
	if !r.Delete("conv_1") {
		t.Fatalf("first Delete = false")
	}
	if r.Delete("conv_1") {
		t.Fatalf("second Delete = true")
	}
}

func TestRegistry_FieldMutations(t *testing.T) {
	r := New()
	r.Put(Conversation{ID: "conv_1", Status: StatusPendingNotification, NeedsPersist: true})

	if !r.SetStatus("conv_1", StatusActive) {
		t.Fatalf("SetStatus = false")
	}
	if !r.ClearNeedsPersist("conv_1") {
		t.Fatalf("ClearNeedsPersist = false")
	}
	conn := &fakeClientConn{}
	if !r.SetClient("conv_1", conn) {
		t.Fatalf("SetClient = false")
	}

	got, _ := r.Get("conv_1")
	if got.Status != StatusActive {
		t.Fatalf("Status = %q", got.Status)
	}
	if got.NeedsPersist {
		t.Fatalf("NeedsPersist still set")
	}
	if got.Client != conn {
		t.Fatalf("Client not attached")
	}

	if !r.SetClient("conv_1", nil) {
		t.Fatalf("SetClient(nil) = false")
	}
	got, _ = r.Get("conv_1")
	if got.Client != nil {
		t.Fatalf("Client not detached")
	}

	var ended bool
	if !r.SetEndSignal("conv_1", func() { ended = true }) {
		t.Fatalf("SetEndSignal = false")
	}
	got, _ = r.Get("conv_1")
	if got.EndSignal == nil {
		t.Fatalf("EndSignal not attached")
	}
	got.EndSignal()
	if !ended {
		t.Fatalf("EndSignal hook not invoked")
	}

	if r.SetStatus("ghost", StatusActive) || r.SetClient("ghost", conn) ||
		r.ClearNeedsPersist("ghost") || r.SetEndSignal("ghost", func() {}) {
		t.Fatalf("mutations on missing id reported success")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conv_%d", n)
			r.Put(Conversation{ID: id, Status: StatusPending})
			r.SetStatus(id, StatusActive)
			if _, ok := r.Get(id); !ok {
				t.Errorf("record %s missing", id)
			}
			if n%2 == 0 {
				r.Delete(id)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 8 {
		t.Fatalf("Len = %d, want 8", r.Len())
	}
}

type fakeClientConn struct{ closed bool }

func (f *fakeClientConn) WriteJSON(v any) error { return nil }

func (f *fakeClientConn) Close() error {
	f.closed = true
	return nil
}
