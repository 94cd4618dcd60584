package session

import (
	"errors"
	"testing"
	"time"

	"github.com/bulkpipe/bulkpipe/internal/logging"
	"github.com/bulkpipe/bulkpipe/internal/remote"
)

// stubActivity marks owners active by name.
type stubActivity struct {
	active map[string]bool
}

func (s *stubActivity) Active(owner string) bool {
	return s.active[owner]
}

func newTestPool(t *testing.T, mock *remote.MockEndpoint, capacity int, idle time.Duration, activity *stubActivity) (*Pool, *StaticStore) {
	t.Helper()
	creds := NewStaticStore()
	pool := NewPool(capacity, idle, mock, creds, activity, logging.New("test", "error"))
	t.Cleanup(pool.DisconnectAll)
	return pool, creds
}

func addOwner(mock *remote.MockEndpoint, creds *StaticStore, owner string) {
	token := "tok-" + owner
	mock.AddToken(token)
	creds.Set(owner, remote.Credentials{Token: token, Endpoint: 1})
}

func TestGetOrCreateRequiresCredentials(t *testing.T) {
	mock := remote.NewMockEndpoint()
	pool, _ := newTestPool(t, mock, 2, time.Minute, &stubActivity{})

	_, err := pool.GetOrCreate(t.Context(), "ghost")
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("got %v, want ErrNoCredentials", err)
	}
}

func TestGetOrCreateReusesSession(t *testing.T) {
	mock := remote.NewMockEndpoint()
	pool, creds := newTestPool(t, mock, 2, time.Minute, &stubActivity{})
	addOwner(mock, creds, "alice")

	first, err := pool.GetOrCreate(t.Context(), "alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	dials := mock.DialCount()

	second, err := pool.GetOrCreate(t.Context(), "alice")
	if err != nil {
		t.Fatalf("GetOrCreate reuse: %v", err)
	}
	if second != first {
		t.Fatal("reuse returned a different session")
	}
	if mock.DialCount() != dials {
		t.Fatalf("reuse dialed again: %d -> %d", dials, mock.DialCount())
	}
	if pool.Len() != 1 {
		t.Fatalf("pool size = %d, want 1", pool.Len())
	}
}

func TestGetOrCreateDistinguishesFailures(t *testing.T) {
	mock := remote.NewMockEndpoint()
	pool, creds := newTestPool(t, mock, 4, time.Minute, &stubActivity{})

	// Unknown token: the connect succeeds but authorization is refused.
	creds.Set("bob", remote.Credentials{Token: "bogus", Endpoint: 1})
	if _, err := pool.GetOrCreate(t.Context(), "bob"); !errors.Is(err, ErrCreationFailed) {
		t.Fatalf("got %v, want ErrCreationFailed", err)
	}

	// Stale token: the endpoint accepts the call but the stored session
	// does not verify. The caller should discard the credentials.
	mock.AddStaleToken("tok-carol")
	creds.Set("carol", remote.Credentials{Token: "tok-carol", Endpoint: 1})
	if _, err := pool.GetOrCreate(t.Context(), "carol"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("got %v, want ErrInvalidSession", err)
	}

	if pool.Len() != 0 {
		t.Fatalf("failed creations left %d pooled sessions", pool.Len())
	}
}

func TestEvictionSkipsActiveOwners(t *testing.T) {
	mock := remote.NewMockEndpoint()
	activity := &stubActivity{active: map[string]bool{"alice": true}}
	pool, creds := newTestPool(t, mock, 2, time.Minute, activity)
	addOwner(mock, creds, "alice")
	addOwner(mock, creds, "bob")
	addOwner(mock, creds, "carol")

	if _, err := pool.GetOrCreate(t.Context(), "alice"); err != nil {
		t.Fatalf("GetOrCreate alice: %v", err)
	}
	if _, err := pool.GetOrCreate(t.Context(), "bob"); err != nil {
		t.Fatalf("GetOrCreate bob: %v", err)
	}

	// Alice is least recently used but active, so bob is evicted instead.
	if _, err := pool.GetOrCreate(t.Context(), "carol"); err != nil {
		t.Fatalf("GetOrCreate carol: %v", err)
	}
	if pool.Len() != 2 {
		t.Fatalf("pool size = %d, want 2", pool.Len())
	}

	dials := mock.DialCount()
	if _, err := pool.GetOrCreate(t.Context(), "alice"); err != nil {
		t.Fatalf("alice should still be pooled: %v", err)
	}
	if mock.DialCount() != dials {
		t.Fatal("alice was evicted despite being active")
	}
}

func TestSlotsFullWhenAllActive(t *testing.T) {
	mock := remote.NewMockEndpoint()
	activity := &stubActivity{active: map[string]bool{"alice": true, "bob": true}}
	pool, creds := newTestPool(t, mock, 2, time.Minute, activity)
	addOwner(mock, creds, "alice")
	addOwner(mock, creds, "bob")
	addOwner(mock, creds, "carol")

	if _, err := pool.GetOrCreate(t.Context(), "alice"); err != nil {
		t.Fatalf("GetOrCreate alice: %v", err)
	}
	if _, err := pool.GetOrCreate(t.Context(), "bob"); err != nil {
		t.Fatalf("GetOrCreate bob: %v", err)
	}

	if _, err := pool.GetOrCreate(t.Context(), "carol"); !errors.Is(err, ErrSlotsFull) {
		t.Fatalf("got %v, want ErrSlotsFull", err)
	}
	// Neither existing session was disturbed.
	if pool.Len() != 2 {
		t.Fatalf("pool size = %d, want 2", pool.Len())
	}
}

func TestRemoveIgnoresActivity(t *testing.T) {
	mock := remote.NewMockEndpoint()
	activity := &stubActivity{active: map[string]bool{"alice": true}}
	pool, creds := newTestPool(t, mock, 2, time.Minute, activity)
	addOwner(mock, creds, "alice")

	if _, err := pool.GetOrCreate(t.Context(), "alice"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	pool.Remove("alice")
	if pool.Len() != 0 {
		t.Fatal("explicit remove must drop active sessions too")
	}
}

func TestReapIdle(t *testing.T) {
	mock := remote.NewMockEndpoint()
	activity := &stubActivity{active: map[string]bool{"eve": true}}
	pool, creds := newTestPool(t, mock, 4, 2*time.Minute, activity)
	addOwner(mock, creds, "dave")
	addOwner(mock, creds, "eve")

	if _, err := pool.GetOrCreate(t.Context(), "dave"); err != nil {
		t.Fatalf("GetOrCreate dave: %v", err)
	}
	if _, err := pool.GetOrCreate(t.Context(), "eve"); err != nil {
		t.Fatalf("GetOrCreate eve: %v", err)
	}

	// Three minutes later: dave is idle past the timeout, eve is just as
	// idle but has a transfer in flight.
	reaped := pool.ReapIdle(time.Now().Add(3 * time.Minute))
	if reaped != 1 {
		t.Fatalf("reaped %d sessions, want 1", reaped)
	}
	if pool.Len() != 1 {
		t.Fatalf("pool size = %d, want 1", pool.Len())
	}
	if _, ok := pool.entries["eve"]; !ok {
		t.Fatal("active owner was reaped")
	}
}

func TestReapIdlePurgesOrphanedActivity(t *testing.T) {
	mock := remote.NewMockEndpoint()
	pool, _ := newTestPool(t, mock, 2, 2*time.Minute, &stubActivity{})

	pool.mu.Lock()
	pool.lastActivity["ghost"] = time.Now().Add(-time.Hour)
	pool.mu.Unlock()

	pool.ReapIdle(time.Now())

	pool.mu.Lock()
	_, ok := pool.lastActivity["ghost"]
	pool.mu.Unlock()
	if ok {
		t.Fatal("orphaned activity entry not purged")
	}
}

func TestTouchRefreshesIdleClock(t *testing.T) {
	mock := remote.NewMockEndpoint()
	pool, creds := newTestPool(t, mock, 2, 2*time.Minute, &stubActivity{})
	addOwner(mock, creds, "alice")

	if _, err := pool.GetOrCreate(t.Context(), "alice"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	pool.mu.Lock()
	pool.lastActivity["alice"] = time.Now().Add(-3 * time.Minute)
	pool.mu.Unlock()

	pool.Touch("alice")
	if reaped := pool.ReapIdle(time.Now()); reaped != 0 {
		t.Fatalf("reaped %d sessions after touch, want 0", reaped)
	}
}
