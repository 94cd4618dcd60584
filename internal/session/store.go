package session

import (
	"sync"

	"github.com/bulkpipe/bulkpipe/internal/remote"
)

// StaticStore is an in-memory CredentialStore. The daemon seeds it from
// its credentials file; tests seed it directly.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[string]remote.Credentials
}

// NewStaticStore creates an empty store.
func NewStaticStore() *StaticStore {
	return &StaticStore{creds: make(map[string]remote.Credentials)}
}

// Set stores credentials for an owner.
func (s *StaticStore) Set(owner string, creds remote.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[owner] = creds
}

// Delete removes an owner's credentials.
func (s *StaticStore) Delete(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, owner)
}

// Credentials implements CredentialStore.
func (s *StaticStore) Credentials(owner string) (remote.Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.creds[owner]
	return creds, ok
}
