package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unionpay/riskgate/internal/models"
)

// MemorySessionStore keeps sessions in process. The map lock is only held
// to find an entry; each entry has its own lock so updates to different
// actions never contend.
type MemorySessionStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu      sync.Mutex
	session *models.VerificationSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{entries: make(map[string]*memoryEntry)}
}

// lockEntry returns the locked entry for key, creating it when create is
// set. It returns nil when the key is absent and create is false.
// Lock order is entry then map; the map lock is never held while waiting
// on an entry.
func (s *MemorySessionStore) lockEntry(key string, create bool) *memoryEntry {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			e = &memoryEntry{}
			s.entries[key] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		s.mu.Lock()
		current := s.entries[key]
		s.mu.Unlock()
		if current == e {
			return e
		}
		// Deleted while we waited; start over.
		e.mu.Unlock()
	}
}

func (s *MemorySessionStore) Get(_ context.Context, pendingActionID string) (*models.VerificationSession, error) {
	e := s.lockEntry(pendingActionID, false)
	if e == nil {
		return nil, notFound(pendingActionID)
	}
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, notFound(pendingActionID)
	}
	return e.session.Clone(), nil
}

func (s *MemorySessionStore) GetOrCreate(_ context.Context, pendingActionID string, create func() (*models.VerificationSession, error)) (*models.VerificationSession, bool, error) {
	e := s.lockEntry(pendingActionID, true)
	defer e.mu.Unlock()

	if e.session != nil && !replaceable(e.session) {
		return e.session.Clone(), false, nil
	}
	session, err := create()
	if err != nil {
		return nil, false, err
	}
	e.session = session.Clone()
	return session.Clone(), true, nil
}

func (s *MemorySessionStore) Update(_ context.Context, pendingActionID string, fn func(*models.VerificationSession) error) (*models.VerificationSession, error) {
	e := s.lockEntry(pendingActionID, false)
	if e == nil {
		return nil, notFound(pendingActionID)
	}
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, notFound(pendingActionID)
	}

	work := e.session.Clone()
	fnErr := fn(work)
	e.session = work
	return work.Clone(), fnErr
}

// Sweep drops sessions that can no longer be used: terminal sessions last
// touched before cutoff and pending sessions that expired before cutoff.
// It returns how many were removed.
func (s *MemorySessionStore) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	removed := 0
	for _, k := range keys {
		e := s.lockEntry(k, false)
		if e == nil {
			continue
		}
		if e.session == nil || reclaimable(e.session, cutoff) {
			s.mu.Lock()
			delete(s.entries, k)
			s.mu.Unlock()
			if e.session != nil {
				removed++
			}
			e.session = nil
		}
		e.mu.Unlock()
	}
	return removed
}

func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// replaceable reports whether GetOrCreate may overwrite a stored session.
// Failed and expired sessions are final; the action starts a new one.
func replaceable(s *models.VerificationSession) bool {
	return s.State == models.SessionFailed || s.State == models.SessionExpired
}

func reclaimable(s *models.VerificationSession, cutoff time.Time) bool {
	if s.State.Terminal() {
		return s.UpdatedAt.Before(cutoff)
	}
	return s.ExpiresAt.Before(cutoff)
}

func notFound(pendingActionID string) error {
	return models.NewError(models.KindSessionNotFound, fmt.Sprintf("no session for action %s", pendingActionID), nil)
}
