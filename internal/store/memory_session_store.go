package store

import (
	"context"
	"sync"
	"time"

	"github.com/aussiehq/gateway/internal/identity"
)

// MemorySessionStore is an in-memory reference SessionStore adapter.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]identity.Session
	invalid  []chan string
}

// NewMemorySessionStore constructs an empty in-memory SessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]identity.Session)}
}

func (s *MemorySessionStore) Get(_ context.Context, sessionID string) (identity.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return identity.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemorySessionStore) Put(_ context.Context, sess identity.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemorySessionStore) UpdateLastAccessed(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.LastAccessedAt = time.Now()
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemorySessionStore) Invalidate(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	chans := append([]chan string(nil), s.invalid...)
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- sessionID:
		default:
		}
	}
	return nil
}

func (s *MemorySessionStore) InvalidateUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	var toInvalidate []string
	for id, sess := range s.sessions {
		if sess.Principal.ID == userID {
			toInvalidate = append(toInvalidate, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toInvalidate {
		if err := s.Invalidate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemorySessionStore) WatchInvalidations(ctx context.Context) <-chan string {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.invalid = append(s.invalid, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.invalid {
			if c == ch {
				s.invalid = append(s.invalid[:i], s.invalid[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}
