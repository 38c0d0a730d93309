package store

import (
	"context"
	"sync"

	"github.com/aussiehq/gateway/internal/registry"
)

// MemoryServiceStore is an in-memory reference ServiceStore adapter. The
// CAS semantics mirror internal/postgres/version_store.go's
// "UPDATE ... WHERE version = $n RETURNING version" pattern, rewritten here
// as a mutex-guarded compare-then-write since there is no database.
type MemoryServiceStore struct {
	mu   sync.Mutex
	regs map[string]registry.ServiceRegistration
	subs []chan string
}

// NewMemoryServiceStore constructs an empty in-memory ServiceStore.
func NewMemoryServiceStore() *MemoryServiceStore {
	return &MemoryServiceStore{regs: make(map[string]registry.ServiceRegistration)}
}

func (s *MemoryServiceStore) Get(_ context.Context, serviceID string) (registry.ServiceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[serviceID]
	if !ok {
		return registry.ServiceRegistration{}, ErrNotFound
	}
	return reg, nil
}

func (s *MemoryServiceStore) List(_ context.Context) ([]registry.ServiceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.ServiceRegistration, 0, len(s.regs))
	for _, reg := range s.regs {
		out = append(out, reg)
	}
	return out, nil
}

// Put inserts reg if it does not yet exist (reg.Version is taken as-is),
// or performs a compare-and-swap update when it does: reg.Version must be
// exactly the stored version plus one, after which reg is stored as given
// (internal/registry.ServiceRegistry is
// responsible for incrementing it before calling Put).
func (s *MemoryServiceStore) Put(_ context.Context, reg registry.ServiceRegistration) (registry.ServiceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.regs[reg.ServiceID]
	if exists && current.Version+1 != reg.Version {
		return registry.ServiceRegistration{}, ErrVersionConflict
	}

	s.regs[reg.ServiceID] = reg
	s.notify(reg.ServiceID)
	return reg, nil
}

func (s *MemoryServiceStore) Delete(_ context.Context, serviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[serviceID]; !ok {
		return false, nil
	}
	delete(s.regs, serviceID)
	s.notify(serviceID)
	return true, nil
}

func (s *MemoryServiceStore) Watch(ctx context.Context) <-chan string {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// notify fans out a change to every active watcher, dropping the
// notification for any watcher whose buffer is full rather than blocking.
// Caller must hold s.mu.
func (s *MemoryServiceStore) notify(serviceID string) {
	for _, ch := range s.subs {
		select {
		case ch <- serviceID:
		default:
		}
	}
}
