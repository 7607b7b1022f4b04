package balance

import (
	"context"
	"sync"
	"time"

	"bridge-core/internal/events"
)

type key struct {
	address string
	ledger  events.Ledger
}

// Registry holds one Manager per (address, ledger).
type Registry struct {
	mu       sync.RWMutex
	managers map[key]*Manager
	lastSeen map[key]time.Time
	factory  ManagerFactory
}

// ManagerFactory creates a Manager for an address on a ledger.
type ManagerFactory func(address string, ledger events.Ledger) (*Manager, error)

// NewRegistry creates a registry backed by factory.
func NewRegistry(factory ManagerFactory) *Registry {
	return &Registry{
		managers: make(map[key]*Manager),
		lastSeen: make(map[key]time.Time),
		factory:  factory,
	}
}

// GetOrCreate returns the manager for address on ledger, creating it if needed.
func (r *Registry) GetOrCreate(address string, ledger events.Ledger) (*Manager, error) {
	k := key{address, ledger}
	r.mu.Lock()
	defer r.mu.Unlock()

	if mgr, ok := r.managers[k]; ok {
		r.lastSeen[k] = time.Now()
		return mgr, nil
	}
	mgr, err := r.factory(address, ledger)
	if err != nil {
		return nil, err
	}
	r.managers[k] = mgr
	r.lastSeen[k] = time.Now()
	return mgr, nil
}

// Get returns the manager or nil.
func (r *Registry) Get(address string, ledger events.Ledger) *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managers[key{address, ledger}]
}

func (r *Registry) Remove(address string, ledger events.Ledger) {
	k := key{address, ledger}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, k)
	delete(r.lastSeen, k)
}

// Managers returns every registered manager.
func (r *Registry) Managers() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	return out
}

// StartAll starts periodic sync on every registered manager.
func (r *Registry) StartAll(ctx context.Context) {
	for _, m := range r.Managers() {
		m.Start(ctx)
	}
}

// Views returns the views of every manager for address.
func (r *Registry) Views(address string) []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []View
	for _, l := range []events.Ledger{events.LedgerL1, events.LedgerL2} {
		if m, ok := r.managers[key{address, l}]; ok {
			out = append(out, m.View())
		}
	}
	return out
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// CleanupIdle removes managers not touched for longer than ttl.
func (r *Registry) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.lastSeen {
		if t.Before(cutoff) {
			delete(r.managers, k)
			delete(r.lastSeen, k)
		}
	}
}
