package lock

import "sync"

// memoryRegistry backs the lock primitive on dialects without a native
// try-lock facility. Process-local only; production deployments run on
// postgres or mysql.
type memoryRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{held: make(map[string]struct{})}
}

func (r *memoryRegistry) tryAcquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.held[name]; taken {
		return false
	}
	r.held[name] = struct{}{}
	return true
}

func (r *memoryRegistry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, name)
}
