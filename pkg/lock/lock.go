// Package lock provides per-key serialization (spec.md §5: "writers to the
// same User.id or ServerInstance.name serialize"), generalizing the plain
// sync.RWMutex-guarded maps the teacher uses throughout pkg/scheduler and
// pkg/reconciler into a keyed mutex.
package lock

import "sync"

type refCountedMutex struct {
	mu       sync.Mutex
	refCount int
}

// KeyedMutex hands out a per-key critical section. Keys are typically
// "user:<id>" or "server:<name>"; callers must call the returned unlock
// func exactly once, and must never call Lock again while holding another
// key's lock plus this one in a way that could deadlock (spec.md §5 forbids
// holding two row locks at once; every Manager operation here locks exactly
// one key for its duration).
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refCountedMutex
}

// New builds an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refCountedMutex)}
}

// Lock acquires the critical section for key and returns a func to release it.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	rm, ok := k.locks[key]
	if !ok {
		rm = &refCountedMutex{}
		k.locks[key] = rm
	}
	rm.refCount++
	k.mu.Unlock()

	rm.mu.Lock()

	return func() {
		rm.mu.Unlock()
		k.mu.Lock()
		rm.refCount--
		if rm.refCount == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
