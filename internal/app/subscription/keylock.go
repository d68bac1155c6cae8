package subscription

import "sync"

// keyLocks serializes operations on the same subscription identity while letting
// different identities proceed in parallel. Entries are reference counted so the map
// does not grow with every key ever seen.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu      sync.Mutex
	waiters int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for id and returns its release function.
func (k *keyLocks) Lock(id string) func() {
	k.mu.Lock()
	lock, ok := k.locks[id]
	if !ok {
		lock = &keyLock{}
		k.locks[id] = lock
	}
	lock.waiters++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.waiters--
		if lock.waiters == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
