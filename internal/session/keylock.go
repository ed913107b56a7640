package session

import "sync"

// keyLocks provides a mutex per session id so all state-changing operations
// for one session serialize while different sessions proceed in parallel.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

// do runs fn while holding the session's lock.
func (k *keyLocks) do(key string, fn func() error) error {
	l := k.get(key)
	l.Lock()
	defer l.Unlock()
	return fn()
}
