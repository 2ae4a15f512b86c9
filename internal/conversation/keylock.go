package conversation

import "sync"

// keyMutex hands out at most one hold per key. Callers that fail to acquire
// are rejected immediately rather than queued, so a user's second message
// gets a "still processing" reply instead of racing the first.
type keyMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyMutex() *keyMutex {
	return &keyMutex{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key if it is free.
func (k *keyMutex) TryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, busy := k.held[key]; busy {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

// Release frees the lock for key.
func (k *keyMutex) Release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.held, key)
}
