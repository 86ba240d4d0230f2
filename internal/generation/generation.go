// Package generation runs image and video generations attached to assistant
// messages. Each message has at most one of each in flight; results are
// written back by id and dropped if the message is gone.
package generation

import (
	"errors"
	"sync"
)

var (
	// ErrOperationNotFound is returned by a VideoGenerator when the backend
	// no longer knows the operation (or the model).
	ErrOperationNotFound = errors.New("operation not found")
	ErrOperationInFlight = errors.New("a generation is already running for this message")
)

// inflight tracks per-message operations.
type inflight struct {
	mu   sync.Mutex
	keys map[string]bool
	wg   sync.WaitGroup
}

func (f *inflight) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = map[string]bool{}
	}
	if f.keys[key] {
		return false
	}
	f.keys[key] = true
	f.wg.Add(1)
	return true
}

func (f *inflight) release(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
	f.wg.Done()
}

func (f *inflight) running(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[key]
}

func opKey(sessionID, messageID string) string { return sessionID + "/" + messageID }
