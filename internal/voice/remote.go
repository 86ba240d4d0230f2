package voice

import "sync"

// RemoteCapture stands in for a capture engine that runs elsewhere, such as
// in a browser talking to the HTTP server. Start and Stop only record the
// desired state; clients poll it and report transcripts back.
type RemoteCapture struct {
	mu     sync.Mutex
	active bool
	epoch  int
}

// Start implements Capture.
func (r *RemoteCapture) Start() error {
	r.mu.Lock()
	r.active = true
	r.epoch++
	r.mu.Unlock()
	return nil
}

// Stop implements Capture.
func (r *RemoteCapture) Stop() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// Status reports whether capture should be running, and a counter that
// increases with every start so clients notice restarts.
func (r *RemoteCapture) Status() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.epoch
}
