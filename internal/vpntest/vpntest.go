// Package vpntest provides test doubles for whisper testing: a recorder of
// calls shared by fake bridge, engine, allocator, device and notifier, so
// that tests can check both what was called and in which order, and
// a forwarding wisp server for the transport tests.
package vpntest

import (
	"sync"
)

// Recorder records the calls made on the test doubles.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

// NewRecorder creates a [Recorder].
func NewRecorder() *Recorder {
	return &Recorder{calls: []string{}}
}

// Record appends a call.
func (r *Recorder) Record(call string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many times call was recorded.
func (r *Recorder) Count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Index returns the position of the first occurrence of call, or -1.
func (r *Recorder) Index(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.calls {
		if c == call {
			return i
		}
	}
	return -1
}
