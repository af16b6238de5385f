package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	events []streaming.Event
}

func (r *recorder) record(s string) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) Connecting()        { r.record("connecting") }
func (r *recorder) Connected()         { r.record("connected") }
func (r *recorder) Disconnected(error) { r.record("disconnected") }
func (r *recorder) Received(ev streaming.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) received() []streaming.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]streaming.Event(nil), r.events...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
