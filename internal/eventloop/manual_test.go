package eventloop

import (
	"context"
	"testing"
	"time"
)

func TestManualAdvanceFiresInOrder(t *testing.T) {
	m := NewManual()
	var got []string
	m.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	m.AfterFunc(time.Second, func() {
		got = append(got, "a")
		m.AfterFunc(500*time.Millisecond, func() { got = append(got, "a2") })
	})
	stopped := m.AfterFunc(1500*time.Millisecond, func() { got = append(got, "x") })
	stopped.Stop()

	m.Advance(3 * time.Second)
	want := []string{"a", "a2", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if m.Armed() != 0 {
		t.Fatalf("expected no armed timers, got %d", m.Armed())
	}
	if m.Now() != 3*time.Second {
		t.Fatalf("unexpected clock %s", m.Now())
	}
}

func TestManualHoldAsync(t *testing.T) {
	m := NewManual()
	m.HoldAsync(true)
	var order []string
	m.Async(context.Background(), func(context.Context) error {
		order = append(order, "work")
		return nil
	}, func(error) { order = append(order, "then") })
	if len(order) != 0 || m.Pending() != 1 {
		t.Fatalf("expected held routine, got %v", order)
	}
	m.Flush()
	if len(order) != 2 || order[0] != "work" || order[1] != "then" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestManualNextIn(t *testing.T) {
	m := NewManual()
	if _, ok := m.NextIn(); ok {
		t.Fatalf("expected nothing armed")
	}
	m.AfterFunc(7*time.Second, func() {})
	m.Advance(2 * time.Second)
	if d, ok := m.NextIn(); !ok || d != 5*time.Second {
		t.Fatalf("expected 5s, got %s %v", d, ok)
	}
}
