package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"github.com/Wesbrine/hydra-social/internal/eventloop"
	"github.com/Wesbrine/hydra-social/internal/metrics"
)

type harness struct {
	rt   *eventloop.Manual
	s    *Scheduler
	runs int
	err  error
	m    *metrics.Metrics
	hook *logrustest.Hook
}

func newHarness(t *testing.T, rnd func(n int64) int64) *harness {
	t.Helper()
	logger, hook := logrustest.NewNullLogger()
	h := &harness{rt: eventloop.NewManual(), m: metrics.NewDetached(), hook: hook}
	h.s = New(Config{
		Name: "home",
		Routine: func(context.Context) error {
			h.runs++
			return h.err
		},
		Runtime: h.rt,
		Logger:  logger,
		Metrics: h.m,
		Rand:    rnd,
	})
	return h
}

func zero(int64) int64 { return 0 }

func TestInitialDelayBounds(t *testing.T) {
	h := newHarness(t, func(n int64) int64 { return n - 1 })
	h.s.OnDisconnect()
	d, ok := h.rt.NextIn()
	if !ok {
		t.Fatalf("expected armed timer")
	}
	if d < 0 || d >= InitialJitter {
		t.Fatalf("initial delay %s out of [0, 40s)", d)
	}
	if d != InitialJitter-time.Nanosecond {
		t.Fatalf("expected rand to drive delay, got %s", d)
	}
}

func TestCadenceAfterRun(t *testing.T) {
	h := newHarness(t, zero)
	h.s.OnDisconnect()
	h.rt.Advance(0)
	if h.runs != 1 {
		t.Fatalf("expected first run immediately, got %d", h.runs)
	}
	d, ok := h.rt.NextIn()
	if !ok || d != Interval {
		t.Fatalf("expected next run in %s, got %s", Interval, d)
	}
	h.rt.Advance(Interval)
	if h.runs != 2 {
		t.Fatalf("expected second run, got %d", h.runs)
	}
	if h.rt.Armed() != 1 {
		t.Fatalf("expected exactly one armed timer, got %d", h.rt.Armed())
	}
}

func TestJitterBoundsWithRealRandomness(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 200; i++ {
		h.s.OnDisconnect()
		d, _ := h.rt.NextIn()
		if d < 0 || d >= InitialJitter {
			t.Fatalf("initial delay %s out of bounds", d)
		}
		h.rt.Advance(d)
		next, ok := h.rt.NextIn()
		if !ok || next < Interval || next >= Interval+Jitter {
			t.Fatalf("reschedule delay %s out of [20s, 40s)", next)
		}
		h.s.OnConnect()
	}
}

func TestConnectCancelsArmedTimer(t *testing.T) {
	h := newHarness(t, zero)
	h.s.OnDisconnect()
	h.s.OnConnect()
	if h.s.Armed() || h.rt.Armed() != 0 {
		t.Fatalf("expected timer cancelled")
	}
	h.rt.Advance(time.Minute)
	if h.runs != 0 {
		t.Fatalf("cancelled timer ran")
	}
}

func TestConnectInvalidatesInFlightRun(t *testing.T) {
	h := newHarness(t, zero)
	h.rt.HoldAsync(true)
	h.s.OnDisconnect()
	h.rt.Advance(0)
	if !h.s.Running() {
		t.Fatalf("expected run in flight")
	}
	h.s.OnConnect()
	h.rt.Flush()
	if h.runs != 1 {
		t.Fatalf("expected in-flight run to finish, got %d", h.runs)
	}
	if h.rt.Armed() != 0 {
		t.Fatalf("run rescheduled after connect")
	}
}

func TestRunsNeverOverlap(t *testing.T) {
	h := newHarness(t, zero)
	h.rt.HoldAsync(true)
	h.s.OnDisconnect()
	h.rt.Advance(0)

	// reconnect then lose the channel again while the first run is pending
	h.s.OnConnect()
	h.s.OnDisconnect()
	h.rt.Advance(0)
	if h.rt.Pending() != 1 {
		t.Fatalf("expected a single in-flight run, got %d", h.rt.Pending())
	}

	h.rt.Flush()
	if h.runs != 2 {
		t.Fatalf("expected deferred run after the first finished, got %d", h.runs)
	}
	if h.rt.Armed() != 1 {
		t.Fatalf("expected cadence to resume, got %d armed", h.rt.Armed())
	}
}

func TestFailuresAreSwallowedAndRescheduled(t *testing.T) {
	h := newHarness(t, zero)
	h.err = errors.New("503")
	h.s.OnDisconnect()
	h.rt.Advance(0)

	if h.rt.Armed() != 1 {
		t.Fatalf("expected reschedule after failure")
	}
	if got := testutil.ToFloat64(h.m.FallbackRuns.WithLabelValues("home", metrics.StatusFailure)); got != 1 {
		t.Fatalf("expected failure counted, got %v", got)
	}
	entry := h.hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected warn log for failed run")
	}
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	h := newHarness(t, zero)
	h.s.OnDisconnect()
	h.s.Stop()
	h.s.OnDisconnect()
	h.rt.Advance(time.Hour)
	if h.runs != 0 {
		t.Fatalf("stopped scheduler ran")
	}
}

func TestNilRoutineNeverArms(t *testing.T) {
	rt := eventloop.NewManual()
	s := New(Config{Name: "public", Runtime: rt})
	s.OnDisconnect()
	if rt.Armed() != 0 {
		t.Fatalf("scheduler without routine armed a timer")
	}
}
