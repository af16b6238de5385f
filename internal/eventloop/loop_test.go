package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	l := New(logger)
	go l.Run(context.Background())
	t.Cleanup(l.Close)
	return l
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := startLoop(t)
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 tasks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: %d", i, v)
		}
	}
}

func TestLoopReentrantPostDoesNotDeadlock(t *testing.T) {
	l := startLoop(t)
	done := make(chan struct{})
	l.Post(func() {
		for i := 0; i < 10; i++ {
			l.Post(func() {})
		}
		l.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("nested posts never ran")
	}
}

func TestLoopRecoversFromPanic(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	l := New(logger)
	go l.Run(context.Background())
	defer l.Close()

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !ran {
		t.Fatalf("loop stopped after panic")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "Event loop task panicked" {
		t.Fatalf("expected panic to be logged")
	}
}

func TestLoopTimerStopPreventsRun(t *testing.T) {
	l := startLoop(t)
	var fired atomic.Bool
	var timer Timer
	_ = l.Call(context.Background(), func() {
		timer = l.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	})
	_ = l.Call(context.Background(), func() {
		if !timer.Stop() {
			t.Errorf("expected first stop to succeed")
		}
		if timer.Stop() {
			t.Errorf("expected second stop to report false")
		}
	})
	time.Sleep(60 * time.Millisecond)
	_ = l.Call(context.Background(), func() {})
	if fired.Load() {
		t.Fatalf("stopped timer ran")
	}
}

func TestLoopAsyncPostsResultBack(t *testing.T) {
	l := startLoop(t)
	result := make(chan error, 1)
	wantErr := errors.New("fetch failed")
	l.Async(context.Background(), func(context.Context) error {
		return wantErr
	}, func(err error) {
		result <- err
	})
	select {
	case err := <-result:
		if !errors.Is(err, wantErr) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("async result never posted")
	}
}

func TestLoopAsyncRecoversPanic(t *testing.T) {
	l := startLoop(t)
	result := make(chan error, 1)
	l.Async(context.Background(), func(context.Context) error {
		panic("bad routine")
	}, func(err error) {
		result <- err
	})
	select {
	case err := <-result:
		if err == nil {
			t.Fatalf("expected panic to surface as error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("async result never posted")
	}
}

func TestLoopCloseCancelsAsync(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	l := New(logger)
	go l.Run(context.Background())

	started := make(chan struct{})
	l.Async(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	<-started
	l.Close()

	if l.Post(func() {}) {
		t.Fatalf("expected post to fail after close")
	}
	if err := l.Call(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
