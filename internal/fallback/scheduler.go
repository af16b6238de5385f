// Package fallback polls the server while a push channel is down.
package fallback

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/Wesbrine/hydra-social/internal/eventloop"
	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// Delay bounds. The first run after a loss lands in [0, InitialJitter); later
// runs land in [Interval, Interval+Jitter).
const (
	InitialJitter = 40 * time.Second
	Interval      = 20 * time.Second
	Jitter        = 20 * time.Second
)

// Routine fetches fresh state for a feed. Errors are logged and counted; they
// never stop the cadence.
type Routine func(ctx context.Context) error

// Config configures a Scheduler.
type Config struct {
	// Name labels logs and metrics, usually the feed id.
	Name    string
	Routine Routine
	Runtime eventloop.Runtime
	Logger  logging.Logger
	Metrics *metrics.Metrics
	// Rand returns a value in [0, n). Defaults to math/rand/v2.
	Rand func(n int64) int64
}

// Scheduler arms at most one timer at a time and never overlaps runs. It is
// owned by the loop.
type Scheduler struct {
	name    string
	routine Routine
	rt      eventloop.Runtime
	logger  logging.Logger
	metrics *metrics.Metrics
	rand    func(n int64) int64

	// epoch invalidates armed timers and in-flight runs when it changes.
	epoch   uint64
	timer   eventloop.Timer
	running bool
	stopped bool
	// deferred holds the epoch of a timer that fired while an older run was
	// still in flight.
	deferred      bool
	deferredEpoch uint64
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a scheduler. A nil routine yields a scheduler that never arms.
func New(cfg Config) *Scheduler {
	r := cfg.Rand
	if r == nil {
		r = rand.Int64N
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:    cfg.Name,
		routine: cfg.Routine,
		rt:      cfg.Runtime,
		logger:  logging.OrDiscard(cfg.Logger),
		metrics: metrics.OrDetached(cfg.Metrics),
		rand:    r,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnDisconnect arms the first fallback run after a random delay in
// [0, InitialJitter).
func (s *Scheduler) OnDisconnect() {
	if s.routine == nil || s.stopped {
		return
	}
	s.epoch++
	s.disarm()
	s.arm(s.jitter(0, InitialJitter), s.epoch)
}

// OnConnect cancels the armed timer and invalidates any in-flight run so it
// does not reschedule.
func (s *Scheduler) OnConnect() {
	s.epoch++
	s.disarm()
}

// Stop tears the scheduler down. In-flight routines see their context
// cancelled.
func (s *Scheduler) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.epoch++
	s.disarm()
	s.cancel()
}

// Armed reports whether a run is scheduled.
func (s *Scheduler) Armed() bool { return s.timer != nil }

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool { return s.running }

func (s *Scheduler) jitter(base, spread time.Duration) time.Duration {
	return base + time.Duration(s.rand(int64(spread)))
}

func (s *Scheduler) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) arm(d time.Duration, epoch uint64) {
	s.logger.WithFields(logging.Fields{
		"feed":  s.name,
		"delay": d.String(),
	}).Debug("Fallback armed")
	s.timer = s.rt.AfterFunc(d, func() {
		s.timer = nil
		if epoch != s.epoch || s.stopped {
			return
		}
		s.run(epoch)
	})
}

func (s *Scheduler) run(epoch uint64) {
	if s.running {
		s.deferred = true
		s.deferredEpoch = epoch
		return
	}
	s.running = true
	started := time.Now()
	s.rt.Async(s.ctx, func(ctx context.Context) error {
		return s.routine(ctx)
	}, func(err error) {
		s.running = false
		s.metrics.FallbackRuns.WithLabelValues(s.name, metrics.StatusLabel(err)).Inc()
		if err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{
				"feed":     s.name,
				"duration": time.Since(started).String(),
			}).Warn("Fallback routine failed")
		}
		if s.stopped {
			return
		}
		if s.deferred {
			s.deferred = false
			if s.deferredEpoch == s.epoch {
				s.run(s.epoch)
				return
			}
		}
		if epoch != s.epoch {
			return
		}
		s.arm(s.jitter(Interval, Jitter), epoch)
	})
}
