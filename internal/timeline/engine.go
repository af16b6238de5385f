// Package timeline wires feed configs, channel subscriptions, fallback
// schedulers and the event router into one engine that runs on a single
// event loop.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Wesbrine/hydra-social/internal/eventloop"
	"github.com/Wesbrine/hydra-social/internal/factory"
	"github.com/Wesbrine/hydra-social/internal/fallback"
	"github.com/Wesbrine/hydra-social/internal/feeds"
	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/internal/notifications"
	"github.com/Wesbrine/hydra-social/internal/router"
	"github.com/Wesbrine/hydra-social/internal/stores"
	"github.com/Wesbrine/hydra-social/internal/subscription"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

var (
	ErrUnknownColumn = errors.New("timeline: unknown column")
	ErrUnknownFeed   = errors.New("timeline: unknown feed")
)

// Options configures an Engine.
type Options struct {
	Runtime   eventloop.Runtime
	Transport subscription.Transport
	Source    factory.Source
	Logger    logging.Logger
	Metrics   *metrics.Metrics
	// Rand overrides fallback jitter; see fallback.Config.
	Rand func(n int64) int64
	// LegacyCapacity bounds the flat notification list.
	LegacyCapacity int
}

type column struct {
	id        string
	cfg       factory.Config
	channel   streaming.Channel
	handle    *subscription.Handle
	scheduler *fallback.Scheduler
	closed    bool
}

// Engine owns every store. Exported methods are safe to call from any
// goroutine except the loop itself; they hop onto the loop with Call.
type Engine struct {
	rt      eventloop.Runtime
	source  factory.Source
	logger  logging.Logger
	metrics *metrics.Metrics
	rand    func(n int64) int64

	registry *subscription.Registry
	feeds    *feeds.Store
	bridge   *notifications.Bridge
	legacy   *notifications.Legacy
	convs    *stores.Conversations
	anns     *stores.Announcements
	router   *router.Router

	columns  map[string]*column
	feedRefs map[string]int
	flight   singleflight.Group
}

// New creates an engine. The runtime must already be running.
func New(opts Options) *Engine {
	logger := logging.OrDiscard(opts.Logger)
	m := metrics.OrDetached(opts.Metrics)
	e := &Engine{
		rt:       opts.Runtime,
		source:   opts.Source,
		logger:   logger,
		metrics:  m,
		rand:     opts.Rand,
		feeds:    feeds.NewStore(logger, m),
		legacy:   notifications.NewLegacy(opts.LegacyCapacity),
		convs:    stores.NewConversations(),
		anns:     stores.NewAnnouncements(),
		columns:  make(map[string]*column),
		feedRefs: make(map[string]int),
	}
	var fetch notifications.FetchGroups
	if opts.Source != nil {
		fetch = opts.Source.FetchNotificationGroups
	}
	e.bridge = notifications.NewBridge(opts.Runtime, fetch, logger, m)
	e.registry = subscription.NewRegistry(opts.Runtime, opts.Transport, logger, m)
	e.router = router.New(router.Targets{
		Feeds:         e.feeds,
		Groups:        e.bridge,
		Notifications: e.legacy,
		Conversations: e.convs,
		Announcements: e.anns,
	}, logger, m)
	return e
}

// Router exposes the router so callers can register extra kinds. Loop only.
func (e *Engine) Router() *router.Router { return e.router }

// Observe registers a feed change observer. It runs on the loop.
func (e *Engine) Observe(o feeds.Observer) {
	_ = e.rt.Call(context.Background(), func() { e.feeds.Observe(o) })
}

func (e *Engine) env(feedID string) *factory.Env {
	return &factory.Env{
		FeedID: feedID,
		Source: e.source,
		Feeds:  e.feeds,
		Groups: e.bridge,
		Legacy: e.legacy,
		OnLoop: e.rt.Call,
	}
}

// OpenColumn builds the feed described by spec and subscribes to its
// channel. Returns the new column id.
func (e *Engine) OpenColumn(ctx context.Context, spec factory.FeedSpec) (string, error) {
	var id string
	var err error
	if callErr := e.rt.Call(ctx, func() { id, err = e.open(spec) }); callErr != nil {
		return "", callErr
	}
	return id, err
}

func (e *Engine) open(spec factory.FeedSpec) (string, error) {
	cfg, err := factory.Build(spec)
	if err != nil {
		return "", err
	}
	col := &column{
		id:      uuid.NewString(),
		cfg:     cfg,
		channel: streaming.NewChannel(cfg.ChannelName, cfg.Params),
	}

	var routine fallback.Routine
	if cfg.Fallback != nil && e.source != nil {
		routine = func(ctx context.Context) error {
			return cfg.Fallback(ctx, e.env(cfg.FeedID))
		}
	}
	col.scheduler = fallback.New(fallback.Config{
		Name:    cfg.FeedID,
		Routine: routine,
		Runtime: e.rt,
		Logger:  e.logger,
		Metrics: e.metrics,
		Rand:    e.rand,
	})

	e.feeds.Ensure(cfg.FeedID)
	e.feedRefs[cfg.FeedID]++

	handle, err := e.registry.Open(cfg.ChannelName, cfg.Params, subscription.Handlers{
		OnConnect:    func() { e.onConnect(col) },
		OnDisconnect: func() { e.onDisconnect(col) },
		OnReceive: func(ev streaming.Event) {
			e.router.Route(ev, cfg.FeedID, cfg.Accept)
		},
	})
	if err != nil {
		e.release(cfg.FeedID)
		return "", fmt.Errorf("open %s: %w", cfg.FeedID, err)
	}
	col.handle = handle
	e.columns[col.id] = col

	e.logger.WithFields(logging.Fields{
		"column":  col.id,
		"feed":    cfg.FeedID,
		"channel": handle.Channel().Key(),
	}).Info("Column opened")
	return col.id, nil
}

func (e *Engine) onConnect(col *column) {
	if col.closed {
		return
	}
	e.feeds.SetOnline(col.cfg.FeedID, true)
	col.scheduler.OnConnect()
	e.gapFill(col)
}

func (e *Engine) onDisconnect(col *column) {
	if col.closed {
		return
	}
	e.feeds.SetOnline(col.cfg.FeedID, false)
	col.scheduler.OnDisconnect()
}

// gapFill runs the feed's gap-fill routine off the loop. Fills for one feed
// started by the same connect share a single fetch; a reconnect starts a new
// one.
func (e *Engine) gapFill(col *column) {
	if col.cfg.GapFill == nil || e.source == nil {
		return
	}
	feedID := col.cfg.FeedID
	routine := col.cfg.GapFill
	key := fmt.Sprintf("gapfill:%s:%d", feedID, e.registry.Epoch(col.channel))
	e.rt.Async(context.Background(), func(ctx context.Context) error {
		_, err, _ := e.flight.Do(key, func() (interface{}, error) {
			return nil, routine(ctx, e.env(feedID))
		})
		return err
	}, func(err error) {
		e.metrics.GapFills.WithLabelValues(feedID, metrics.StatusLabel(err)).Inc()
		if err != nil {
			e.logger.WithError(err).WithField("feed", feedID).Warn("Gap fill failed")
		}
	})
}

// CloseColumn unsubscribes the column. The feed is dropped when no column
// uses it any more.
func (e *Engine) CloseColumn(ctx context.Context, id string) error {
	var err error
	if callErr := e.rt.Call(ctx, func() { err = e.close(id) }); callErr != nil {
		return callErr
	}
	return err
}

func (e *Engine) close(id string) error {
	col, ok := e.columns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, id)
	}
	col.closed = true
	col.scheduler.Stop()
	col.handle.Close()
	delete(e.columns, id)
	e.release(col.cfg.FeedID)
	e.logger.WithFields(logging.Fields{
		"column": id,
		"feed":   col.cfg.FeedID,
	}).Info("Column closed")
	return nil
}

func (e *Engine) release(feedID string) {
	e.feedRefs[feedID]--
	if e.feedRefs[feedID] <= 0 {
		delete(e.feedRefs, feedID)
		e.feeds.Drop(feedID)
	}
}

// Shutdown closes every column.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.rt.Call(ctx, func() {
		ids := make([]string, 0, len(e.columns))
		for id := range e.columns {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			_ = e.close(id)
		}
	})
}

// Backfill fills the feed's pending gap, or loads the next older page when
// there is none. It blocks until the fetch is applied.
func (e *Engine) Backfill(ctx context.Context, feedID string) error {
	var cfg factory.Config
	found := false
	if err := e.rt.Call(ctx, func() {
		for _, col := range e.columns {
			if col.cfg.FeedID == feedID {
				cfg, found = col.cfg, true
				return
			}
		}
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownFeed, feedID)
	}
	if e.source == nil || cfg.Backfill == nil {
		return nil
	}
	_, err, _ := e.flight.Do("backfill:"+feedID, func() (interface{}, error) {
		return nil, cfg.Backfill(ctx, e.env(feedID))
	})
	e.metrics.GapFills.WithLabelValues(feedID, metrics.StatusLabel(err)).Inc()
	return err
}
