package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wesbrine/hydra-social/internal/feeds"
	"github.com/Wesbrine/hydra-social/internal/notifications"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// NotificationPageLimit is the page size for notification polls.
const NotificationPageLimit = 40

// Source is the pull side of the server API. Errors are opaque.
type Source interface {
	FetchLatest(ctx context.Context, req streaming.FetchRequest) ([]streaming.Status, error)
	FetchNotifications(ctx context.Context, req streaming.FetchRequest) ([]streaming.Notification, error)
	FetchNotificationGroups(ctx context.Context) ([]streaming.NotificationGroup, error)
}

// Env is what a routine may touch. Store access must go through OnLoop.
type Env struct {
	FeedID string
	Source Source
	Feeds  *feeds.Store
	Groups *notifications.Bridge
	Legacy *notifications.Legacy
	// OnLoop runs fn on the engine loop and waits for it.
	OnLoop func(ctx context.Context, fn func()) error
}

// Routine runs off the loop. Fetches happen directly; results are applied
// through env.OnLoop.
type Routine func(ctx context.Context, env *Env) error

func chain(routines ...Routine) Routine {
	return func(ctx context.Context, env *Env) error {
		var errs []error
		for _, r := range routines {
			if err := r(ctx, env); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func accepted(page []streaming.Status, accept streaming.Predicate) []*streaming.Status {
	out := make([]*streaming.Status, 0, len(page))
	for i := range page {
		st := &page[i]
		if accept != nil && !accept(st) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// fetchNewer loads statuses newer than the feed head and merges them. A full
// page records a gap.
func fetchNewer(cfg Config) Routine {
	return func(ctx context.Context, env *Env) error {
		var head string
		if err := env.OnLoop(ctx, func() { head = env.Feeds.Head(env.FeedID) }); err != nil {
			return err
		}
		req := cfg.Endpoint.Request(cfg.Limit)
		req.SinceID = head
		page, err := env.Source.FetchLatest(ctx, req)
		if err != nil {
			return fmt.Errorf("fetch newer for %s: %w", env.FeedID, err)
		}
		full := len(page) >= cfg.Limit
		var mergeErr error
		if err := env.OnLoop(ctx, func() {
			_, mergeErr = env.Feeds.MergeLatest(env.FeedID, accepted(page, cfg.Accept), full)
		}); err != nil {
			return err
		}
		return mergeErr
	}
}

// backfill fills the pending gap if there is one, otherwise loads the next
// older page.
func backfill(cfg Config) Routine {
	return func(ctx context.Context, env *Env) error {
		var (
			gap    feeds.Gap
			hasGap bool
			tail   string
		)
		if err := env.OnLoop(ctx, func() {
			gap, hasGap = env.Feeds.PendingGap(env.FeedID)
			tail = env.Feeds.Tail(env.FeedID)
			if !hasGap {
				_ = env.Feeds.BeginLoad(env.FeedID)
			}
		}); err != nil {
			return err
		}

		req := cfg.Endpoint.Request(cfg.Limit)
		if hasGap {
			req.MaxID = gap.MaxID
			req.SinceID = gap.SinceID
		} else {
			req.MaxID = tail
		}
		page, err := env.Source.FetchLatest(ctx, req)
		if err != nil {
			if !hasGap {
				_ = env.OnLoop(ctx, func() { env.Feeds.FailLoad(env.FeedID) })
			}
			return fmt.Errorf("backfill %s: %w", env.FeedID, err)
		}

		full := len(page) >= cfg.Limit
		var applyErr error
		if err := env.OnLoop(ctx, func() {
			if hasGap {
				_, applyErr = env.Feeds.FillGap(env.FeedID, accepted(page, cfg.Accept), full)
				return
			}
			_, applyErr = env.Feeds.ApplyPage(env.FeedID, accepted(page, cfg.Accept), full)
		}); err != nil {
			return err
		}
		return applyErr
	}
}

// refreshNotifications polls the flat and grouped notification lists.
func refreshNotifications(ctx context.Context, env *Env) error {
	if env.Legacy == nil && env.Groups == nil {
		return nil
	}
	var head string
	if env.Legacy != nil {
		if err := env.OnLoop(ctx, func() { head = env.Legacy.Head() }); err != nil {
			return err
		}
	}

	var errs []error
	var ns []streaming.Notification
	var groups []streaming.NotificationGroup
	if env.Legacy != nil {
		var err error
		ns, err = env.Source.FetchNotifications(ctx, streaming.FetchRequest{
			Path:    "/api/v1/notifications",
			SinceID: head,
			Limit:   NotificationPageLimit,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch notifications: %w", err))
		}
	}
	if env.Groups != nil {
		var err error
		groups, err = env.Source.FetchNotificationGroups(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch notification groups: %w", err))
		}
	}

	if err := env.OnLoop(ctx, func() {
		if env.Legacy != nil && len(ns) > 0 {
			env.Legacy.Merge(ns)
		}
		if env.Groups != nil && len(groups) > 0 {
			env.Groups.MergeFetched(groups)
		}
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
