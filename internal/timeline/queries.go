package timeline

import (
	"context"
	"sort"

	"github.com/Wesbrine/hydra-social/internal/factory"
	"github.com/Wesbrine/hydra-social/internal/feeds"
	"github.com/Wesbrine/hydra-social/internal/notifications"
	"github.com/Wesbrine/hydra-social/internal/subscription"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// ColumnInfo describes an open column.
type ColumnInfo struct {
	ID      string           `json:"id"`
	FeedID  string           `json:"feed_id"`
	Channel string           `json:"channel"`
	State   string           `json:"state"`
	Spec    factory.FeedSpec `json:"spec"`
}

// Columns lists open columns sorted by feed id, then column id.
func (e *Engine) Columns(ctx context.Context) ([]ColumnInfo, error) {
	var out []ColumnInfo
	err := e.rt.Call(ctx, func() {
		out = make([]ColumnInfo, 0, len(e.columns))
		for _, col := range e.columns {
			out = append(out, ColumnInfo{
				ID:      col.id,
				FeedID:  col.cfg.FeedID,
				Channel: col.handle.Channel().Key(),
				State:   col.handle.State().String(),
				Spec:    col.cfg.Spec,
			})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].FeedID != out[j].FeedID {
			return out[i].FeedID < out[j].FeedID
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// Feed returns a snapshot of one feed.
func (e *Engine) Feed(ctx context.Context, feedID string, limit int) (feeds.Snapshot, bool, error) {
	var snap feeds.Snapshot
	var ok bool
	err := e.rt.Call(ctx, func() { snap, ok = e.feeds.Snapshot(feedID, limit) })
	return snap, ok, err
}

// Feeds summarizes every open feed.
func (e *Engine) Feeds(ctx context.Context) ([]feeds.Summary, error) {
	var out []feeds.Summary
	err := e.rt.Call(ctx, func() { out = e.feeds.Summaries() })
	return out, err
}

// NotificationGroups returns the grouped notifications.
func (e *Engine) NotificationGroups(ctx context.Context, limit int) (notifications.Snapshot, error) {
	var snap notifications.Snapshot
	err := e.rt.Call(ctx, func() { snap = e.bridge.Snapshot(limit) })
	return snap, err
}

// Notifications returns the flat notification list.
func (e *Engine) Notifications(ctx context.Context, limit int) ([]streaming.Notification, error) {
	var out []streaming.Notification
	err := e.rt.Call(ctx, func() { out = e.legacy.Snapshot(limit) })
	return out, err
}

// Conversations returns direct message threads.
func (e *Engine) Conversations(ctx context.Context) ([]streaming.Conversation, error) {
	var out []streaming.Conversation
	err := e.rt.Call(ctx, func() { out = e.convs.Snapshot() })
	return out, err
}

// Announcements returns server announcements.
func (e *Engine) Announcements(ctx context.Context) ([]streaming.Announcement, error) {
	var out []streaming.Announcement
	err := e.rt.Call(ctx, func() { out = e.anns.Snapshot() })
	return out, err
}

// Subscriptions lists open channel identities.
func (e *Engine) Subscriptions(ctx context.Context) ([]subscription.Info, error) {
	var out []subscription.Info
	err := e.rt.Call(ctx, func() { out = e.registry.Snapshot() })
	return out, err
}

// Connected reports whether any channel is connected. With no columns open
// it reports true.
func (e *Engine) Connected(ctx context.Context) bool {
	connected := false
	err := e.rt.Call(ctx, func() {
		connected = e.registry.Len() == 0 || e.registry.AnyConnected()
	})
	return err == nil && connected
}
