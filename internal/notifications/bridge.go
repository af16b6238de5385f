// Package notifications folds streamed notifications into server-side
// groups and keeps the flat legacy list.
package notifications

import (
	"container/list"
	"context"
	"sort"
	"time"

	"github.com/Wesbrine/hydra-social/internal/eventloop"
	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

const maxSampleAccounts = 8

// FetchGroups loads the canonical grouped notifications, newest first.
type FetchGroups func(ctx context.Context) ([]streaming.NotificationGroup, error)

// Group is one notification group as shown to readers.
type Group struct {
	Key              string    `json:"group_key"`
	Type             string    `json:"type"`
	Count            int       `json:"notifications_count"`
	MostRecentID     string    `json:"most_recent_notification_id"`
	PageMinID        string    `json:"page_min_id"`
	PageMaxID        string    `json:"page_max_id"`
	LatestAt         time.Time `json:"latest_page_notification_at"`
	SampleAccountIDs []string  `json:"sample_account_ids"`
	StatusID         string    `json:"status_id,omitempty"`
}

func (g *Group) covers(id string) bool {
	return g.PageMinID != "" &&
		streaming.CompareID(id, g.PageMinID) >= 0 &&
		streaming.CompareID(id, g.PageMaxID) <= 0
}

func (g *Group) addSample(accountID string) {
	if accountID == "" {
		return
	}
	samples := []string{accountID}
	for _, id := range g.SampleAccountIDs {
		if id != accountID && len(samples) < maxSampleAccounts {
			samples = append(samples, id)
		}
	}
	g.SampleAccountIDs = samples
}

// GroupKey returns the key a notification folds under.
func GroupKey(n *streaming.Notification) string {
	if n.GroupKey != "" {
		return n.GroupKey
	}
	return "ungrouped-" + n.ID
}

// Bridge keeps groups newest first. Folding is O(1): groups live in a list
// indexed by key. It is owned by the loop.
type Bridge struct {
	rt      eventloop.Runtime
	fetch   FetchGroups
	logger  logging.Logger
	metrics *metrics.Metrics

	order *list.List
	index map[string]*list.Element

	stale      bool
	refreshing bool
	generation uint64
	// pending holds notifications folded while a refresh is in flight.
	pending []streaming.Notification
}

// NewBridge creates a bridge. fetch may be nil, in which case merged events
// only mark the bridge stale.
func NewBridge(rt eventloop.Runtime, fetch FetchGroups, logger logging.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		rt:      rt,
		fetch:   fetch,
		logger:  logging.OrDiscard(logger),
		metrics: metrics.OrDetached(m),
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

// Fold applies one streamed notification. Returns false when the
// notification is already covered by its group.
func (b *Bridge) Fold(n streaming.Notification) bool {
	if n.ID == "" {
		return false
	}
	if b.refreshing {
		b.pending = append(b.pending, n)
	}
	return b.fold(&n)
}

func (b *Bridge) fold(n *streaming.Notification) bool {
	key := GroupKey(n)
	statusID := ""
	if n.Status != nil {
		statusID = n.Status.ID
	}

	el, ok := b.index[key]
	if !ok {
		g := &Group{
			Key:              key,
			Type:             n.Type,
			Count:            1,
			MostRecentID:     n.ID,
			PageMinID:        n.ID,
			PageMaxID:        n.ID,
			LatestAt:         n.CreatedAt,
			SampleAccountIDs: []string{n.Account.ID},
			StatusID:         statusID,
		}
		b.index[key] = b.order.PushFront(g)
		return true
	}

	g := el.Value.(*Group)
	if g.covers(n.ID) {
		return false
	}
	g.Count++
	if g.PageMaxID == "" || streaming.CompareID(n.ID, g.PageMaxID) > 0 {
		g.PageMaxID = n.ID
		g.MostRecentID = n.ID
		g.LatestAt = n.CreatedAt
		g.addSample(n.Account.ID)
		b.order.MoveToFront(el)
	} else if streaming.CompareID(n.ID, g.PageMinID) < 0 {
		g.PageMinID = n.ID
	}
	return true
}

// MarkMerged handles notifications_merged: the bridge goes stale and a full
// refresh starts off the loop. Groups stay readable until it lands. Every
// call starts its own fetch; only the one for the latest signal is applied.
func (b *Bridge) MarkMerged() {
	b.stale = true
	if b.fetch == nil {
		return
	}
	b.generation++
	gen := b.generation
	if !b.refreshing {
		b.pending = nil
	}
	b.refreshing = true

	var groups []streaming.NotificationGroup
	b.rt.Async(context.Background(), func(ctx context.Context) error {
		var err error
		groups, err = b.fetch(ctx)
		return err
	}, func(err error) {
		if gen != b.generation {
			return
		}
		b.refreshing = false
		b.metrics.NotificationRefreshes.WithLabelValues(metrics.StatusLabel(err)).Inc()
		if err != nil {
			b.pending = nil
			b.logger.WithError(err).Warn("Notification group refresh failed; bridge stays stale")
			return
		}
		b.replace(groups)
	})
}

// replace swaps in fetched groups and re-applies notifications that arrived
// during the refresh and are newer than anything in the result.
func (b *Bridge) replace(groups []streaming.NotificationGroup) {
	pending := b.pending
	b.pending = nil

	b.order.Init()
	b.index = make(map[string]*list.Element, len(groups))
	newest := ""
	for i := range groups {
		g := fromServer(&groups[i])
		if _, dup := b.index[g.Key]; dup {
			continue
		}
		b.index[g.Key] = b.order.PushBack(g)
		if newest == "" || streaming.CompareID(g.PageMaxID, newest) > 0 {
			newest = g.PageMaxID
		}
	}
	b.stale = false

	reapplied := 0
	for i := range pending {
		if newest != "" && streaming.CompareID(pending[i].ID, newest) <= 0 {
			continue
		}
		if b.fold(&pending[i]) {
			reapplied++
		}
	}
	b.logger.WithFields(logging.Fields{
		"groups":    b.order.Len(),
		"reapplied": reapplied,
	}).Info("Notification groups refreshed")
}

// MergeFetched upserts groups fetched by a poll without a full replace.
func (b *Bridge) MergeFetched(groups []streaming.NotificationGroup) {
	for i := range groups {
		g := fromServer(&groups[i])
		if el, ok := b.index[g.Key]; ok {
			el.Value = g
			continue
		}
		b.index[g.Key] = b.order.PushBack(g)
	}
	b.resort()
}

func (b *Bridge) resort() {
	all := make([]*Group, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value.(*Group))
	}
	sort.SliceStable(all, func(i, j int) bool {
		return streaming.CompareID(all[i].MostRecentID, all[j].MostRecentID) > 0
	})
	b.order.Init()
	for _, g := range all {
		b.index[g.Key] = b.order.PushBack(g)
	}
}

func fromServer(sg *streaming.NotificationGroup) *Group {
	g := &Group{
		Key:              sg.GroupKey,
		Type:             sg.Type,
		Count:            sg.NotificationsCount,
		MostRecentID:     sg.MostRecentNotificationID,
		PageMinID:        sg.PageMinID,
		PageMaxID:        sg.PageMaxID,
		LatestAt:         sg.LatestPageNotificationAt,
		SampleAccountIDs: append([]string(nil), sg.SampleAccountIDs...),
		StatusID:         sg.StatusID,
	}
	if g.PageMaxID == "" {
		g.PageMaxID = g.MostRecentID
	}
	if g.PageMinID == "" {
		g.PageMinID = g.MostRecentID
	}
	return g
}

// Snapshot is a read-only copy of the bridge.
type Snapshot struct {
	Stale      bool    `json:"stale"`
	Refreshing bool    `json:"refreshing"`
	Groups     []Group `json:"groups"`
}

// Snapshot copies the groups newest first. limit <= 0 returns all.
func (b *Bridge) Snapshot(limit int) Snapshot {
	snap := Snapshot{Stale: b.stale, Refreshing: b.refreshing}
	for el := b.order.Front(); el != nil; el = el.Next() {
		if limit > 0 && len(snap.Groups) >= limit {
			break
		}
		g := *el.Value.(*Group)
		g.SampleAccountIDs = append([]string(nil), g.SampleAccountIDs...)
		snap.Groups = append(snap.Groups, g)
	}
	return snap
}

// Stale reports whether the groups are known to be out of date.
func (b *Bridge) Stale() bool { return b.stale }

// Len returns the number of groups.
func (b *Bridge) Len() int { return b.order.Len() }
