package feeds

import (
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// Snapshot is a read-only copy of one feed.
type Snapshot struct {
	ID         string              `json:"id"`
	Items      []*streaming.Status `json:"items"`
	HasMore    bool                `json:"has_more"`
	Loading    bool                `json:"loading"`
	Online     bool                `json:"online"`
	LoadState  LoadState           `json:"load_state"`
	GapPending bool                `json:"gap_pending"`
	Gap        *Gap                `json:"gap,omitempty"`
}

// Summary describes a feed without its items.
type Summary struct {
	ID         string    `json:"id"`
	Size       int       `json:"size"`
	Head       string    `json:"head,omitempty"`
	Online     bool      `json:"online"`
	LoadState  LoadState `json:"load_state"`
	GapPending bool      `json:"gap_pending"`
}

// Snapshot copies the feed. limit <= 0 returns every item.
func (s *Store) Snapshot(feedID string, limit int) (Snapshot, bool) {
	f, ok := s.feeds[feedID]
	if !ok {
		return Snapshot{}, false
	}
	n := len(f.items)
	if limit > 0 && limit < n {
		n = limit
	}
	snap := Snapshot{
		ID:         f.id,
		Items:      make([]*streaming.Status, 0, n),
		HasMore:    f.hasMore,
		Loading:    f.loading,
		Online:     f.online,
		LoadState:  f.loadState,
		GapPending: f.gap != nil,
	}
	if f.gap != nil {
		g := *f.gap
		snap.Gap = &g
	}
	for _, id := range f.items[:n] {
		if st, ok := s.statuses.Get(id); ok {
			cp := *st
			snap.Items = append(snap.Items, &cp)
		}
	}
	return snap, true
}

// Summaries lists every feed sorted by id.
func (s *Store) Summaries() []Summary {
	out := make([]Summary, 0, len(s.feeds))
	for _, f := range s.sortedFeeds() {
		sum := Summary{
			ID:         f.id,
			Size:       len(f.items),
			Online:     f.online,
			LoadState:  f.loadState,
			GapPending: f.gap != nil,
		}
		if len(f.items) > 0 {
			sum.Head = f.items[0]
		}
		out = append(out, sum)
	}
	return out
}
