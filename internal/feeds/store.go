// Package feeds holds the ordered, deduplicated item lists behind every open
// feed and reconciles streamed, polled and backfilled statuses into them.
package feeds

import (
	"errors"
	"sort"

	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// ErrUnknownFeed is returned for operations on a feed that was never ensured.
var ErrUnknownFeed = errors.New("feeds: unknown feed")

// LoadState tracks whether a feed has received its first page.
type LoadState string

const (
	Empty   LoadState = "empty"
	Loading LoadState = "loading"
	Loaded  LoadState = "loaded"
)

// Gap is a hole between SinceID (the newest item known before a merge) and
// MaxID (the oldest item the merge delivered).
type Gap struct {
	SinceID string `json:"since_id"`
	MaxID   string `json:"max_id"`
}

type feed struct {
	id        string
	items     []string
	index     map[string]struct{}
	hasMore   bool
	loading   bool
	online    bool
	loadState LoadState
	gap       *Gap
}

// Observer is told which feed changed. It must not mutate the store.
type Observer func(feedID string)

// Store owns every feed and the statuses they reference. It is owned by the
// loop and not safe for concurrent use.
type Store struct {
	logger    logging.Logger
	metrics   *metrics.Metrics
	feeds     map[string]*feed
	statuses  *StatusStore
	observers []Observer
}

// NewStore creates an empty store.
func NewStore(logger logging.Logger, m *metrics.Metrics) *Store {
	return &Store{
		logger:   logging.OrDiscard(logger),
		metrics:  metrics.OrDetached(m),
		feeds:    make(map[string]*feed),
		statuses: NewStatusStore(),
	}
}

// Statuses exposes the shared status store.
func (s *Store) Statuses() *StatusStore { return s.statuses }

// Observe registers an observer for every feed change.
func (s *Store) Observe(o Observer) {
	s.observers = append(s.observers, o)
}

func (s *Store) changed(f *feed) {
	s.metrics.FeedItems.WithLabelValues(f.id).Set(float64(len(f.items)))
	for _, o := range s.observers {
		o(f.id)
	}
}

// Ensure creates the feed if needed. Returns true when it was created.
func (s *Store) Ensure(feedID string) bool {
	if _, ok := s.feeds[feedID]; ok {
		return false
	}
	s.feeds[feedID] = &feed{
		id:        feedID,
		index:     make(map[string]struct{}),
		loadState: Empty,
	}
	return true
}

// Has reports whether the feed exists.
func (s *Store) Has(feedID string) bool {
	_, ok := s.feeds[feedID]
	return ok
}

// Drop removes the feed and forgets statuses no other feed references.
func (s *Store) Drop(feedID string) {
	if _, ok := s.feeds[feedID]; !ok {
		return
	}
	delete(s.feeds, feedID)
	s.metrics.FeedItems.DeleteLabelValues(feedID)
	s.prune()
}

func (s *Store) prune() {
	live := make(map[string]struct{})
	for _, f := range s.feeds {
		for _, id := range f.items {
			live[id] = struct{}{}
		}
	}
	s.statuses.retain(live)
}

// Insert puts a streamed status at the head of the feed. Streamed statuses are
// always the newest, so no ordering is applied. Returns false if the id is
// already present or the feed is unknown.
func (s *Store) Insert(feedID string, st *streaming.Status) bool {
	f, ok := s.feeds[feedID]
	if !ok || st == nil || st.ID == "" {
		return false
	}
	if _, dup := f.index[st.ID]; dup {
		return false
	}
	s.statuses.put(st)
	f.items = append(f.items, "")
	copy(f.items[1:], f.items)
	f.items[0] = st.ID
	f.index[st.ID] = struct{}{}
	s.changed(f)
	return true
}

// UpdateStatus replaces the stored copy of st and every reblog wrapper that
// embeds it. Positions do not change. Returns the number of records updated.
func (s *Store) UpdateStatus(st *streaming.Status) int {
	if st == nil || st.ID == "" {
		return 0
	}
	touched := s.statuses.update(st)
	if len(touched) == 0 {
		return 0
	}
	for _, f := range s.sortedFeeds() {
		for _, id := range touched {
			if _, ok := f.index[id]; ok {
				s.changed(f)
				break
			}
		}
	}
	return len(touched)
}

// Delete removes id, and reblogs of it, from every feed. Unknown ids are a
// silent no-op. Returns the number of feed entries removed.
func (s *Store) Delete(id string) int {
	if id == "" {
		return 0
	}
	doomed := map[string]struct{}{id: {}}
	for _, w := range s.statuses.reblogsOf(id) {
		doomed[w] = struct{}{}
	}

	removed := 0
	for _, f := range s.sortedFeeds() {
		n := f.remove(doomed)
		if n > 0 {
			removed += n
			s.changed(f)
		}
	}
	for d := range doomed {
		s.statuses.delete(d)
	}
	return removed
}

func (f *feed) remove(doomed map[string]struct{}) int {
	kept := f.items[:0]
	n := 0
	for _, id := range f.items {
		if _, ok := doomed[id]; ok {
			delete(f.index, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	f.items = kept
	if f.gap != nil {
		if _, ok := doomed[f.gap.SinceID]; ok {
			f.gap = nil
		} else if _, ok := doomed[f.gap.MaxID]; ok {
			f.gap = nil
		}
	}
	return n
}

// SetOnline records whether the feed's channel is connected.
func (s *Store) SetOnline(feedID string, online bool) {
	f, ok := s.feeds[feedID]
	if !ok || f.online == online {
		return
	}
	f.online = online
	s.changed(f)
}

// BeginLoad marks a page request in flight.
func (s *Store) BeginLoad(feedID string) error {
	f, ok := s.feeds[feedID]
	if !ok {
		return ErrUnknownFeed
	}
	f.loading = true
	if f.loadState == Empty {
		f.loadState = Loading
	}
	s.changed(f)
	return nil
}

// FailLoad clears the loading flag after a failed page request.
func (s *Store) FailLoad(feedID string) {
	f, ok := s.feeds[feedID]
	if !ok {
		return
	}
	f.loading = false
	if f.loadState == Loading {
		f.loadState = Empty
	}
	s.changed(f)
}

// ApplyPage appends a paginated page of older statuses (newest first) to the
// tail. It is the only operation that sets HasMore.
func (s *Store) ApplyPage(feedID string, page []*streaming.Status, hasMore bool) (int, error) {
	f, ok := s.feeds[feedID]
	if !ok {
		return 0, ErrUnknownFeed
	}
	added := 0
	for _, st := range page {
		if st == nil || st.ID == "" {
			continue
		}
		if _, dup := f.index[st.ID]; dup {
			continue
		}
		s.statuses.put(st)
		f.items = append(f.items, st.ID)
		f.index[st.ID] = struct{}{}
		added++
	}
	f.hasMore = hasMore
	f.loading = false
	f.loadState = Loaded
	s.changed(f)
	return added, nil
}

// MergeResult reports what a fetched merge did.
type MergeResult struct {
	Added int
	Gap   *Gap
}

// MergeLatest merges a page of recent statuses (newest first, as fetched by
// the fallback or gap-fill routines). Unseen ids are placed by id recency.
// When the server returned a full page and it shares no id with a non-empty
// feed, a gap is recorded between the previous head and the oldest fetched
// id. Known statuses are refreshed in place.
func (s *Store) MergeLatest(feedID string, page []*streaming.Status, full bool) (MergeResult, error) {
	f, ok := s.feeds[feedID]
	if !ok {
		return MergeResult{}, ErrUnknownFeed
	}
	prevHead := ""
	if len(f.items) > 0 {
		prevHead = f.items[0]
	}

	overlap := false
	oldest := ""
	res := MergeResult{}
	for _, st := range page {
		if st == nil || st.ID == "" {
			continue
		}
		if oldest == "" || streaming.CompareID(st.ID, oldest) < 0 {
			oldest = st.ID
		}
		if _, dup := f.index[st.ID]; dup {
			overlap = true
			s.statuses.update(st)
			continue
		}
		s.statuses.put(st)
		f.place(st.ID)
		res.Added++
	}

	if prevHead != "" && !overlap && full && oldest != "" && streaming.CompareID(oldest, prevHead) > 0 {
		f.gap = &Gap{SinceID: prevHead, MaxID: oldest}
		res.Gap = f.gap
		s.logger.WithFields(logging.Fields{
			"feed":     feedID,
			"since_id": prevHead,
			"max_id":   oldest,
		}).Debug("Gap recorded after merge")
	}
	if f.loadState != Loaded && len(page) > 0 {
		f.loadState = Loaded
	}
	if res.Added > 0 || res.Gap != nil || overlap {
		s.changed(f)
	}
	return res, nil
}

// FillGap merges statuses fetched for the feed's pending gap. If the page was
// full and still does not reach SinceID, the gap shrinks to the oldest
// fetched id; otherwise it is closed.
func (s *Store) FillGap(feedID string, page []*streaming.Status, full bool) (int, error) {
	f, ok := s.feeds[feedID]
	if !ok {
		return 0, ErrUnknownFeed
	}
	if f.gap == nil {
		return 0, nil
	}
	gap := *f.gap
	added := 0
	oldest := ""
	reached := false
	for _, st := range page {
		if st == nil || st.ID == "" {
			continue
		}
		if oldest == "" || streaming.CompareID(st.ID, oldest) < 0 {
			oldest = st.ID
		}
		if streaming.CompareID(st.ID, gap.SinceID) <= 0 {
			reached = true
		}
		if _, dup := f.index[st.ID]; dup {
			continue
		}
		s.statuses.put(st)
		f.place(st.ID)
		added++
	}
	if !reached && full && oldest != "" {
		f.gap = &Gap{SinceID: gap.SinceID, MaxID: oldest}
	} else {
		f.gap = nil
	}
	s.changed(f)
	return added, nil
}

// place inserts id keeping the feed ordered newest first by id.
func (f *feed) place(id string) {
	i := sort.Search(len(f.items), func(i int) bool {
		return streaming.CompareID(f.items[i], id) < 0
	})
	f.items = append(f.items, "")
	copy(f.items[i+1:], f.items[i:])
	f.items[i] = id
	f.index[id] = struct{}{}
}

// Head returns the newest id of the feed, or "" when empty.
func (s *Store) Head(feedID string) string {
	f, ok := s.feeds[feedID]
	if !ok || len(f.items) == 0 {
		return ""
	}
	return f.items[0]
}

// Tail returns the oldest id of the feed, or "" when empty.
func (s *Store) Tail(feedID string) string {
	f, ok := s.feeds[feedID]
	if !ok || len(f.items) == 0 {
		return ""
	}
	return f.items[len(f.items)-1]
}

// PendingGap returns the feed's unfilled gap, if any.
func (s *Store) PendingGap(feedID string) (Gap, bool) {
	f, ok := s.feeds[feedID]
	if !ok || f.gap == nil {
		return Gap{}, false
	}
	return *f.gap, true
}

// Contains reports whether the feed holds id.
func (s *Store) Contains(feedID, id string) bool {
	f, ok := s.feeds[feedID]
	if !ok {
		return false
	}
	_, ok = f.index[id]
	return ok
}

// IDs returns a copy of the feed's ordered ids.
func (s *Store) IDs(feedID string) []string {
	f, ok := s.feeds[feedID]
	if !ok {
		return nil
	}
	out := make([]string, len(f.items))
	copy(out, f.items)
	return out
}

func (s *Store) sortedFeeds() []*feed {
	out := make([]*feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
