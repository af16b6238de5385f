package feeds

import (
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// StatusStore is the single copy of every status referenced by a feed, keyed
// by id. Reblog wrappers are indexed by the id they embed.
type StatusStore struct {
	byID    map[string]*streaming.Status
	reblogs map[string]map[string]struct{}
}

// NewStatusStore creates an empty store.
func NewStatusStore() *StatusStore {
	return &StatusStore{
		byID:    make(map[string]*streaming.Status),
		reblogs: make(map[string]map[string]struct{}),
	}
}

// Get returns the stored status.
func (ss *StatusStore) Get(id string) (*streaming.Status, bool) {
	st, ok := ss.byID[id]
	return st, ok
}

// Len returns the number of stored statuses.
func (ss *StatusStore) Len() int { return len(ss.byID) }

func (ss *StatusStore) put(st *streaming.Status) {
	if old, ok := ss.byID[st.ID]; ok && old.Reblog != nil {
		ss.unindex(old)
	}
	ss.byID[st.ID] = st
	if st.Reblog != nil && st.Reblog.ID != "" {
		set, ok := ss.reblogs[st.Reblog.ID]
		if !ok {
			set = make(map[string]struct{})
			ss.reblogs[st.Reblog.ID] = set
		}
		set[st.ID] = struct{}{}
	}
}

func (ss *StatusStore) unindex(st *streaming.Status) {
	if st.Reblog == nil {
		return
	}
	if set, ok := ss.reblogs[st.Reblog.ID]; ok {
		delete(set, st.ID)
		if len(set) == 0 {
			delete(ss.reblogs, st.Reblog.ID)
		}
	}
}

// update replaces st and the embedded copy inside every wrapper of it.
// Returns the ids of records that changed.
func (ss *StatusStore) update(st *streaming.Status) []string {
	var touched []string
	if _, ok := ss.byID[st.ID]; ok {
		ss.put(st)
		touched = append(touched, st.ID)
	}
	for _, wid := range ss.reblogsOf(st.ID) {
		w, ok := ss.byID[wid]
		if !ok {
			continue
		}
		cp := *w
		inner := *st
		cp.Reblog = &inner
		ss.byID[wid] = &cp
		touched = append(touched, wid)
	}
	return touched
}

func (ss *StatusStore) reblogsOf(id string) []string {
	set := ss.reblogs[id]
	out := make([]string, 0, len(set))
	for wid := range set {
		out = append(out, wid)
	}
	return out
}

func (ss *StatusStore) delete(id string) {
	if st, ok := ss.byID[id]; ok {
		ss.unindex(st)
		delete(ss.byID, id)
	}
}

func (ss *StatusStore) retain(live map[string]struct{}) {
	for id := range ss.byID {
		if _, ok := live[id]; !ok {
			ss.delete(id)
		}
	}
}
