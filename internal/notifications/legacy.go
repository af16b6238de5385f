package notifications

import (
	"sort"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// DefaultLegacyCapacity bounds the flat notification list.
const DefaultLegacyCapacity = 400

// Legacy is the ungrouped notification list, newest first by id.
type Legacy struct {
	capacity int
	items    []streaming.Notification
	index    map[string]struct{}
}

// NewLegacy creates a list holding at most capacity notifications.
func NewLegacy(capacity int) *Legacy {
	if capacity <= 0 {
		capacity = DefaultLegacyCapacity
	}
	return &Legacy{capacity: capacity, index: make(map[string]struct{})}
}

// Add inserts n in id order. Duplicates are ignored.
func (l *Legacy) Add(n streaming.Notification) bool {
	if n.ID == "" {
		return false
	}
	if _, dup := l.index[n.ID]; dup {
		return false
	}
	i := sort.Search(len(l.items), func(i int) bool {
		return streaming.CompareID(l.items[i].ID, n.ID) < 0
	})
	if i >= l.capacity {
		return false
	}
	l.items = append(l.items, streaming.Notification{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = n
	l.index[n.ID] = struct{}{}
	for len(l.items) > l.capacity {
		last := l.items[len(l.items)-1]
		delete(l.index, last.ID)
		l.items = l.items[:len(l.items)-1]
	}
	return true
}

// Merge adds fetched notifications. Returns how many were new.
func (l *Legacy) Merge(ns []streaming.Notification) int {
	added := 0
	for _, n := range ns {
		if l.Add(n) {
			added++
		}
	}
	return added
}

// Head returns the newest id, or "".
func (l *Legacy) Head() string {
	if len(l.items) == 0 {
		return ""
	}
	return l.items[0].ID
}

// Len returns the number of notifications held.
func (l *Legacy) Len() int { return len(l.items) }

// Snapshot copies up to limit notifications, newest first. limit <= 0
// returns all.
func (l *Legacy) Snapshot(limit int) []streaming.Notification {
	n := len(l.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]streaming.Notification, n)
	copy(out, l.items[:n])
	return out
}
