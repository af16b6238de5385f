package stores

import (
	"sort"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// Announcements keeps server announcements, newest published first.
type Announcements struct {
	items []streaming.Announcement
}

// NewAnnouncements creates an empty store.
func NewAnnouncements() *Announcements {
	return &Announcements{}
}

func (a *Announcements) find(id string) int {
	for i := range a.items {
		if a.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Upsert inserts or replaces an announcement.
func (a *Announcements) Upsert(ann streaming.Announcement) {
	if ann.ID == "" {
		return
	}
	if i := a.find(ann.ID); i >= 0 {
		a.items[i] = ann
	} else {
		a.items = append(a.items, ann)
	}
	sort.SliceStable(a.items, func(i, j int) bool {
		return a.items[i].PublishedAt.After(a.items[j].PublishedAt)
	})
}

// React applies a reaction total. A count of zero removes the reaction.
// Returns false when the announcement is unknown.
func (a *Announcements) React(d streaming.ReactionDelta) bool {
	i := a.find(d.AnnouncementID)
	if i < 0 {
		return false
	}
	ann := &a.items[i]
	reactions := make([]streaming.Reaction, 0, len(ann.Reactions)+1)
	found := false
	for _, r := range ann.Reactions {
		if r.Name != d.Name {
			reactions = append(reactions, r)
			continue
		}
		found = true
		if d.Count > 0 {
			r.Count = d.Count
			reactions = append(reactions, r)
		}
	}
	if !found && d.Count > 0 {
		reactions = append(reactions, streaming.Reaction{Name: d.Name, Count: d.Count})
	}
	ann.Reactions = reactions
	return true
}

// Remove drops an announcement.
func (a *Announcements) Remove(id string) bool {
	i := a.find(id)
	if i < 0 {
		return false
	}
	a.items = append(a.items[:i], a.items[i+1:]...)
	return true
}

// Len returns the number of announcements.
func (a *Announcements) Len() int { return len(a.items) }

// Snapshot copies the list.
func (a *Announcements) Snapshot() []streaming.Announcement {
	out := make([]streaming.Announcement, len(a.items))
	for i, ann := range a.items {
		ann.Reactions = append([]streaming.Reaction(nil), ann.Reactions...)
		out[i] = ann
	}
	return out
}
