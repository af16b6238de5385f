package stores

import (
	"testing"
	"time"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

func TestConversationUpsertMovesToTop(t *testing.T) {
	c := NewConversations()
	c.Upsert(streaming.Conversation{ID: "1"})
	c.Upsert(streaming.Conversation{ID: "2"})
	c.Upsert(streaming.Conversation{ID: "1", Unread: true})

	snap := c.Snapshot()
	if len(snap) != 2 || snap[0].ID != "1" || !snap[0].Unread || snap[1].ID != "2" {
		t.Fatalf("unexpected conversations %+v", snap)
	}
	if !c.MarkRead("1") || c.Snapshot()[0].Unread {
		t.Fatalf("mark read failed")
	}
	if !c.Remove("2") || c.Len() != 1 {
		t.Fatalf("remove failed")
	}
}

func TestAnnouncementsLifecycle(t *testing.T) {
	a := NewAnnouncements()
	now := time.Now()
	a.Upsert(streaming.Announcement{ID: "old", PublishedAt: now.Add(-time.Hour)})
	a.Upsert(streaming.Announcement{ID: "new", PublishedAt: now})
	if snap := a.Snapshot(); snap[0].ID != "new" {
		t.Fatalf("expected newest first, got %+v", snap)
	}

	if !a.React(streaming.ReactionDelta{AnnouncementID: "old", Name: "👍", Count: 2}) {
		t.Fatalf("react on known announcement failed")
	}
	a.React(streaming.ReactionDelta{AnnouncementID: "old", Name: "👍", Count: 3})
	snap := a.Snapshot()
	if len(snap[1].Reactions) != 1 || snap[1].Reactions[0].Count != 3 {
		t.Fatalf("unexpected reactions %+v", snap[1].Reactions)
	}
	a.React(streaming.ReactionDelta{AnnouncementID: "old", Name: "👍", Count: 0})
	if len(a.Snapshot()[1].Reactions) != 0 {
		t.Fatalf("zero count did not remove reaction")
	}
	if a.React(streaming.ReactionDelta{AnnouncementID: "missing", Name: "x", Count: 1}) {
		t.Fatalf("react on unknown announcement applied")
	}

	if !a.Remove("new") || a.Remove("new") {
		t.Fatalf("remove semantics wrong")
	}
	if a.Len() != 1 {
		t.Fatalf("expected one announcement left")
	}
}
