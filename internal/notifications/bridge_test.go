package notifications

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Wesbrine/hydra-social/internal/eventloop"
	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

func notif(id, groupKey, account string) streaming.Notification {
	return streaming.Notification{
		ID:       id,
		Type:     streaming.NotificationFavourite,
		GroupKey: groupKey,
		Account:  streaming.Account{ID: account},
	}
}

func keys(s Snapshot) []string {
	out := make([]string, 0, len(s.Groups))
	for _, g := range s.Groups {
		out = append(out, g.Key)
	}
	return out
}

func TestFoldGroupsByKey(t *testing.T) {
	b := NewBridge(eventloop.NewManual(), nil, nil, nil)
	b.Fold(notif("10", "favourite-1", "a"))
	b.Fold(notif("11", "", "b"))
	b.Fold(notif("12", "favourite-1", "c"))

	snap := b.Snapshot(0)
	if got := keys(snap); len(got) != 2 || got[0] != "favourite-1" || got[1] != "ungrouped-11" {
		t.Fatalf("unexpected order %v", got)
	}
	g := snap.Groups[0]
	if g.Count != 2 || g.MostRecentID != "12" || g.PageMinID != "10" {
		t.Fatalf("unexpected group %+v", g)
	}
	if g.SampleAccountIDs[0] != "c" || g.SampleAccountIDs[1] != "a" {
		t.Fatalf("expected newest sample first, got %v", g.SampleAccountIDs)
	}
}

func TestFoldInsidePageRangeIsNoop(t *testing.T) {
	b := NewBridge(eventloop.NewManual(), nil, nil, nil)
	b.Fold(notif("10", "k", "a"))
	b.Fold(notif("14", "k", "b"))
	if b.Fold(notif("12", "k", "c")) {
		t.Fatalf("notification inside page range was applied")
	}
	if b.Fold(notif("14", "k", "b")) {
		t.Fatalf("duplicate notification was applied")
	}
	if b.Snapshot(0).Groups[0].Count != 2 {
		t.Fatalf("count changed by no-op fold")
	}
}

func TestMarkMergedRefreshesAndReappliesPending(t *testing.T) {
	rt := eventloop.NewManual()
	rt.HoldAsync(true)
	fetch := func(context.Context) ([]streaming.NotificationGroup, error) {
		return []streaming.NotificationGroup{
			{GroupKey: "mention-9", Type: "mention", NotificationsCount: 1, MostRecentNotificationID: "20", PageMinID: "20", PageMaxID: "20"},
			{GroupKey: "favourite-1", Type: "favourite", NotificationsCount: 3, MostRecentNotificationID: "15", PageMinID: "5", PageMaxID: "15"},
		}, nil
	}
	m := metrics.NewDetached()
	b := NewBridge(rt, fetch, nil, m)
	b.Fold(notif("1", "old", "a"))

	b.MarkMerged()
	if !b.Stale() {
		t.Fatalf("expected stale after merge")
	}
	// folds while the refresh is pending stay visible
	b.Fold(notif("25", "reblog-3", "x"))
	b.Fold(notif("18", "favourite-1", "y"))
	if got := keys(b.Snapshot(0)); len(got) != 3 {
		t.Fatalf("pending folds not visible: %v", got)
	}

	rt.Flush()
	snap := b.Snapshot(0)
	if snap.Stale || snap.Refreshing {
		t.Fatalf("expected fresh bridge, got %+v", snap)
	}
	got := keys(snap)
	want := []string{"reblog-3", "mention-9", "favourite-1"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	// 18 is older than the newest fetched id and already part of the result
	if snap.Groups[2].Count != 3 {
		t.Fatalf("stale pending notification re-applied: %+v", snap.Groups[2])
	}
	if testutil.ToFloat64(m.NotificationRefreshes.WithLabelValues(metrics.StatusSuccess)) != 1 {
		t.Fatalf("expected refresh counted")
	}
}

func TestFailedRefreshStaysStale(t *testing.T) {
	rt := eventloop.NewManual()
	b := NewBridge(rt, func(context.Context) ([]streaming.NotificationGroup, error) {
		return nil, errors.New("timeout")
	}, nil, nil)
	b.Fold(notif("3", "k", "a"))
	b.MarkMerged()
	snap := b.Snapshot(0)
	if !snap.Stale || snap.Refreshing {
		t.Fatalf("expected stale and idle, got %+v", snap)
	}
	if len(snap.Groups) != 1 {
		t.Fatalf("failed refresh dropped groups")
	}
}

func TestSupersededRefreshIsIgnored(t *testing.T) {
	rt := eventloop.NewManual()
	rt.HoldAsync(true)
	calls := 0
	b := NewBridge(rt, func(context.Context) ([]streaming.NotificationGroup, error) {
		calls++
		return []streaming.NotificationGroup{{GroupKey: "g", MostRecentNotificationID: "1"}}, nil
	}, nil, nil)
	b.MarkMerged()
	b.MarkMerged()
	rt.Flush()
	if calls != 2 {
		t.Fatalf("expected two fetches, got %d", calls)
	}
	if b.Stale() {
		t.Fatalf("expected latest refresh to land")
	}
	if b.Len() != 1 {
		t.Fatalf("unexpected groups %d", b.Len())
	}
}

func TestMergeDuringRefreshGetsItsOwnFetch(t *testing.T) {
	l := eventloop.New(nil)
	go l.Run(context.Background())
	t.Cleanup(l.Close)

	started := make(chan int, 2)
	release := make(chan struct{})
	var fetches atomic.Int32
	b := NewBridge(l, func(ctx context.Context) ([]streaming.NotificationGroup, error) {
		n := int(fetches.Add(1))
		started <- n
		if n == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []streaming.NotificationGroup{{GroupKey: "before-second-merge", MostRecentNotificationID: "1"}}, nil
		}
		return []streaming.NotificationGroup{{GroupKey: "after-second-merge", MostRecentNotificationID: "2"}}, nil
	}, nil, nil)

	ctx := context.Background()
	wait := func(want int) {
		t.Helper()
		select {
		case n := <-started:
			if n != want {
				t.Fatalf("expected fetch %d to start, got %d", want, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("fetch %d never started", want)
		}
	}

	if err := l.Call(ctx, b.MarkMerged); err != nil {
		t.Fatal(err)
	}
	wait(1)
	if err := l.Call(ctx, b.MarkMerged); err != nil {
		t.Fatal(err)
	}
	wait(2)
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var stale bool
		var got []string
		if err := l.Call(ctx, func() {
			stale = b.Stale()
			got = keys(b.Snapshot(0))
		}); err != nil {
			t.Fatal(err)
		}
		if !stale {
			if len(got) != 1 || got[0] != "after-second-merge" {
				t.Fatalf("refresh applied pre-merge groups %v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bridge never refreshed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("expected one fetch per merge signal, got %d", n)
	}
}

func TestFoldIsNonBlockingDuringRefresh(t *testing.T) {
	rt := eventloop.NewManual()
	rt.HoldAsync(true)
	b := NewBridge(rt, func(context.Context) ([]streaming.NotificationGroup, error) {
		return nil, nil
	}, nil, nil)
	b.MarkMerged()
	for i := 0; i < 1000; i++ {
		b.Fold(notif(strconv.Itoa(i+1), "", "a"))
	}
	if b.Len() != 1000 {
		t.Fatalf("expected folds applied while refresh pending, got %d", b.Len())
	}
}

func TestMergeFetchedUpsertsAndSorts(t *testing.T) {
	b := NewBridge(eventloop.NewManual(), nil, nil, nil)
	b.Fold(notif("30", "a", "x"))
	b.MergeFetched([]streaming.NotificationGroup{
		{GroupKey: "b", MostRecentNotificationID: "40", NotificationsCount: 1},
		{GroupKey: "a", MostRecentNotificationID: "30", NotificationsCount: 5, PageMinID: "10", PageMaxID: "30"},
	})
	snap := b.Snapshot(0)
	if got := keys(snap); got[0] != "b" || got[1] != "a" {
		t.Fatalf("unexpected order %v", got)
	}
	if snap.Groups[1].Count != 5 {
		t.Fatalf("expected upsert to replace count")
	}
}

func TestLegacyOrderingAndCapacity(t *testing.T) {
	l := NewLegacy(3)
	l.Add(notif("5", "", "a"))
	l.Add(notif("7", "", "a"))
	l.Add(notif("6", "", "a"))
	if l.Add(notif("6", "", "a")) {
		t.Fatalf("duplicate added")
	}
	l.Add(notif("8", "", "a"))
	snap := l.Snapshot(0)
	if len(snap) != 3 || snap[0].ID != "8" || snap[2].ID != "6" {
		t.Fatalf("unexpected legacy list %+v", snap)
	}
	if l.Add(notif("1", "", "a")) {
		t.Fatalf("notification older than a full list was added")
	}
	if l.Merge([]streaming.Notification{notif("9", "", "a"), notif("8", "", "a")}) != 1 {
		t.Fatalf("expected one new notification from merge")
	}
	if l.Head() != "9" {
		t.Fatalf("unexpected head %s", l.Head())
	}
}
