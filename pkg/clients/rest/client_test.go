package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/clients"
)

func fastRetries() clients.HTTPExecutorConfig {
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	return cfg
}

func TestFetchLatestSendsQueryAndToken(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"12","content":"hi","account":{"id":"1","username":"a","acct":"a"}},{"id":"11","account":{"id":"2","username":"b","acct":"b"}}]`))
	}))
	defer srv.Close()

	m := metrics.NewDetached()
	c := NewClient(srv.URL+"/", "tok", WithoutRetries(), WithMetrics(m))
	page, err := c.FetchLatest(context.Background(), streaming.FetchRequest{
		Path:    "/api/v1/timelines/tag/go",
		SinceID: "10",
		Limit:   20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 || page[0].ID != "12" || page[0].Account.ID != "1" {
		t.Fatalf("unexpected page %+v", page)
	}
	if gotPath != "/api/v1/timelines/tag/go" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotQuery != "limit=20&since_id=10" {
		t.Fatalf("unexpected query %s", gotQuery)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if got := testutil.ToFloat64(m.SourceRequests.WithLabelValues(OpTimeline, metrics.StatusSuccess)); got != 1 {
		t.Fatalf("expected one successful request recorded, got %v", got)
	}
}

func TestFetchReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Record not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	m := metrics.NewDetached()
	c := NewClient(srv.URL, "", WithoutRetries(), WithMetrics(m))
	_, err := c.FetchLatest(context.Background(), streaming.FetchRequest{Path: "/api/v1/timelines/list/9"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Path != "/api/v1/timelines/list/9" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if got := testutil.ToFloat64(m.SourceRequests.WithLabelValues(OpTimeline, metrics.StatusFailure)); got != 1 {
		t.Fatalf("expected failure recorded, got %v", got)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"5","type":"mention","account":{"id":"1","username":"a","acct":"a"}}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithHTTPExecutorConfig(fastRetries()))
	ns, err := c.FetchNotifications(context.Background(), streaming.FetchRequest{Path: "/api/v1/notifications"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(ns) != 1 || ns[0].Type != streaming.NotificationMention {
		t.Fatalf("unexpected notifications %+v", ns)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestFetchNotificationGroups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != GroupedNotificationsPath {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{
			"accounts": [],
			"notification_groups": [
				{"group_key": "favourite-9", "type": "favourite", "notifications_count": 3,
				 "most_recent_notification_id": "30", "page_min_id": "28", "page_max_id": "30",
				 "sample_account_ids": ["1", "2"], "status_id": "9"}
			]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithoutRetries())
	groups, err := c.FetchNotificationGroups(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	g := groups[0]
	if g.GroupKey != "favourite-9" || g.NotificationsCount != 3 || g.PageMinID != "28" || len(g.SampleAccountIDs) != 2 {
		t.Fatalf("unexpected group %+v", g)
	}
}

func TestFetchDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithoutRetries())
	if _, err := c.FetchLatest(context.Background(), streaming.FetchRequest{Path: "/api/v1/timelines/home"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/instance" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"uri":"social.example"}`))
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "", WithoutRetries()).Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

func TestBreakerStateChangesReachClientMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.MaxRetries = 0
	cfg.CircuitBreaker = &clients.CircuitBreakerConfig{
		Name:         BreakerName,
		MinRequests:  3,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	}
	m := metrics.NewDetached()
	c := NewClient(srv.URL, "", WithHTTPExecutorConfig(cfg), WithMetrics(m))

	for i := 0; i < 3; i++ {
		if _, err := c.FetchLatest(context.Background(), streaming.FetchRequest{Path: "/api/v1/timelines/home"}); err == nil {
			t.Fatal("expected failure from unavailable server")
		}
	}

	if got := testutil.ToFloat64(m.SourceBreakerState.WithLabelValues(BreakerName)); got != float64(clients.StateOpen) {
		t.Fatalf("expected open breaker gauge, got %v", got)
	}
	if got := testutil.ToFloat64(m.SourceBreakerTransitions.WithLabelValues(BreakerName, "closed", "open")); got != 1 {
		t.Fatalf("expected one closed->open transition, got %v", got)
	}
}
