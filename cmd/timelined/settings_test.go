package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Wesbrine/hydra-social/internal/eventloop"
	"github.com/Wesbrine/hydra-social/internal/factory"
	"github.com/Wesbrine/hydra-social/internal/timeline"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

func resetFlags(t *testing.T) {
	t.Helper()
	feedsFile, feedIDs = "", nil
	t.Cleanup(func() { feedsFile, feedIDs = "", nil })
}

func TestLoadSettingsDefaults(t *testing.T) {
	resetFlags(t)
	t.Setenv("API_URL", "https://social.example")
	t.Setenv("STREAMING_URL", "")
	t.Setenv("TRANSPORT", "")
	t.Setenv("FEEDS", "")

	s := loadSettings()
	if s.StreamingURL != "https://social.example" {
		t.Errorf("streaming url should default to API_URL, got %q", s.StreamingURL)
	}
	if s.Transport != transportWebSocket {
		t.Errorf("transport = %q, want %q", s.Transport, transportWebSocket)
	}
	if err := s.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadSettingsFlagsOverrideEnv(t *testing.T) {
	resetFlags(t)
	t.Setenv("FEEDS", "home, direct")
	t.Setenv("FEEDS_FILE", "/env/feeds.yaml")

	s := loadSettings()
	if strings.Join(s.Feeds, ",") != "home,direct" {
		t.Fatalf("env feeds = %v", s.Feeds)
	}

	feedsFile = "/flag/feeds.yaml"
	feedIDs = []string{"hashtag:go"}
	s = loadSettings()
	if s.FeedsFile != "/flag/feeds.yaml" || strings.Join(s.Feeds, ",") != "hashtag:go" {
		t.Fatalf("flags not applied: %+v", s)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		s    settings
		ok   bool
	}{
		{"websocket", settings{APIURL: "http://a", StreamingURL: "http://a", Transport: transportWebSocket}, true},
		{"no api url", settings{StreamingURL: "http://a", Transport: transportWebSocket}, false},
		{"redis without url", settings{APIURL: "http://a", Transport: transportRedis}, false},
		{"redis", settings{APIURL: "http://a", Transport: transportRedis, RedisURL: "redis://localhost:6379"}, true},
		{"unknown transport", settings{APIURL: "http://a", Transport: "carrier-pigeon"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestSpecsMergeFileAndIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	if err := os.WriteFile(path, []byte("feeds:\n  - kind: home\n  - kind: list\n    list_id: \"5\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := settings{FeedsFile: path, Feeds: []string{"list:5", "direct"}}
	specs, err := s.specs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	var ids []string
	for _, spec := range specs {
		ids = append(ids, spec.FeedID())
	}
	if got := strings.Join(ids, ","); got != "home,list:5,direct" {
		t.Fatalf("ids = %s", got)
	}

	specs, err = settings{}.specs()
	if err != nil || len(specs) != 1 || specs[0].Kind != factory.KindHome {
		t.Fatalf("expected the home feed by default, got %+v (%v)", specs, err)
	}

	if _, err := (settings{Feeds: []string{"bogus"}}).specs(); err == nil {
		t.Fatal("expected an error for an unknown feed id")
	}
}

func TestRelayChannelsDeduplicate(t *testing.T) {
	s := settings{Feeds: []string{"hashtag:go", "hashtag:go:media", "home", "list:3"}}
	channels, err := relayChannels(s)
	if err != nil {
		t.Fatalf("relayChannels: %v", err)
	}
	var keys []string
	for _, ch := range channels {
		keys = append(keys, ch.Key())
	}
	if got := strings.Join(keys, ","); got != "hashtag?tag=go,user,list?list=3" {
		t.Fatalf("keys = %s", got)
	}
}

type tailSource struct{}

func (tailSource) FetchLatest(context.Context, streaming.FetchRequest) ([]streaming.Status, error) {
	return nil, nil
}

func (tailSource) FetchNotifications(context.Context, streaming.FetchRequest) ([]streaming.Notification, error) {
	return nil, nil
}

func (tailSource) FetchNotificationGroups(context.Context) ([]streaming.NotificationGroup, error) {
	return nil, nil
}

type tailTransport struct{ sinks map[string]streaming.Sink }

func (t *tailTransport) Subscribe(ch streaming.Channel, sink streaming.Sink) (io.Closer, error) {
	t.sinks[ch.Key()] = sink
	return io.NopCloser(nil), nil
}

func TestTailerPrintsEachStatusOnce(t *testing.T) {
	ctx := context.Background()
	tr := &tailTransport{sinks: make(map[string]streaming.Sink)}
	engine := timeline.New(timeline.Options{
		Runtime:   eventloop.NewManual(),
		Transport: tr,
		Source:    tailSource{},
		Rand:      func(int64) int64 { return 0 },
	})

	var out bytes.Buffer
	tl := newTailer(engine, &out, 20)
	engine.Observe(tl.notify)
	if _, err := engine.OpenColumn(ctx, factory.FeedSpec{Kind: factory.KindDirect}); err != nil {
		t.Fatal(err)
	}

	sink := tr.sinks["direct"]
	sink.Connected()
	sink.Received(streaming.Event{Kind: streaming.KindUpdate, Payload: `{"id":"1"}`})
	sink.Received(streaming.Event{Kind: streaming.KindUpdate, Payload: `{"id":"2"}`})
	for _, id := range tl.take() {
		if err := tl.flush(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	sink.Received(streaming.Event{Kind: streaming.KindUpdate, Payload: `{"id":"3"}`})
	for _, id := range tl.take() {
		if err := tl.flush(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	dec := json.NewDecoder(&out)
	for dec.More() {
		var line struct {
			Feed   string `json:"feed"`
			Status struct {
				ID string `json:"id"`
			} `json:"status"`
		}
		if err := dec.Decode(&line); err != nil {
			t.Fatal(err)
		}
		if line.Feed != "direct" {
			t.Errorf("feed = %q", line.Feed)
		}
		got = append(got, line.Status.ID)
	}
	if strings.Join(got, ",") != "1,2,3" {
		t.Fatalf("printed %v, want 1,2,3", got)
	}
}
