package streaming

import (
	"testing"
	"time"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/clients"
	"github.com/Wesbrine/hydra-social/pkg/testutil"
)

func fastReconnect() clients.ReconnectConfig {
	return clients.ReconnectConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func nextRequest(t *testing.T, server *testutil.MockStreamingServer) map[string]string {
	t.Helper()
	select {
	case req := <-server.Requests():
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("no request reached the server")
		return nil
	}
}

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"https://social.example":      "wss://social.example/api/v1/streaming",
		"http://localhost:3000/":      "ws://localhost:3000/api/v1/streaming",
		"wss://stream.social.example": "wss://stream.social.example/api/v1/streaming",
	}
	for base, want := range cases {
		if got := NewWebSocket(WebSocketConfig{BaseURL: base}).URL(); got != want {
			t.Errorf("URL(%s) = %s, want %s", base, got, want)
		}
	}
}

func TestWebSocketSubscribesAndRoutesFrames(t *testing.T) {
	server := testutil.NewMockStreamingServer()
	server.Token = "secret"
	defer server.Close()

	ws := NewWebSocket(WebSocketConfig{
		BaseURL:     server.URL(),
		AccessToken: "secret",
		Reconnect:   fastReconnect(),
	})
	defer ws.Close()

	golang := &recorder{}
	home := &recorder{}
	if _, err := ws.Subscribe(streaming.NewChannel("hashtag", map[string]string{"tag": "go"}), golang); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Subscribe(streaming.NewChannel("user", nil), home); err != nil {
		t.Fatal(err)
	}

	seen := map[string]map[string]string{}
	for len(seen) < 2 {
		req := nextRequest(t, server)
		if req["type"] != streaming.TypeSubscribe {
			t.Fatalf("unexpected request %v", req)
		}
		seen[req["stream"]] = req
	}
	if seen["hashtag"]["tag"] != "go" {
		t.Fatalf("hashtag subscribe lost its tag: %v", seen["hashtag"])
	}
	eventually(t, "connected sinks", func() bool {
		return golang.last() == "connected" && home.last() == "connected"
	})

	server.Broadcast(streaming.Event{Stream: []string{"hashtag", "go"}, Kind: streaming.KindUpdate, Payload: `{"id":"1"}`})
	server.Broadcast(streaming.Event{Stream: []string{"hashtag", "rust"}, Kind: streaming.KindUpdate, Payload: `{"id":"2"}`})
	server.Broadcast(streaming.Event{Stream: []string{"user"}, Kind: streaming.KindDelete, Payload: "3"})
	server.Broadcast(streaming.Event{Kind: streaming.KindAnnouncement, Payload: `{"id":"a"}`})

	eventually(t, "routed frames", func() bool {
		return len(golang.received()) == 2 && len(home.received()) == 2
	})
	if got := golang.received()[0].Payload; got != `{"id":"1"}` {
		t.Fatalf("hashtag sink got %s", got)
	}
	if got := home.received()[0].Kind; got != streaming.KindDelete {
		t.Fatalf("user sink got %s", got)
	}
	if !ws.Connected() {
		t.Fatal("expected transport connected")
	}
}

func TestWebSocketReconnectsAndResubscribes(t *testing.T) {
	server := testutil.NewMockStreamingServer()
	defer server.Close()

	ws := NewWebSocket(WebSocketConfig{BaseURL: server.URL(), Reconnect: fastReconnect()})
	defer ws.Close()

	sink := &recorder{}
	if _, err := ws.Subscribe(streaming.NewChannel("direct", nil), sink); err != nil {
		t.Fatal(err)
	}
	nextRequest(t, server)
	eventually(t, "first connect", func() bool { return sink.count("connected") == 1 })

	server.DropAll()
	eventually(t, "loss reported", func() bool { return sink.count("disconnected") >= 1 })

	req := nextRequest(t, server)
	if req["stream"] != "direct" || req["type"] != streaming.TypeSubscribe {
		t.Fatalf("expected resubscribe, got %v", req)
	}
	eventually(t, "second connect", func() bool { return sink.count("connected") == 2 })
	if server.Accepted() != 2 {
		t.Fatalf("expected 2 connections, got %d", server.Accepted())
	}
}

func TestWebSocketUnsubscribeSendsFrame(t *testing.T) {
	server := testutil.NewMockStreamingServer()
	defer server.Close()

	ws := NewWebSocket(WebSocketConfig{BaseURL: server.URL(), Reconnect: fastReconnect()})
	defer ws.Close()

	sink := &recorder{}
	closer, err := ws.Subscribe(streaming.NewChannel("list", map[string]string{"list": "5"}), sink)
	if err != nil {
		t.Fatal(err)
	}
	nextRequest(t, server)
	eventually(t, "connect", func() bool { return sink.last() == "connected" })

	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	req := nextRequest(t, server)
	if req["type"] != streaming.TypeUnsubscribe || req["list"] != "5" {
		t.Fatalf("expected unsubscribe for list 5, got %v", req)
	}

	server.Broadcast(streaming.Event{Stream: []string{"list", "5"}, Kind: streaming.KindUpdate, Payload: "{}"})
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.received()); n != 0 {
		t.Fatalf("closed subscription received %d frames", n)
	}
}

func TestWebSocketRejectedTokenKeepsRetrying(t *testing.T) {
	server := testutil.NewMockStreamingServer()
	server.Token = "secret"
	defer server.Close()

	ws := NewWebSocket(WebSocketConfig{
		BaseURL:     server.URL(),
		AccessToken: "wrong",
		Reconnect:   fastReconnect(),
	})

	sink := &recorder{}
	if _, err := ws.Subscribe(streaming.NewChannel("public", nil), sink); err != nil {
		t.Fatal(err)
	}
	eventually(t, "repeated rejections", func() bool {
		return server.Rejected() >= 3 && sink.count("disconnected") >= 3
	})
	if sink.count("connected") != 0 {
		t.Fatal("sink must not connect with a bad token")
	}

	if err := ws.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Subscribe(streaming.NewChannel("public", nil), sink); err != ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}
