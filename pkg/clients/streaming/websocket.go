// Package streaming provides push transports that feed channel
// subscriptions: a multiplexed WebSocket client and a Redis pub/sub relay
// reader.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/clients"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// DefaultStreamingPath is the multiplexed streaming endpoint.
const DefaultStreamingPath = "/api/v1/streaming"

var ErrTransportClosed = errors.New("streaming: transport closed")

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	// BaseURL is the server origin; http(s) schemes are mapped to ws(s).
	BaseURL     string
	Path        string
	AccessToken string
	Logger      logging.Logger
	Metrics     *metrics.Metrics
	Reconnect   clients.ReconnectConfig

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	ReadLimit    int64
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.Path == "" {
		c.Path = DefaultStreamingPath
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval == 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 512 * 1024
	}
	if c.Reconnect.BaseDelay == 0 && c.Reconnect.MaxDelay == 0 {
		c.Reconnect = clients.DefaultReconnectConfig()
	}
	return c
}

type wsSub struct {
	channel streaming.Channel
	sink    streaming.Sink
}

// WebSocket multiplexes every channel subscription over one socket. It
// dials lazily on the first Subscribe and redials with backoff after every
// loss, resubscribing all channels.
type WebSocket struct {
	cfg     WebSocketConfig
	logger  logging.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	writeMu   sync.Mutex
	subs      map[string]*wsSub
	conn      *websocket.Conn
	connected bool
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocket creates the transport. Nothing is dialed until Subscribe.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		cfg:     cfg,
		logger:  logging.OrDiscard(cfg.Logger),
		metrics: metrics.OrDetached(cfg.Metrics),
		subs:    make(map[string]*wsSub),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// URL returns the WebSocket endpoint the transport dials.
func (w *WebSocket) URL() string {
	u, err := url.Parse(w.cfg.BaseURL)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimSuffix(w.cfg.BaseURL, "/") + w.cfg.Path
	}
	scheme := "ws"
	switch u.Scheme {
	case "https", "wss":
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: w.cfg.Path}).String()
}

// Subscribe implements subscription.Transport.
func (w *WebSocket) Subscribe(ch streaming.Channel, sink streaming.Sink) (io.Closer, error) {
	key := ch.Key()
	sub := &wsSub{channel: ch, sink: sink}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if _, dup := w.subs[key]; dup {
		w.mu.Unlock()
		return nil, fmt.Errorf("streaming: channel %s already subscribed", key)
	}
	w.subs[key] = sub
	conn, connected := w.conn, w.connected
	if !w.started {
		w.started = true
		w.wg.Add(1)
		go w.run()
	}
	w.mu.Unlock()

	if connected {
		sink.Connecting()
		if err := w.send(conn, ch.Request(streaming.TypeSubscribe)); err != nil {
			// the read pump notices the broken socket and redials
			sink.Disconnected(err)
			conn.Close()
		} else {
			sink.Connected()
		}
	}
	return closerFunc(func() error { return w.unsubscribe(key, sub) }), nil
}

func (w *WebSocket) unsubscribe(key string, sub *wsSub) error {
	w.mu.Lock()
	if w.subs[key] != sub {
		w.mu.Unlock()
		return nil
	}
	delete(w.subs, key)
	conn, connected := w.conn, w.connected
	w.mu.Unlock()

	if !connected {
		return nil
	}
	if err := w.send(conn, sub.channel.Request(streaming.TypeUnsubscribe)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", key, err)
	}
	return nil
}

// Connected reports whether the socket is currently up.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Close tears the socket down and stops reconnecting. Sinks are not
// notified.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.mu.Unlock()

	w.cancel()
	if conn != nil {
		w.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		conn.Close()
	}
	w.wg.Wait()
	w.logger.Info("Streaming WebSocket closed")
	return nil
}

func (w *WebSocket) snapshot() []*wsSub {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*wsSub, 0, len(w.subs))
	for _, s := range w.subs {
		out = append(out, s)
	}
	return out
}

func (w *WebSocket) send(conn *websocket.Conn, msg map[string]string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

// run owns the connection: dial with backoff, read until the socket dies,
// repeat until Close.
func (w *WebSocket) run() {
	defer w.wg.Done()
	policy := clients.NewReconnectPolicy(clients.ReconnectConfig{
		BaseDelay: w.cfg.Reconnect.BaseDelay,
		MaxDelay:  w.cfg.Reconnect.MaxDelay,
		OnRetry: func(attempt int, err error) {
			w.metrics.TransportRetries.WithLabelValues("websocket").Inc()
			w.logger.WithError(err).WithField("attempt", attempt).Debug("Retrying streaming connection")
			if w.cfg.Reconnect.OnRetry != nil {
				w.cfg.Reconnect.OnRetry(attempt, err)
			}
		},
	})

	for w.ctx.Err() == nil {
		var conn *websocket.Conn
		err := clients.Reconnect(w.ctx, policy, func() error {
			c, err := w.dial()
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil || conn == nil {
			return
		}
		err = w.session(conn)
		if w.ctx.Err() != nil {
			return
		}
		w.logger.WithError(err).Warn("Streaming connection lost")
	}
}

func (w *WebSocket) dial() (*websocket.Conn, error) {
	subs := w.snapshot()
	for _, s := range subs {
		s.sink.Connecting()
	}

	header := make(http.Header)
	if w.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(w.ctx, w.URL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("failed to connect to streaming (status: %d): %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("failed to connect to streaming: %w", err)
		}
		for _, s := range subs {
			s.sink.Disconnected(err)
		}
		return nil, err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return nil, ErrTransportClosed
	}
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	w.logger.WithField("url", w.URL()).Info("Connected to streaming WebSocket")
	return conn, nil
}

// session resubscribes every channel, then pumps frames until the socket
// fails. Every sink is told about the loss.
func (w *WebSocket) session(conn *websocket.Conn) error {
	for _, s := range w.snapshot() {
		s.sink.Connecting()
		if err := w.send(conn, s.channel.Request(streaming.TypeSubscribe)); err != nil {
			w.lost(conn, err)
			return err
		}
		s.sink.Connected()
	}

	done := make(chan struct{})
	go w.pingPump(conn, done)
	err := w.readPump(conn)
	close(done)
	w.lost(conn, err)
	return err
}

func (w *WebSocket) lost(conn *websocket.Conn, err error) {
	conn.Close()
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
		w.connected = false
	}
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	for _, s := range w.snapshot() {
		s.sink.Disconnected(err)
	}
}

func (w *WebSocket) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(w.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))

		var ev streaming.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			w.logger.WithError(err).Debug("Dropping undecodable streaming frame")
			continue
		}
		w.dispatch(ev)
	}
}

func (w *WebSocket) dispatch(ev streaming.Event) {
	for _, s := range w.snapshot() {
		if len(ev.Stream) == 0 || s.channel.Matches(ev.Stream) {
			s.sink.Received(ev)
		}
	}
}

func (w *WebSocket) pingPump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				w.logger.WithError(err).Debug("Failed to send ping")
				conn.Close()
				return
			}
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
