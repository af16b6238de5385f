package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// MockStreamingServer is a push server speaking the streaming wire format:
// clients send {"type": "subscribe", "stream": ...} requests and receive
// {"stream": [...], "event": ..., "payload": ...} frames.
type MockStreamingServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	logger   logging.Logger

	// Token, when set, is required as a Bearer token.
	Token string

	connMutex   sync.RWMutex
	connections map[*MockConnection]struct{}
	requests    chan map[string]string
	accepted    int
	rejected    int

	// OnRequest is called for every subscribe/unsubscribe request.
	OnRequest func(conn *MockConnection, req map[string]string)
}

// MockConnection is one client socket on the mock server.
type MockConnection struct {
	conn     *websocket.Conn
	messages chan interface{}
	closed   bool
	mutex    sync.RWMutex

	subMutex sync.Mutex
	streams  map[string]map[string]string
}

// NewMockStreamingServer starts a mock server on a random port.
func NewMockStreamingServer() *MockStreamingServer {
	mock := &MockStreamingServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:      logging.NewDiscardLogger(),
		connections: make(map[*MockConnection]struct{}),
		requests:    make(chan map[string]string, 100),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock
}

// URL returns the http:// base URL of the server.
func (m *MockStreamingServer) URL() string { return m.server.URL }

// WebSocketURL returns the ws:// base URL of the server.
func (m *MockStreamingServer) WebSocketURL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// Close drops every connection and shuts the server down.
func (m *MockStreamingServer) Close() {
	m.DropAll()
	m.server.Close()
}

// Requests returns subscribe/unsubscribe requests in arrival order.
func (m *MockStreamingServer) Requests() <-chan map[string]string {
	return m.requests
}

// Accepted returns the number of upgraded connections so far.
func (m *MockStreamingServer) Accepted() int {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	return m.accepted
}

// Rejected returns the number of connections refused for bad credentials.
func (m *MockStreamingServer) Rejected() int {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	return m.rejected
}

// Connections returns the live connections.
func (m *MockStreamingServer) Connections() []*MockConnection {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	out := make([]*MockConnection, 0, len(m.connections))
	for c := range m.connections {
		out = append(out, c)
	}
	return out
}

// Broadcast sends a frame to every live connection.
func (m *MockStreamingServer) Broadcast(ev streaming.Event) {
	for _, c := range m.Connections() {
		c.Send(ev)
	}
}

// DropAll closes every live connection without a close handshake.
func (m *MockStreamingServer) DropAll() {
	for _, c := range m.Connections() {
		c.Close()
	}
}

func (m *MockStreamingServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if m.Token != "" && r.Header.Get("Authorization") != "Bearer "+m.Token {
		m.connMutex.Lock()
		m.rejected++
		m.connMutex.Unlock()
		http.Error(w, "Invalid authentication", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	mockConn := &MockConnection{
		conn:     conn,
		messages: make(chan interface{}, 64),
		streams:  make(map[string]map[string]string),
	}
	m.connMutex.Lock()
	m.connections[mockConn] = struct{}{}
	m.accepted++
	m.connMutex.Unlock()

	go mockConn.readPump(m)
	go mockConn.writePump(m)
}

// Send queues a frame for the client.
func (c *MockConnection) Send(message interface{}) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.closed {
		select {
		case c.messages <- message:
		default:
		}
	}
}

// Close closes the connection.
func (c *MockConnection) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		c.closed = true
		close(c.messages)
		c.conn.Close()
	}
}

// Subscribed reports whether the client currently subscribes to stream.
func (c *MockConnection) Subscribed(stream string) bool {
	c.subMutex.Lock()
	defer c.subMutex.Unlock()
	_, ok := c.streams[stream]
	return ok
}

func (c *MockConnection) readPump(server *MockStreamingServer) {
	defer func() {
		server.connMutex.Lock()
		delete(server.connections, c)
		server.connMutex.Unlock()
		c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)) //nolint:errcheck // test utility
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)) //nolint:errcheck // test utility
		return nil
	})

	for {
		var req map[string]string
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}

		c.subMutex.Lock()
		switch req["type"] {
		case streaming.TypeSubscribe:
			c.streams[req["stream"]] = req
		case streaming.TypeUnsubscribe:
			delete(c.streams, req["stream"])
		}
		c.subMutex.Unlock()

		select {
		case server.requests <- req:
		default:
		}
		if server.OnRequest != nil {
			server.OnRequest(c, req)
		}
	}
}

func (c *MockConnection) writePump(server *MockStreamingServer) {
	defer c.conn.Close()

	for message := range c.messages {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck // test utility
		if err := c.conn.WriteJSON(message); err != nil {
			server.logger.WithError(err).Debug("Error writing WebSocket message")
			return
		}
	}
}
