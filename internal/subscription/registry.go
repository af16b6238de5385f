// Package subscription shares one transport subscription between every
// consumer of the same channel identity and fans lifecycle callbacks and
// frames out to them.
package subscription

import (
	"errors"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/Wesbrine/hydra-social/internal/eventloop"
	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// ErrNoChannel is returned by Open when the channel name is empty.
var ErrNoChannel = errors.New("subscription: channel name is required")

// State is the connection state of one channel identity.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handlers are the callbacks a consumer registers. All run on the loop.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	OnReceive    func(streaming.Event)
}

// Transport opens one server-side subscription per channel identity. The
// returned closer releases it. Lifecycle and frames are reported to sink.
type Transport interface {
	Subscribe(ch streaming.Channel, sink streaming.Sink) (io.Closer, error)
}

// Registry is owned by the loop; every method must be called from it.
type Registry struct {
	rt        eventloop.Runtime
	transport Transport
	logger    logging.Logger
	metrics   *metrics.Metrics

	entries map[string]*entry
}

// NewRegistry creates a registry that opens subscriptions on transport.
func NewRegistry(rt eventloop.Runtime, transport Transport, logger logging.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		rt:        rt,
		transport: transport,
		logger:    logging.OrDiscard(logger),
		metrics:   metrics.OrDetached(m),
		entries:   make(map[string]*entry),
	}
}

type entry struct {
	reg     *Registry
	channel streaming.Channel
	key     string
	closer  io.Closer
	handles []*Handle
	state   State
	// epochConnected is set once the current connection epoch reached
	// Connected. Frames are dropped until then.
	epochConnected bool
	// epoch counts transitions to Connected.
	epoch uint64
	// lossReported is set once OnDisconnect fired for the current outage.
	lossReported bool
	released     bool
}

// Handle is one consumer's registration on a channel identity.
type Handle struct {
	id       string
	entry    *entry
	handlers Handlers
	closed   bool
}

// ID returns the unique handle id.
func (h *Handle) ID() string { return h.id }

// Channel returns the identity the handle is registered on.
func (h *Handle) Channel() streaming.Channel { return h.entry.channel }

// State returns the current connection state of the handle's channel.
func (h *Handle) State() State {
	if h.closed {
		return Disconnected
	}
	return h.entry.state
}

// Open registers handlers on the channel identity (name, params). The first
// handle for an identity opens the transport subscription; later handles
// share it, or retry it when it could not be opened. A handle joining a connected identity receives OnConnect, and one
// joining during an outage receives OnDisconnect, right after Open returns.
func (r *Registry) Open(name string, params map[string]string, handlers Handlers) (*Handle, error) {
	if name == "" {
		return nil, ErrNoChannel
	}
	ch := streaming.NewChannel(name, params)
	key := ch.Key()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{reg: r, channel: ch, key: key}
		r.entries[key] = e
		r.metrics.Subscriptions.WithLabelValues(ch.Name).Inc()
		r.logger.WithFields(logging.Fields{
			"channel": key,
		}).Info("Opening channel subscription")

		e.subscribe()
	} else if e.closer == nil {
		// an earlier subscribe failed; the joining handle retries it
		e.subscribe()
	}

	h := &Handle{id: uuid.NewString(), entry: e, handlers: handlers}
	e.handles = append(e.handles, h)

	switch {
	case e.state == Connected:
		r.rt.Post(func() {
			if !h.closed && h.entry.state == Connected && h.handlers.OnConnect != nil {
				h.handlers.OnConnect()
			}
		})
	case e.lossReported:
		r.rt.Post(func() {
			if !h.closed && h.entry.state != Connected && h.handlers.OnDisconnect != nil {
				h.handlers.OnDisconnect()
			}
		})
	}
	return h, nil
}

// Close unregisters the handle. OnDisconnect fires for this handle if the
// channel is currently connected. The transport subscription is released
// when the last handle closes. Closing twice is a no-op.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	e := h.entry

	for i, other := range e.handles {
		if other == h {
			e.handles = append(e.handles[:i:i], e.handles[i+1:]...)
			break
		}
	}
	if e.state == Connected && h.handlers.OnDisconnect != nil {
		h.handlers.OnDisconnect()
	}
	if len(e.handles) == 0 {
		e.release()
	}
}

func (e *entry) subscribe() {
	r := e.reg
	closer, err := r.transport.Subscribe(e.channel, &sink{entry: e})
	if err != nil {
		r.logger.WithError(err).WithField("channel", e.key).Warn("Channel subscribe failed")
		r.rt.Post(func() { e.disconnected(err) })
		return
	}
	e.closer = closer
}

func (e *entry) release() {
	if e.released {
		return
	}
	e.released = true
	r := e.reg
	delete(r.entries, e.key)
	r.metrics.Subscriptions.WithLabelValues(e.channel.Name).Dec()
	if e.closer != nil {
		if err := e.closer.Close(); err != nil {
			r.logger.WithError(err).WithField("channel", e.key).Warn("Failed to close channel subscription")
		}
	}
	r.logger.WithField("channel", e.key).Info("Released channel subscription")
}

func (e *entry) live() []*Handle {
	hs := make([]*Handle, len(e.handles))
	copy(hs, e.handles)
	return hs
}

func (e *entry) connecting() {
	if e.released {
		return
	}
	e.state = Connecting
	e.epochConnected = false
}

func (e *entry) connected() {
	if e.released || e.state == Connected {
		return
	}
	e.state = Connected
	e.epoch++
	e.epochConnected = true
	e.lossReported = false
	e.reg.metrics.SubscriptionEvents.WithLabelValues(e.channel.Name, "connect").Inc()
	e.reg.logger.WithField("channel", e.key).Info("Channel connected")

	for _, h := range e.live() {
		if !h.closed && e.state == Connected && h.handlers.OnConnect != nil {
			h.handlers.OnConnect()
		}
	}
}

func (e *entry) disconnected(err error) {
	if e.released {
		return
	}
	e.state = Disconnected
	if e.lossReported {
		return
	}
	e.lossReported = true
	e.reg.metrics.SubscriptionEvents.WithLabelValues(e.channel.Name, "disconnect").Inc()
	log := e.reg.logger.WithField("channel", e.key)
	if err != nil {
		log = log.WithError(err)
	}
	log.Warn("Channel disconnected")

	for _, h := range e.live() {
		if !h.closed && e.state == Disconnected && h.handlers.OnDisconnect != nil {
			h.handlers.OnDisconnect()
		}
	}
}

func (e *entry) received(ev streaming.Event) {
	if e.released {
		return
	}
	if !e.epochConnected {
		e.reg.logger.WithFields(logging.Fields{
			"channel": e.key,
			"event":   ev.Kind,
		}).Debug("Dropping frame received before connect")
		return
	}
	for _, h := range e.live() {
		if !h.closed && h.handlers.OnReceive != nil {
			h.handlers.OnReceive(ev)
		}
	}
}

// sink adapts transport callbacks, which arrive on transport goroutines, onto
// the loop.
type sink struct {
	entry *entry
}

func (s *sink) Connecting()            { s.entry.reg.rt.Post(s.entry.connecting) }
func (s *sink) Connected()             { s.entry.reg.rt.Post(s.entry.connected) }
func (s *sink) Disconnected(err error) { s.entry.reg.rt.Post(func() { s.entry.disconnected(err) }) }
func (s *sink) Received(ev streaming.Event) {
	s.entry.reg.rt.Post(func() { s.entry.received(ev) })
}

// Info describes one open channel identity.
type Info struct {
	Key     string            `json:"key"`
	Name    string            `json:"name"`
	Params  map[string]string `json:"params,omitempty"`
	State   string            `json:"state"`
	Handles int               `json:"handles"`
}

// Snapshot lists open identities sorted by key.
func (r *Registry) Snapshot() []Info {
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			Key:     e.key,
			Name:    e.channel.Name,
			Params:  streaming.NewChannel(e.channel.Name, e.channel.Params).Params,
			State:   e.state.String(),
			Handles: len(e.handles),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Epoch identifies the current connection of ch. It changes on every
// transition to Connected and is zero for identities that are not open.
func (r *Registry) Epoch(ch streaming.Channel) uint64 {
	if e, ok := r.entries[ch.Key()]; ok {
		return e.epoch
	}
	return 0
}

// Len returns the number of open identities.
func (r *Registry) Len() int { return len(r.entries) }

// AnyConnected reports whether at least one identity is connected.
func (r *Registry) AnyConnected() bool {
	for _, e := range r.entries {
		if e.state == Connected {
			return true
		}
	}
	return false
}
