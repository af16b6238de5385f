package streaming

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/logging"
	"github.com/Wesbrine/hydra-social/pkg/redis"
)

// Subscriber is the transport side the relay reads from.
type Subscriber interface {
	Subscribe(ch streaming.Channel, sink streaming.Sink) (io.Closer, error)
}

// Relay republishes frames from a push transport onto Redis so that many
// readers share one upstream connection.
type Relay struct {
	pub     *redis.TypedPubSub[streaming.Event]
	prefix  string
	timeout time.Duration
	logger  logging.Logger

	mu      sync.Mutex
	closers []io.Closer
}

// NewRelay creates a relay publishing with prefix (DefaultRedisPrefix when
// empty).
func NewRelay(client goredis.UniversalClient, prefix string, logger logging.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	logger = logging.OrDiscard(logger)
	return &Relay{
		pub:     redis.NewTypedPubSub[streaming.Event](client, logger),
		prefix:  prefix,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Forward subscribes to ch on src and republishes its frames.
func (r *Relay) Forward(src Subscriber, ch streaming.Channel) error {
	closer, err := src.Subscribe(ch, &relaySink{relay: r, channel: r.prefix + ch.Key()})
	if err != nil {
		return fmt.Errorf("relay %s: %w", ch.Key(), err)
	}
	r.mu.Lock()
	r.closers = append(r.closers, closer)
	r.mu.Unlock()
	return nil
}

// Close releases every forwarded subscription.
func (r *Relay) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	return nil
}

type relaySink struct {
	relay   *Relay
	channel string
}

func (s *relaySink) Connecting() {}

func (s *relaySink) Connected() {
	s.relay.logger.WithField("channel", s.channel).Info("Relay upstream connected")
}

func (s *relaySink) Disconnected(err error) {
	s.relay.logger.WithError(err).WithField("channel", s.channel).Warn("Relay upstream disconnected")
}

func (s *relaySink) Received(ev streaming.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.relay.timeout)
	defer cancel()
	if err := s.relay.pub.Publish(ctx, s.channel, ev); err != nil {
		s.relay.logger.WithError(err).WithField("channel", s.channel).Warn("Relay publish failed")
	}
}
