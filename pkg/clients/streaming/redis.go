package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/clients"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// DefaultRedisPrefix namespaces relay channels.
const DefaultRedisPrefix = "timeline:"

// RedisConfig configures the Redis relay transport.
type RedisConfig struct {
	Client    goredis.UniversalClient
	Prefix    string
	Logger    logging.Logger
	Metrics   *metrics.Metrics
	Reconnect clients.ReconnectConfig
	// ReceiveTimeout bounds one Receive so that a silent relay is probed
	// with a ping. Default 30s.
	ReceiveTimeout time.Duration
}

// Redis reads frames a relay republished onto pub/sub channels named
// Prefix + channel key. Each subscription owns its own pub/sub connection.
type Redis struct {
	cfg     RedisConfig
	logger  logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	subs   map[*redisSub]struct{}
	wg     sync.WaitGroup
}

type redisSub struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *redisSub) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// NewRedis creates the relay transport.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = 30 * time.Second
	}
	if cfg.Reconnect.BaseDelay == 0 && cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect = clients.DefaultReconnectConfig()
	}
	return &Redis{
		cfg:     cfg,
		logger:  logging.OrDiscard(cfg.Logger),
		metrics: metrics.OrDetached(cfg.Metrics),
		subs:    make(map[*redisSub]struct{}),
	}
}

// ChannelName returns the pub/sub channel carrying ch.
func (r *Redis) ChannelName(ch streaming.Channel) string {
	return r.cfg.Prefix + ch.Key()
}

// Subscribe implements subscription.Transport.
func (r *Redis) Subscribe(ch streaming.Channel, sink streaming.Sink) (io.Closer, error) {
	if r.cfg.Client == nil {
		return nil, fmt.Errorf("streaming: redis transport has no client")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrTransportClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{cancel: cancel, done: make(chan struct{})}
	r.subs[sub] = struct{}{}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(sub.done)
		defer func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
		}()
		r.run(ctx, ch, sink)
	}()
	return sub, nil
}

// Close stops every subscription.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.once.Do(s.cancel)
	}
	r.wg.Wait()
	return nil
}

func (r *Redis) run(ctx context.Context, ch streaming.Channel, sink streaming.Sink) {
	name := r.ChannelName(ch)
	log := r.logger.WithField("channel", name)
	policy := clients.NewReconnectPolicy(clients.ReconnectConfig{
		BaseDelay: r.cfg.Reconnect.BaseDelay,
		MaxDelay:  r.cfg.Reconnect.MaxDelay,
		OnRetry: func(attempt int, err error) {
			r.metrics.TransportRetries.WithLabelValues("redis").Inc()
			log.WithError(err).WithField("attempt", attempt).Debug("Retrying relay subscription")
			if r.cfg.Reconnect.OnRetry != nil {
				r.cfg.Reconnect.OnRetry(attempt, err)
			}
		},
	})

	for ctx.Err() == nil {
		var ps *goredis.PubSub
		err := clients.Reconnect(ctx, policy, func() error {
			sink.Connecting()
			p := r.cfg.Client.Subscribe(ctx, name)
			if _, err := p.Receive(ctx); err != nil {
				_ = p.Close()
				sink.Disconnected(err)
				return fmt.Errorf("subscribe %s: %w", name, err)
			}
			ps = p
			return nil
		})
		if err != nil || ps == nil {
			return
		}

		sink.Connected()
		log.Info("Relay subscription established")
		err = r.receive(ctx, ps, sink)
		_ = ps.Close()
		if ctx.Err() != nil {
			return
		}
		sink.Disconnected(err)
		log.WithError(err).Warn("Relay subscription lost")
	}
}

// receive pumps messages until the connection fails or ctx ends. Receive
// timeouts are answered with a ping to tell an idle relay from a dead one.
func (r *Redis) receive(ctx context.Context, ps *goredis.PubSub, sink streaming.Sink) error {
	for {
		msg, err := ps.ReceiveTimeout(ctx, r.cfg.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				if err := ps.Ping(ctx); err != nil {
					return fmt.Errorf("relay ping: %w", err)
				}
				continue
			}
			return err
		}

		switch m := msg.(type) {
		case *goredis.Message:
			var ev streaming.Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				r.logger.WithError(err).WithField("channel", m.Channel).Debug("Dropping undecodable relay frame")
				continue
			}
			sink.Received(ev)
		case *goredis.Subscription, *goredis.Pong:
		}
	}
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}
