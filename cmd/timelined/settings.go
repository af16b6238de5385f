package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Wesbrine/hydra-social/internal/eventloop"
	"github.com/Wesbrine/hydra-social/internal/factory"
	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/internal/subscription"
	"github.com/Wesbrine/hydra-social/internal/timeline"
	"github.com/Wesbrine/hydra-social/pkg/clients"
	"github.com/Wesbrine/hydra-social/pkg/clients/rest"
	streamclient "github.com/Wesbrine/hydra-social/pkg/clients/streaming"
	"github.com/Wesbrine/hydra-social/pkg/config"
	"github.com/Wesbrine/hydra-social/pkg/logging"
	"github.com/Wesbrine/hydra-social/pkg/redis"
)

const (
	transportWebSocket = "websocket"
	transportRedis     = "redis"
)

// settings is the process configuration, read from the environment with
// flag overrides.
type settings struct {
	APIURL         string
	StreamingURL   string
	AccessToken    string
	Transport      string
	RedisURL       string
	RedisPrefix    string
	APIToken       string
	FeedsFile      string
	Feeds          []string
	LegacyCapacity int
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
}

func loadSettings() settings {
	s := settings{
		APIURL:         config.GetEnv("API_URL", ""),
		StreamingURL:   config.GetEnv("STREAMING_URL", ""),
		AccessToken:    config.GetEnv("ACCESS_TOKEN", ""),
		Transport:      strings.ToLower(config.GetEnv("TRANSPORT", transportWebSocket)),
		RedisURL:       config.GetEnv("REDIS_URL", ""),
		RedisPrefix:    config.GetEnv("REDIS_PREFIX", streamclient.DefaultRedisPrefix),
		APIToken:       config.GetEnv("API_TOKEN", ""),
		FeedsFile:      config.GetEnv("FEEDS_FILE", ""),
		LegacyCapacity: config.GetEnvInt("NOTIFICATIONS_CAPACITY", 0),
		ReconnectBase:  config.GetEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMax:   config.GetEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
	}
	if s.StreamingURL == "" {
		s.StreamingURL = s.APIURL
	}
	if raw := config.GetEnv("FEEDS", ""); raw != "" {
		s.Feeds = splitList(raw)
	}
	if feedsFile != "" {
		s.FeedsFile = feedsFile
	}
	if len(feedIDs) > 0 {
		s.Feeds = feedIDs
	}
	return s
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s settings) validate() error {
	if s.APIURL == "" {
		return fmt.Errorf("API_URL is required")
	}
	switch s.Transport {
	case transportWebSocket:
		if s.StreamingURL == "" {
			return fmt.Errorf("STREAMING_URL is required")
		}
	case transportRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis transport")
		}
	default:
		return fmt.Errorf("unknown TRANSPORT %q (want %s or %s)", s.Transport, transportWebSocket, transportRedis)
	}
	return nil
}

// specs merges the feeds file with the feed id list. With neither set the
// home feed is opened.
func (s settings) specs() ([]factory.FeedSpec, error) {
	var specs []factory.FeedSpec
	if s.FeedsFile != "" {
		fromFile, err := factory.LoadFile(s.FeedsFile)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fromFile...)
	}
	for _, id := range s.Feeds {
		spec, err := factory.ParseFeedID(id)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return []factory.FeedSpec{{Kind: factory.KindHome}}, nil
	}

	seen := make(map[string]bool, len(specs))
	out := specs[:0]
	for _, spec := range specs {
		id := spec.FeedID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, spec)
	}
	return out, nil
}

func (s settings) reconnect() clients.ReconnectConfig {
	return clients.ReconnectConfig{BaseDelay: s.ReconnectBase, MaxDelay: s.ReconnectMax}
}

type transport interface {
	subscription.Transport
	Close() error
}

// stack is a running engine with its loop, source and transport.
type stack struct {
	logger    logging.Logger
	loop      *eventloop.Loop
	source    *rest.Client
	transport transport
	redis     goredis.UniversalClient
	engine    *timeline.Engine
}

func newStack(ctx context.Context, s settings, logger logging.Logger, m *metrics.Metrics) (*stack, error) {
	st := &stack{logger: logger}
	st.source = rest.NewClient(s.APIURL, s.AccessToken, rest.WithLogger(logger), rest.WithMetrics(m))

	switch s.Transport {
	case transportRedis:
		client, err := redis.NewClientFromURL(ctx, s.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect relay redis: %w", err)
		}
		st.redis = client
		st.transport = streamclient.NewRedis(streamclient.RedisConfig{
			Client:    client,
			Prefix:    s.RedisPrefix,
			Logger:    logger,
			Metrics:   m,
			Reconnect: s.reconnect(),
		})
	default:
		st.transport = streamclient.NewWebSocket(streamclient.WebSocketConfig{
			BaseURL:     s.StreamingURL,
			AccessToken: s.AccessToken,
			Logger:      logger,
			Metrics:     m,
			Reconnect:   s.reconnect(),
		})
	}

	// the loop outlives ctx so that close can still shut the engine down
	st.loop = eventloop.New(logger)
	go st.loop.Run(context.Background())

	st.engine = timeline.New(timeline.Options{
		Runtime:        st.loop,
		Transport:      st.transport,
		Source:         st.source,
		Logger:         logger,
		Metrics:        m,
		LegacyCapacity: s.LegacyCapacity,
	})
	return st, nil
}

func (st *stack) open(ctx context.Context, specs []factory.FeedSpec) error {
	for _, spec := range specs {
		if _, err := st.engine.OpenColumn(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func (st *stack) connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return st.engine.Connected(ctx)
}

func (st *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.engine.Shutdown(ctx); err != nil {
		st.logger.WithError(err).Warn("Engine shutdown incomplete")
	}
	if err := st.transport.Close(); err != nil {
		st.logger.WithError(err).Warn("Failed to close transport")
	}
	st.loop.Close()
	if st.redis != nil {
		_ = st.redis.Close()
	}
}
