package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Wesbrine/hydra-social/internal/factory"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	streamclient "github.com/Wesbrine/hydra-social/pkg/clients/streaming"
	"github.com/Wesbrine/hydra-social/pkg/config"
	"github.com/Wesbrine/hydra-social/pkg/logging"
	"github.com/Wesbrine/hydra-social/pkg/redis"
)

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Republish streaming channels onto Redis for redis-transport readers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithComponent(serviceName + "-relay")
			config.LoadEnv(logger)

			s := loadSettings()
			if s.StreamingURL == "" {
				return fmt.Errorf("STREAMING_URL or API_URL is required")
			}
			if s.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required")
			}
			channels, err := relayChannels(s)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := redis.NewClientFromURL(ctx, s.RedisURL)
			if err != nil {
				return fmt.Errorf("connect relay redis: %w", err)
			}
			defer client.Close()

			ws := streamclient.NewWebSocket(streamclient.WebSocketConfig{
				BaseURL:     s.StreamingURL,
				AccessToken: s.AccessToken,
				Logger:      logger,
				Reconnect:   s.reconnect(),
			})
			defer ws.Close()

			relay := streamclient.NewRelay(client, s.RedisPrefix, logger)
			defer relay.Close()

			for _, ch := range channels {
				if err := relay.Forward(ws, ch); err != nil {
					return err
				}
				logger.WithField("channel", ch.Key()).Info("Relaying channel")
			}

			<-ctx.Done()
			return nil
		},
	}
}

// relayChannels maps the configured feeds onto distinct channels.
func relayChannels(s settings) ([]streaming.Channel, error) {
	specs, err := s.specs()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(specs))
	var out []streaming.Channel
	for _, spec := range specs {
		cfg, err := factory.Build(spec)
		if err != nil {
			return nil, err
		}
		ch := streaming.NewChannel(cfg.ChannelName, cfg.Params)
		if seen[ch.Key()] {
			continue
		}
		seen[ch.Key()] = true
		out = append(out, ch)
	}
	return out, nil
}
