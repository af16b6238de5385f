package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Wesbrine/hydra-social/internal/handlers"
	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/config"
	"github.com/Wesbrine/hydra-social/pkg/logging"
	"github.com/Wesbrine/hydra-social/pkg/monitoring"
	"github.com/Wesbrine/hydra-social/pkg/redis"
	"github.com/Wesbrine/hydra-social/pkg/server"
	"github.com/Wesbrine/hydra-social/pkg/version"
)

const serviceName = "timelined"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sync feeds and serve them over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithComponent(serviceName)
			config.LoadEnv(logger)

			s := loadSettings()
			if err := s.validate(); err != nil {
				return err
			}
			specs, err := s.specs()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.WithField("version", version.GetInfo().String()).Info("Starting timeline sync engine")

			healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
			metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
			serviceMetrics := metrics.New(metricsCollector)

			st, err := newStack(ctx, s, logger, serviceMetrics)
			if err != nil {
				return err
			}
			defer st.close()
			if err := st.open(ctx, specs); err != nil {
				return err
			}

			healthChecker.AddCheck("streaming", monitoring.ConnectivityHealthCheck("streaming", st.connected))
			healthChecker.AddCheck("api", monitoring.PingHealthCheck("api", st.source))
			if st.redis != nil {
				healthChecker.AddCheck("redis", monitoring.PingHealthCheck("redis", redis.Pinger{Client: st.redis}))
			}
			required := map[string]string{
				"API_URL":   s.APIURL,
				"TRANSPORT": s.Transport,
			}
			if s.Transport == transportRedis {
				required["REDIS_URL"] = s.RedisURL
			}
			healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(required))

			router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
			h := handlers.New(st.engine, logger)
			h.Register(router.Group("/api"), s.APIToken)
			router.NoRoute(h.NotFound)

			return server.Start(ctx, server.DefaultConfig(serviceName, "18090"), router, logger)
		},
	}
}
