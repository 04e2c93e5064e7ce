package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jensneuse/graphql-gateway/pkg/config"
	"github.com/jensneuse/graphql-gateway/pkg/gateway"
	graphqlhttp "github.com/jensneuse/graphql-gateway/pkg/http"
	"github.com/jensneuse/graphql-gateway/pkg/metric"
	"github.com/jensneuse/graphql-gateway/pkg/playground"
	"github.com/jensneuse/graphql-gateway/pkg/pubsub"
	"github.com/jensneuse/graphql-gateway/pkg/subscription"
	"github.com/jensneuse/graphql-gateway/pkg/subscription/upstream"
	"github.com/jensneuse/graphql-gateway/pkg/subscription/websocket"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "serve starts the gateway",
		Example: "gateway serve --config gateway.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, sync, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger abstractlogger.Logger) error {
	metrics := metric.New()

	g, err := gateway.New(cfg.ServiceConfigs(),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithRetry(cfg.Retry.Interval, cfg.Retry.Count),
		gateway.WithDocumentCacheSize(cfg.DocumentCacheSize),
	)
	if err != nil {
		return err
	}
	defer g.Close()

	if err := g.Start(ctx); err != nil {
		return fmt.Errorf("composing schema: %w", err)
	}
	go func() {
		for err := range g.Errors() {
			logger.Error("gateway: service failure", abstractlogger.Error(err))
		}
	}()

	ps, err := newPubSub(cfg.PubSub, logger)
	if err != nil {
		return err
	}
	defer ps.Close()

	pool := upstream.NewPool(upstream.WithLogger(logger))
	defer pool.Close()

	local := make(map[string]subscription.LocalSubscription, len(cfg.LocalSubscriptions))
	for _, l := range cfg.LocalSubscriptions {
		local[l.Field] = subscription.LocalSubscription{Topic: l.Topic}
	}
	hub := subscription.NewHub(g, g.Registry(),
		subscription.WithLogger(logger),
		subscription.WithMetrics(metrics),
		subscription.WithKeepAlive(cfg.KeepAlive),
		subscription.WithPubSub(ps, local),
		subscription.WithUpstream(pool),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, graphqlhttp.NewGraphqlHTTPHandler(g, websocket.NewHandler(logger, hub), logger))

	if cfg.PlaygroundPath != "" {
		handlers, err := playground.New(playground.Config{
			PlaygroundPath:      cfg.PlaygroundPath,
			GraphqlEndpointPath: cfg.Path,
		}).Handlers()
		if err != nil {
			return err
		}
		for _, handler := range handlers {
			mux.Handle(handler.Path, handler.Handler)
		}
	}

	servers := []*http.Server{{Addr: cfg.Listen, Handler: mux}}
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux})
	} else {
		mux.Handle("/metrics", metrics.Handler())
	}

	errs := make(chan error, len(servers))
	for _, server := range servers {
		server := server
		logger.Info("gateway: listening",
			abstractlogger.String("addr", server.Addr),
		)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("gateway: shutting down server",
				abstractlogger.String("addr", server.Addr),
				abstractlogger.Error(shutdownErr),
			)
		}
	}
	return err
}

func newPubSub(cfg config.PubSub, logger abstractlogger.Logger) (*pubsub.PubSub, error) {
	var (
		emitter pubsub.Emitter
		err     error
	)
	switch cfg.Driver {
	case config.PubSubDriverNATS:
		emitter, err = pubsub.NewNATSEmitter(cfg.URL, logger)
	case config.PubSubDriverRedis:
		var options *redis.Options
		options, err = redis.ParseURL(cfg.URL)
		if err == nil {
			emitter = pubsub.NewRedisEmitter(redis.NewClient(options), logger)
		}
	case config.PubSubDriverKafka:
		emitter, err = pubsub.NewKafkaEmitter(cfg.Brokers, pubsub.NewKafkaConfig(cfg.ClientID), logger)
	case config.PubSubDriverMQTT:
		emitter, err = pubsub.NewMQTTEmitter(cfg.URL, cfg.ClientID, logger)
	default:
		emitter = pubsub.NewMemoryEmitter()
	}
	if err != nil {
		return nil, fmt.Errorf("pubsub %s: %w", cfg.Driver, err)
	}
	return pubsub.New(pubsub.WithLogger(logger), pubsub.WithEmitter(emitter)), nil
}
