// Package subscription serves GraphQL subscriptions over the graphql-ws
// protocol. Fields bound to a local topic are fed from PubSub, all other
// fields are proxied to the service owning them.
package subscription

//go:generate mockgen -destination=upstream_mock_test.go -package=subscription . Upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/planner"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
	"github.com/jensneuse/graphql-gateway/pkg/metric"
	"github.com/jensneuse/graphql-gateway/pkg/pubsub"
	"github.com/jensneuse/graphql-gateway/pkg/subscription/upstream"
)

// Executor plans subscriptions and completes their events.
type Executor interface {
	PrepareSubscription(request planner.Request) (*planner.Subscription, graphqlerrors.RequestErrors)
	ResolveEvent(ctx context.Context, subscription *planner.Subscription, event *fetch.Response) *planner.Response
	ResolveLocalEvent(ctx context.Context, subscription *planner.Subscription, payload map[string]interface{}) *planner.Response
}

type ServiceLookup interface {
	Service(name string) (*registry.Service, bool)
}

// Upstream opens subscriptions at the owning services.
type Upstream interface {
	Subscribe(ctx context.Context, target upstream.Target, request fetch.Request) (*upstream.Stream, error)
}

// LocalSubscription binds a root subscription field to a PubSub topic.
type LocalSubscription struct {
	Topic string
	// Filter drops events it returns false for. payload holds the field value
	// keyed by the field name.
	Filter func(payload map[string]interface{}, variables map[string]interface{}) bool
}

// InitFunc is called with the connection_init payload. A returned error
// rejects the connection, the returned context is used for every
// subscription of the connection.
type InitFunc func(ctx context.Context, payload json.RawMessage) (context.Context, error)

type Options struct {
	Logger             abstractlogger.Logger
	Metrics            *metric.Metrics
	Clock              clock.Clock
	KeepAliveInterval  time.Duration
	LocalSubscriptions map[string]LocalSubscription
	PubSub             *pubsub.PubSub
	Upstream           Upstream
	OnConnect          InitFunc
	OnDisconnect       func(ctx context.Context)
	OnConnectionError  func(ctx context.Context, err error)
}

type Option func(options *Options)

func WithLogger(logger abstractlogger.Logger) Option {
	return func(options *Options) {
		options.Logger = logger
	}
}

func WithMetrics(metrics *metric.Metrics) Option {
	return func(options *Options) {
		options.Metrics = metrics
	}
}

func WithClock(clk clock.Clock) Option {
	return func(options *Options) {
		options.Clock = clk
	}
}

// WithKeepAlive sends ka messages on interval once a connection is
// acknowledged. Zero disables keep-alive.
func WithKeepAlive(interval time.Duration) Option {
	return func(options *Options) {
		options.KeepAliveInterval = interval
	}
}

// WithPubSub serves the given fields from topics of pubSub.
func WithPubSub(pubSub *pubsub.PubSub, local map[string]LocalSubscription) Option {
	return func(options *Options) {
		options.PubSub = pubSub
		options.LocalSubscriptions = local
	}
}

func WithUpstream(upstream Upstream) Option {
	return func(options *Options) {
		options.Upstream = upstream
	}
}

func WithOnConnect(onConnect InitFunc) Option {
	return func(options *Options) {
		options.OnConnect = onConnect
	}
}

func WithOnDisconnect(onDisconnect func(ctx context.Context)) Option {
	return func(options *Options) {
		options.OnDisconnect = onDisconnect
	}
}

func WithOnConnectionError(onConnectionError func(ctx context.Context, err error)) Option {
	return func(options *Options) {
		options.OnConnectionError = onConnectionError
	}
}

// Hub runs the subscription protocol for every connection handed to Handle.
type Hub struct {
	executor Executor
	services ServiceLookup
	options  Options
	log      abstractlogger.Logger
}

func NewHub(executor Executor, services ServiceLookup, options ...Option) *Hub {
	opts := Options{
		Logger: abstractlogger.Noop{},
		Clock:  clock.New(),
	}
	for _, option := range options {
		option(&opts)
	}
	return &Hub{
		executor: executor,
		services: services,
		options:  opts,
		log:      opts.Logger,
	}
}

// Handle serves client until it disconnects, terminates the connection or ctx
// is done. Every subscription of the connection is finished when Handle
// returns.
func (h *Hub) Handle(ctx context.Context, client TransportClient) {
	newConnection(ctx, h, client).run()
}
