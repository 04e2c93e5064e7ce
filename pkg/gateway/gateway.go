// Package gateway owns the live federated schema. It loads the SDL of every
// configured service, composes them, keeps retrying unreachable services and
// swaps in a recomposed schema once one of them recovers.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/jensneuse/abstractlogger"
	"go.uber.org/atomic"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/planner"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
	"github.com/jensneuse/graphql-gateway/pkg/metric"
)

var ErrNotReady = errors.New("gateway has no schema yet")

// SchemaListener is notified with every schema that becomes live.
type SchemaListener func(schema *federation.Schema)

type Options struct {
	Logger            log.Logger
	Metrics           *metric.Metrics
	HTTPClient        *http.Client
	Clock             clock.Clock
	RetryInterval     time.Duration
	RetryCount        int
	DocumentCacheSize int
}

type Option func(options *Options)

func WithLogger(logger log.Logger) Option {
	return func(options *Options) {
		options.Logger = logger
	}
}

func WithMetrics(metrics *metric.Metrics) Option {
	return func(options *Options) {
		options.Metrics = metrics
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(options *Options) {
		options.HTTPClient = client
	}
}

func WithClock(clk clock.Clock) Option {
	return func(options *Options) {
		options.Clock = clk
	}
}

func WithRetry(interval time.Duration, count int) Option {
	return func(options *Options) {
		options.RetryInterval = interval
		options.RetryCount = count
	}
}

func WithDocumentCacheSize(size int) Option {
	return func(options *Options) {
		options.DocumentCacheSize = size
	}
}

type Gateway struct {
	options  Options
	logger   log.Logger
	registry *registry.Registry
	client   *fetch.Client
	planner  *planner.Planner
	retry    *registry.RetryManager

	schema  atomic.Pointer[federation.Schema]
	version atomic.Uint64

	composeMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []SchemaListener

	readyCh   chan struct{}
	readyOnce sync.Once
}

func New(configs []registry.ServiceConfig, options ...Option) (*Gateway, error) {
	opts := Options{
		Logger:            log.Noop{},
		HTTPClient:        fetch.DefaultHTTPClient,
		Clock:             clock.New(),
		RetryInterval:     registry.DefaultRetryInterval,
		RetryCount:        registry.DefaultRetryCount,
		DocumentCacheSize: planner.DefaultDocumentCacheSize,
	}
	for _, option := range options {
		option(&opts)
	}

	services, err := registry.NewRegistry(configs)
	if err != nil {
		return nil, err
	}

	client := fetch.NewClient(
		fetch.WithHTTPClient(opts.HTTPClient),
		fetch.WithLogger(opts.Logger),
		fetch.WithMetrics(opts.Metrics),
	)

	p, err := planner.New(services, client,
		planner.WithLogger(opts.Logger),
		planner.WithDocumentCacheSize(opts.DocumentCacheSize),
	)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		options:  opts,
		logger:   opts.Logger,
		registry: services,
		client:   client,
		planner:  p,
		readyCh:  make(chan struct{}),
	}
	g.retry = registry.NewRetryManager(client,
		registry.WithRetryInterval(opts.RetryInterval),
		registry.WithRetryCount(opts.RetryCount),
		registry.WithClock(opts.Clock),
		registry.WithLogger(opts.Logger),
		registry.WithMetrics(opts.Metrics),
		registry.WithOnRecovered(g.onRecovered),
	)
	return g, nil
}

// Start loads the SDL of every service and makes the first composed schema
// live. Unreachable services are retried in the background, so Start only
// fails if no schema could be composed at all.
func (g *Gateway) Start(ctx context.Context) error {
	failures := g.registry.FetchAll(ctx, g.client, g.logger)
	for _, service := range g.registry.Services() {
		g.options.Metrics.RecordSDLFetch(service.Name(), failures[service.Name()])
		if _, failed := failures[service.Name()]; failed {
			// retries outlive the start request
			g.retry.Retry(context.Background(), service)
		}
	}

	if err := g.compose(); err != nil {
		g.retry.Stop()
		return err
	}
	return nil
}

// Close stops all scheduled retries.
func (g *Gateway) Close() {
	g.retry.Stop()
}

// Ready is closed once the first schema is live.
func (g *Gateway) Ready() <-chan struct{} {
	return g.readyCh
}

// Errors delivers fatal errors, a mandatory service which did not recover.
func (g *Gateway) Errors() <-chan error {
	return g.retry.Errors()
}

// Schema returns the live schema, nil before Start succeeded.
func (g *Gateway) Schema() *federation.Schema {
	return g.schema.Load()
}

func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// OnSchemaReplaced registers listener for every schema made live after the call.
func (g *Gateway) OnSchemaReplaced(listener SchemaListener) {
	g.listenersMu.Lock()
	defer g.listenersMu.Unlock()
	g.listeners = append(g.listeners, listener)
}

// Execute runs a query or mutation against one snapshot of the live schema.
func (g *Gateway) Execute(ctx context.Context, request planner.Request) *planner.Response {
	schema := g.Schema()
	if schema == nil {
		return &planner.Response{
			Errors: graphqlerrors.RequestErrors{graphqlerrors.ToRequestError(ErrNotReady, nil)},
			Header: http.Header{},
		}
	}
	return g.planner.Execute(ctx, schema, request)
}

// PrepareSubscription plans a subscription against the live schema.
func (g *Gateway) PrepareSubscription(request planner.Request) (*planner.Subscription, graphqlerrors.RequestErrors) {
	schema := g.Schema()
	if schema == nil {
		return nil, graphqlerrors.RequestErrors{graphqlerrors.ToRequestError(ErrNotReady, nil)}
	}
	return g.planner.PrepareSubscription(schema, request)
}

func (g *Gateway) ResolveEvent(ctx context.Context, subscription *planner.Subscription, event *fetch.Response) *planner.Response {
	return g.planner.ResolveEvent(ctx, subscription, event)
}

func (g *Gateway) ResolveLocalEvent(ctx context.Context, subscription *planner.Subscription, payload map[string]interface{}) *planner.Response {
	return g.planner.ResolveLocalEvent(ctx, subscription, payload)
}

func (g *Gateway) onRecovered(service *registry.Service) {
	g.logger.Info("Gateway.onRecovered: recomposing schema",
		log.String("service", service.Name()),
	)
	if err := g.compose(); err != nil {
		g.logger.Error("Gateway.onRecovered: keeping the current schema",
			log.String("service", service.Name()),
			log.Error(err),
		)
	}
}

// compose builds a schema from the healthy services and swaps it in.
func (g *Gateway) compose() error {
	g.composeMu.Lock()
	defer g.composeMu.Unlock()

	version := g.version.Load() + 1
	schema, err := federation.Compose(g.registry.Definitions(),
		federation.WithLogger(g.logger),
		federation.WithVersion(version),
	)
	if err != nil {
		g.logger.Error("Gateway.compose: composition failed", log.Error(err))
		return err
	}
	for _, warning := range schema.Warnings() {
		var compositionErr *graphqlerrors.SchemaCompositionError
		if errors.As(warning, &compositionErr) {
			if service, ok := g.registry.Service(compositionErr.ServiceName); ok {
				service.Transition(registry.HealthExcluded)
				g.options.Metrics.RecordServiceHealth(service.Name(), int32(service.Health()))
			}
		}
	}

	g.version.Store(version)
	g.schema.Store(schema)
	g.options.Metrics.RecordSchemaReplaced(version)
	g.logger.Info("Gateway.compose: schema replaced",
		log.Any("version", version),
		log.Any("services", schema.Services()),
	)

	g.readyOnce.Do(func() { close(g.readyCh) })

	g.listenersMu.Lock()
	listeners := append([]SchemaListener(nil), g.listeners...)
	g.listenersMu.Unlock()
	for _, listener := range listeners {
		listener(schema)
	}
	return nil
}
