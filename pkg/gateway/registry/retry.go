package registry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
	"github.com/jensneuse/graphql-gateway/pkg/metric"
)

const (
	DefaultRetryInterval = 5 * time.Second
	DefaultRetryCount    = 10
)

type RetryOptions struct {
	Interval time.Duration
	Count    int
	Clock    clock.Clock
	Logger   abstractlogger.Logger
	Metrics  *metric.Metrics
	// OnRecovered is called once the SDL of a retried service was fetched.
	OnRecovered func(service *Service)
}

type RetryOption func(options *RetryOptions)

func WithRetryInterval(interval time.Duration) RetryOption {
	return func(options *RetryOptions) {
		options.Interval = interval
	}
}

func WithRetryCount(count int) RetryOption {
	return func(options *RetryOptions) {
		options.Count = count
	}
}

func WithClock(clk clock.Clock) RetryOption {
	return func(options *RetryOptions) {
		options.Clock = clk
	}
}

func WithLogger(logger abstractlogger.Logger) RetryOption {
	return func(options *RetryOptions) {
		options.Logger = logger
	}
}

func WithMetrics(metrics *metric.Metrics) RetryOption {
	return func(options *RetryOptions) {
		options.Metrics = metrics
	}
}

func WithOnRecovered(onRecovered func(service *Service)) RetryOption {
	return func(options *RetryOptions) {
		options.OnRecovered = onRecovered
	}
}

// RetryManager periodically re-fetches the SDL of unreachable services. A
// service is retried every Interval for at most Count attempts. When all
// attempts failed a non-mandatory service is excluded for good while a
// mandatory one turns fatal and a RetryExhaustedError is sent on Errors.
type RetryManager struct {
	options RetryOptions
	fetcher SDLFetcher
	errors  chan error

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRetryManager(fetcher SDLFetcher, options ...RetryOption) *RetryManager {
	opts := RetryOptions{
		Interval: DefaultRetryInterval,
		Count:    DefaultRetryCount,
		Clock:    clock.New(),
		Logger:   abstractlogger.Noop{},
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Count < 1 {
		opts.Count = 1
	}
	return &RetryManager{
		options: opts,
		fetcher: fetcher,
		errors:  make(chan error, 16),
		running: map[string]context.CancelFunc{},
	}
}

// Errors delivers a RetryExhaustedError for every mandatory service that did
// not recover.
func (r *RetryManager) Errors() <-chan error {
	return r.errors
}

// Retry schedules retries for service unless they are already running. It
// returns false if the service is not retried.
func (r *RetryManager) Retry(ctx context.Context, service *Service) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[service.Name()]; ok {
		return false
	}
	if service.Health().Terminal() {
		return false
	}
	service.Transition(HealthDegraded)
	service.Transition(HealthRetrying)
	r.options.Metrics.RecordServiceHealth(service.Name(), int32(service.Health()))

	ctx, cancel := context.WithCancel(ctx)
	r.running[service.Name()] = cancel

	// the ticker is created before returning so a mocked clock can be advanced right away
	ticker := r.options.Clock.Ticker(r.options.Interval)

	r.wg.Add(1)
	go r.run(ctx, service, ticker)
	return true
}

// Retrying reports whether retries for the named service are scheduled.
func (r *RetryManager) Retrying(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[name]
	return ok
}

// Stop cancels all scheduled retries and waits for them to return.
func (r *RetryManager) Stop() {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *RetryManager) run(ctx context.Context, service *Service, ticker *clock.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()
	defer r.done(service)

	log := r.options.Logger
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		attempts++
		r.options.Metrics.RecordRetryAttempt(service.Name())

		sdl, err := r.fetcher.FetchSDL(ctx, service)
		r.options.Metrics.RecordSDLFetch(service.Name(), err)
		if err == nil {
			service.SetSDL(sdl)
			service.MarkHealthy()
			r.options.Metrics.RecordServiceHealth(service.Name(), int32(HealthHealthy))
			log.Info("RetryManager.run: service recovered",
				abstractlogger.String("service", service.Name()),
				abstractlogger.Int("attempts", attempts),
			)
			if r.options.OnRecovered != nil {
				r.options.OnRecovered(service)
			}
			return
		}

		if ctx.Err() != nil {
			return
		}

		if attempts < r.options.Count {
			log.Debug("RetryManager.run: retry failed",
				abstractlogger.String("service", service.Name()),
				abstractlogger.Int("attempt", attempts),
				abstractlogger.Error(err),
			)
			continue
		}

		r.exhausted(service, attempts, err)
		return
	}
}

func (r *RetryManager) exhausted(service *Service, attempts int, err error) {
	if !service.Mandatory() {
		service.Transition(HealthExcluded)
		r.options.Metrics.RecordServiceHealth(service.Name(), int32(HealthExcluded))
		r.options.Logger.Error("RetryManager.exhausted: excluding service",
			abstractlogger.String("service", service.Name()),
			abstractlogger.Int("attempts", attempts),
			abstractlogger.Error(err),
		)
		return
	}

	service.Transition(HealthFatal)
	r.options.Metrics.RecordServiceHealth(service.Name(), int32(HealthFatal))
	exhaustedErr := &graphqlerrors.RetryExhaustedError{
		ServiceName: service.Name(),
		Attempts:    attempts,
		Err:         err,
	}
	r.options.Logger.Error("RetryManager.exhausted: mandatory service did not recover",
		abstractlogger.String("service", service.Name()),
		abstractlogger.Error(exhaustedErr),
	)
	select {
	case r.errors <- exhaustedErr:
	default:
	}
}

func (r *RetryManager) done(service *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.running[service.Name()]; ok {
		cancel()
		delete(r.running, service.Name())
	}
}
