package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/jensneuse/abstractlogger"
	"golang.org/x/sync/errgroup"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
)

//go:generate mockgen -destination=sdl_fetcher_mock_test.go -package=registry . SDLFetcher

// SDLFetcher loads the raw SDL of a service through its _service field.
type SDLFetcher interface {
	FetchSDL(ctx context.Context, service *Service) (string, error)
}

type Registry struct {
	services []*Service
	byName   map[string]*Service
}

func NewRegistry(configs []ServiceConfig) (*Registry, error) {
	registry := &Registry{
		services: make([]*Service, 0, len(configs)),
		byName:   make(map[string]*Service, len(configs)),
	}
	for _, config := range configs {
		service, err := newService(config)
		if err != nil {
			return nil, err
		}
		if _, exists := registry.byName[config.Name]; exists {
			return nil, fmt.Errorf("service '%s' is configured twice", config.Name)
		}
		if config.Name == federation.LocalServiceName {
			return nil, fmt.Errorf("service name '%s' is reserved", config.Name)
		}
		registry.services = append(registry.services, service)
		registry.byName[config.Name] = service
	}
	return registry, nil
}

func (r *Registry) Services() []*Service {
	return r.services
}

func (r *Registry) Service(name string) (*Service, bool) {
	service, ok := r.byName[name]
	return service, ok
}

// Definitions returns the composition input: every healthy service with an SDL.
func (r *Registry) Definitions() []federation.ServiceDefinition {
	definitions := make([]federation.ServiceDefinition, 0, len(r.services))
	for _, service := range r.services {
		if service.Health() != HealthHealthy || service.SDL() == "" {
			continue
		}
		definitions = append(definitions, federation.ServiceDefinition{
			Name:      service.Name(),
			SDL:       service.SDL(),
			Mandatory: service.Mandatory(),
		})
	}
	return definitions
}

// FetchAll loads the SDL of every service concurrently. Services which could
// not be reached are degraded and returned with their error.
func (r *Registry) FetchAll(ctx context.Context, fetcher SDLFetcher, logger abstractlogger.Logger) map[string]error {
	var (
		mu       sync.Mutex
		failures = map[string]error{}
		group    errgroup.Group
	)

	for _, service := range r.services {
		service := service
		group.Go(func() error {
			sdl, err := fetcher.FetchSDL(ctx, service)
			if err != nil {
				service.Transition(HealthDegraded)
				logger.Warn("Registry.FetchAll: fetching sdl failed",
					abstractlogger.String("service", service.Name()),
					abstractlogger.Error(err),
				)
				mu.Lock()
				failures[service.Name()] = err
				mu.Unlock()
				return nil
			}
			service.SetSDL(sdl)
			service.MarkHealthy()
			return nil
		})
	}
	_ = group.Wait()

	return failures
}
