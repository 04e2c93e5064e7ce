// Package registry tracks the federated services, their endpoint pools and
// their health, and retries services which could not be reached.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/atomic"
)

// RewriteHeadersFunc shapes the headers of an outbound request to the service
// from the context of the client request.
type RewriteHeadersFunc func(ctx context.Context, outbound http.Header)

// SetResponseHeadersFunc may copy headers of a service response onto the
// response the gateway sends to its client.
type SetResponseHeadersFunc func(ctx context.Context, upstream http.Header, outward http.Header)

type ServiceConfig struct {
	Name                string
	URLs                []string
	WSURL               string
	Mandatory           bool
	AllowBatchedQueries bool
	KeepAlive           time.Duration
	WSConnectionParams  map[string]interface{}
	RewriteHeaders      RewriteHeadersFunc
	SetResponseHeaders  SetResponseHeadersFunc
}

type Health int32

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthRetrying
	HealthExcluded
	HealthFatal
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthRetrying:
		return "retrying"
	case HealthExcluded:
		return "excluded"
	case HealthFatal:
		return "fatal"
	}
	return fmt.Sprintf("Health(%d)", int32(h))
}

// Terminal reports whether the service will not be retried anymore.
func (h Health) Terminal() bool {
	return h == HealthExcluded || h == HealthFatal
}

var (
	errNoName = errors.New("service name must not be empty")
	errNoURL  = errors.New("service needs at least one url")
)

type Service struct {
	config ServiceConfig
	cursor *atomic.Uint64
	health *atomic.Int32
	sdl    *atomic.String
}

func newService(config ServiceConfig) (*Service, error) {
	if config.Name == "" {
		return nil, errNoName
	}
	if len(config.URLs) == 0 {
		return nil, fmt.Errorf("service '%s': %w", config.Name, errNoURL)
	}
	return &Service{
		config: config,
		cursor: atomic.NewUint64(0),
		health: atomic.NewInt32(int32(HealthHealthy)),
		sdl:    atomic.NewString(""),
	}, nil
}

func (s *Service) Name() string {
	return s.config.Name
}

func (s *Service) Config() ServiceConfig {
	return s.config
}

func (s *Service) Mandatory() bool {
	return s.config.Mandatory
}

// NextURL returns the endpoint for the next dispatch and advances the
// round-robin cursor.
func (s *Service) NextURL() string {
	next := s.cursor.Inc() - 1
	return s.config.URLs[next%uint64(len(s.config.URLs))]
}

func (s *Service) Health() Health {
	return Health(s.health.Load())
}

// Transition moves the health state forward. Moving backwards or staying is
// rejected, only MarkHealthy resets the state. Terminal states are final and
// only a retrying service can become fatal.
func (s *Service) Transition(to Health) bool {
	for {
		current := s.health.Load()
		if int32(to) <= current || Health(current).Terminal() {
			return false
		}
		if to == HealthFatal && Health(current) != HealthRetrying {
			return false
		}
		if s.health.CompareAndSwap(current, int32(to)) {
			return true
		}
	}
}

func (s *Service) MarkHealthy() {
	s.health.Store(int32(HealthHealthy))
}

// SDL returns the last successfully fetched SDL, empty if there is none yet.
func (s *Service) SDL() string {
	return s.sdl.Load()
}

func (s *Service) SetSDL(sdl string) {
	s.sdl.Store(sdl)
}
