package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

const retryInterval = 5 * time.Second

func newRetryFixture(t *testing.T, mandatory bool, count int) (*RetryManager, *MockSDLFetcher, *Service, *clock.Mock, *observer.ObservedLogs, *atomic.Int32) {
	t.Helper()

	ctrl := gomock.NewController(t)
	fetcher := NewMockSDLFetcher(ctrl)
	service, err := newService(ServiceConfig{Name: "inventory", URLs: []string{"http://inventory"}, Mandatory: mandatory})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.ErrorLevel)
	clk := clock.NewMock()
	recovered := atomic.NewInt32(0)

	manager := NewRetryManager(fetcher,
		WithClock(clk),
		WithRetryInterval(retryInterval),
		WithRetryCount(count),
		WithLogger(abstractlogger.NewZapLogger(zap.New(core), abstractlogger.DebugLevel)),
		WithOnRecovered(func(service *Service) {
			recovered.Inc()
		}),
	)
	t.Cleanup(manager.Stop)

	return manager, fetcher, service, clk, logs, recovered
}

func tick(t *testing.T, clk *clock.Mock, attempts *atomic.Int32, expected int32) {
	t.Helper()
	clk.Add(retryInterval)
	require.Eventually(t, func() bool {
		return attempts.Load() == expected
	}, time.Second, time.Millisecond)
}

func TestRetryManager(t *testing.T) {
	t.Run("should recover before retries are exhausted", func(t *testing.T) {
		manager, fetcher, service, clk, logs, recovered := newRetryFixture(t, true, 5)
		attempts := atomic.NewInt32(0)

		fetcher.EXPECT().FetchSDL(gomock.Any(), service).
			DoAndReturn(func(ctx context.Context, service *Service) (string, error) {
				attempts.Inc()
				return "", errors.New("connection refused")
			}).Times(2)
		fetcher.EXPECT().FetchSDL(gomock.Any(), service).
			DoAndReturn(func(ctx context.Context, service *Service) (string, error) {
				attempts.Inc()
				return "type Query { inStock: Boolean }", nil
			}).Times(1)

		require.True(t, manager.Retry(context.Background(), service))
		assert.Equal(t, HealthRetrying, service.Health())
		assert.False(t, manager.Retry(context.Background(), service))

		tick(t, clk, attempts, 1)
		tick(t, clk, attempts, 2)
		tick(t, clk, attempts, 3)

		require.Eventually(t, func() bool {
			return recovered.Load() == 1 && !manager.Retrying("inventory")
		}, time.Second, time.Millisecond)
		assert.Equal(t, HealthHealthy, service.Health())
		assert.Equal(t, "type Query { inStock: Boolean }", service.SDL())

		clk.Add(retryInterval)
		clk.Add(retryInterval)
		assert.Equal(t, int32(1), recovered.Load())
		assert.Equal(t, int32(3), attempts.Load())
		assert.Equal(t, 0, logs.Len())
	})

	t.Run("should exclude a non-mandatory service", func(t *testing.T) {
		manager, fetcher, service, clk, logs, recovered := newRetryFixture(t, false, 3)
		attempts := atomic.NewInt32(0)

		fetcher.EXPECT().FetchSDL(gomock.Any(), service).
			DoAndReturn(func(ctx context.Context, service *Service) (string, error) {
				attempts.Inc()
				return "", errors.New("connection refused")
			}).Times(3)

		require.True(t, manager.Retry(context.Background(), service))
		tick(t, clk, attempts, 1)
		tick(t, clk, attempts, 2)
		tick(t, clk, attempts, 3)

		require.Eventually(t, func() bool {
			return service.Health() == HealthExcluded && !manager.Retrying("inventory")
		}, time.Second, time.Millisecond)
		assert.Equal(t, int32(0), recovered.Load())
		assert.Equal(t, 1, logs.Len())
		assert.Len(t, manager.Errors(), 0)

		assert.False(t, manager.Retry(context.Background(), service))
	})

	t.Run("should report a mandatory service as fatal", func(t *testing.T) {
		manager, fetcher, service, clk, logs, _ := newRetryFixture(t, true, 2)
		attempts := atomic.NewInt32(0)

		fetcher.EXPECT().FetchSDL(gomock.Any(), service).
			DoAndReturn(func(ctx context.Context, service *Service) (string, error) {
				attempts.Inc()
				return "", errors.New("connection refused")
			}).Times(2)

		require.True(t, manager.Retry(context.Background(), service))
		tick(t, clk, attempts, 1)
		tick(t, clk, attempts, 2)

		select {
		case err := <-manager.Errors():
			var exhaustedErr *graphqlerrors.RetryExhaustedError
			require.True(t, errors.As(err, &exhaustedErr))
			assert.Equal(t, "inventory", exhaustedErr.ServiceName)
			assert.Equal(t, 2, exhaustedErr.Attempts)
		case <-time.After(time.Second):
			t.Fatal("expected a retry exhausted error")
		}

		assert.Equal(t, HealthFatal, service.Health())
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("should stop retrying on Stop", func(t *testing.T) {
		manager, _, service, clk, _, recovered := newRetryFixture(t, false, 3)

		require.True(t, manager.Retry(context.Background(), service))
		manager.Stop()
		clk.Add(retryInterval)

		assert.False(t, manager.Retrying("inventory"))
		assert.Equal(t, int32(0), recovered.Load())
	})
}
