package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/planner"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
	"github.com/jensneuse/graphql-gateway/pkg/testing/federationtesting"
)

func execute(t *testing.T, g *Gateway, query string) string {
	t.Helper()
	out, err := json.Marshal(g.Execute(context.Background(), planner.Request{Query: query}))
	require.NoError(t, err)
	return string(out)
}

func TestGateway_Start(t *testing.T) {
	t.Run("should compose all services", func(t *testing.T) {
		fed := federationtesting.NewFederation(t)
		g, err := New(fed.ServiceConfigs())
		require.NoError(t, err)
		defer g.Close()

		require.NoError(t, g.Start(context.Background()))

		select {
		case <-g.Ready():
		default:
			t.Fatal("gateway should be ready")
		}
		assert.Equal(t, uint64(1), g.Schema().Version())
		assert.ElementsMatch(t, []string{"accounts", "products", "reviews", "inventory"}, g.Schema().Services())

		out := execute(t, g, federationtesting.QueryReviewsOfMe)
		assert.Equal(t, "ada", gjson.Get(out, "data.me.username").String())
		assert.True(t, gjson.Get(out, "data.me.reviews.0.product.inStock").Bool())
	})

	t.Run("should answer with an error before start", func(t *testing.T) {
		fed := federationtesting.NewFederation(t)
		g, err := New(fed.ServiceConfigs())
		require.NoError(t, err)

		response := g.Execute(context.Background(), planner.Request{Query: federationtesting.QueryTopProducts})
		assert.Nil(t, response.Data)
		require.Len(t, response.Errors, 1)
		assert.Equal(t, ErrNotReady.Error(), response.Errors[0].Message)
	})

	t.Run("should fail without any reachable service", func(t *testing.T) {
		fed := federationtesting.NewFederation(t)
		for _, server := range fed.Servers() {
			server.FailWith(http.StatusServiceUnavailable)
		}
		g, err := New(fed.ServiceConfigs(), WithClock(clock.NewMock()))
		require.NoError(t, err)
		defer g.Close()

		err = g.Start(context.Background())
		assert.ErrorIs(t, err, graphqlerrors.ErrNoValidServices)
		assert.Nil(t, g.Schema())
	})

	t.Run("should exclude services with an invalid schema", func(t *testing.T) {
		fed := federationtesting.NewFederation(t)
		broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"_service":{"sdl":"extend type Query { broken: Missing }"}}}`))
		}))
		defer broken.Close()
		configs := append(fed.ServiceConfigs(), registry.ServiceConfig{Name: "broken", URLs: []string{broken.URL}})

		g, err := New(configs)
		require.NoError(t, err)
		defer g.Close()
		require.NoError(t, g.Start(context.Background()))

		assert.False(t, g.Schema().HasService("broken"))
		assert.Len(t, g.Schema().Warnings(), 1)

		service, _ := g.Registry().Service("broken")
		assert.Equal(t, registry.HealthExcluded, service.Health())
		assert.Equal(t, "Table", gjson.Get(execute(t, g, `{ topProducts { name } }`), "data.topProducts.0.name").String())
	})
}

func TestGateway_Recovery(t *testing.T) {
	t.Run("should replace the schema once a service recovers", func(t *testing.T) {
		fed := federationtesting.NewFederation(t)
		fed.Inventory.FailWith(http.StatusInternalServerError)

		configs := fed.ServiceConfigs()
		configs[3].Mandatory = true

		mock := clock.NewMock()
		g, err := New(configs, WithClock(mock), WithRetry(time.Second, 5))
		require.NoError(t, err)
		defer g.Close()

		replaced := make(chan *federation.Schema, 4)
		g.OnSchemaReplaced(func(schema *federation.Schema) {
			replaced <- schema
		})

		require.NoError(t, g.Start(context.Background()))
		<-replaced
		assert.False(t, g.Schema().HasService("inventory"))

		out := execute(t, g, `{ topProducts { inStock } }`)
		assert.Equal(t, graphqlerrors.CodeValidation, gjson.Get(out, "errors.0.extensions.code").String())

		mock.Add(time.Second)
		mock.Add(time.Second)
		fed.Inventory.FailWith(0)

		var schema *federation.Schema
		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			select {
			case schema = <-replaced:
				return true
			default:
				return false
			}
		}, time.Second, 10*time.Millisecond)

		assert.Equal(t, uint64(2), schema.Version())
		assert.Same(t, schema, g.Schema())
		assert.True(t, schema.HasService("inventory"))

		out = execute(t, g, `{ topProducts(first: 1) { inStock } }`)
		assert.Equal(t, `{"data":{"topProducts":[{"inStock":true}]}}`, out)

		assert.Eventually(t, func() bool {
			return !g.retry.Retrying("inventory")
		}, time.Second, 10*time.Millisecond)
		mock.Add(time.Second)
		assert.Len(t, replaced, 0)
	})

	t.Run("should surface a mandatory service which never recovers", func(t *testing.T) {
		fed := federationtesting.NewFederation(t)
		fed.Inventory.FailWith(http.StatusInternalServerError)

		configs := fed.ServiceConfigs()
		configs[3].Mandatory = true

		mock := clock.NewMock()
		g, err := New(configs, WithClock(mock), WithRetry(time.Second, 2))
		require.NoError(t, err)
		defer g.Close()
		require.NoError(t, g.Start(context.Background()))

		var fatal error
		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			select {
			case fatal = <-g.Errors():
				return true
			default:
				return false
			}
		}, time.Second, 10*time.Millisecond)

		var exhausted *graphqlerrors.RetryExhaustedError
		require.True(t, errors.As(fatal, &exhausted))
		assert.Equal(t, "inventory", exhausted.ServiceName)
		assert.Equal(t, 2, exhausted.Attempts)

		service, _ := g.Registry().Service("inventory")
		assert.Equal(t, registry.HealthFatal, service.Health())

		out := execute(t, g, `{ topProducts(first: 1) { name } }`)
		assert.Equal(t, `{"data":{"topProducts":[{"name":"Table"}]}}`, out)
	})
}
