package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
)

func TestNewRegistry(t *testing.T) {
	t.Run("should reject invalid configs", func(t *testing.T) {
		_, err := NewRegistry([]ServiceConfig{{Name: "", URLs: []string{"http://accounts"}}})
		assert.ErrorIs(t, err, errNoName)

		_, err = NewRegistry([]ServiceConfig{{Name: "accounts"}})
		assert.ErrorIs(t, err, errNoURL)

		_, err = NewRegistry([]ServiceConfig{
			{Name: "accounts", URLs: []string{"http://accounts"}},
			{Name: "accounts", URLs: []string{"http://accounts-2"}},
		})
		assert.Error(t, err)

		_, err = NewRegistry([]ServiceConfig{{Name: federation.LocalServiceName, URLs: []string{"http://gateway"}}})
		assert.Error(t, err)
	})

	t.Run("should look up services", func(t *testing.T) {
		registry, err := NewRegistry([]ServiceConfig{
			{Name: "accounts", URLs: []string{"http://accounts"}, Mandatory: true},
			{Name: "reviews", URLs: []string{"http://reviews"}},
		})
		require.NoError(t, err)

		require.Len(t, registry.Services(), 2)
		service, ok := registry.Service("accounts")
		require.True(t, ok)
		assert.True(t, service.Mandatory())
		_, ok = registry.Service("inventory")
		assert.False(t, ok)
	})
}

func TestService_NextURL(t *testing.T) {
	registry, err := NewRegistry([]ServiceConfig{
		{Name: "products", URLs: []string{"http://products-1", "http://products-2"}},
		{Name: "reviews", URLs: []string{"http://reviews"}},
	})
	require.NoError(t, err)

	products, _ := registry.Service("products")
	var dispatched []string
	for i := 0; i < 5; i++ {
		dispatched = append(dispatched, products.NextURL())
	}
	assert.Equal(t, []string{
		"http://products-1",
		"http://products-2",
		"http://products-1",
		"http://products-2",
		"http://products-1",
	}, dispatched)

	reviews, _ := registry.Service("reviews")
	assert.Equal(t, "http://reviews", reviews.NextURL())
	assert.Equal(t, "http://reviews", reviews.NextURL())
}

func TestService_Transition(t *testing.T) {
	service, err := newService(ServiceConfig{Name: "accounts", URLs: []string{"http://accounts"}})
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, service.Health())

	assert.True(t, service.Transition(HealthDegraded))
	assert.True(t, service.Transition(HealthRetrying))
	assert.False(t, service.Transition(HealthDegraded))
	assert.False(t, service.Transition(HealthRetrying))
	assert.Equal(t, HealthRetrying, service.Health())

	assert.True(t, service.Transition(HealthFatal))
	assert.False(t, service.Transition(HealthExcluded))
	assert.True(t, service.Health().Terminal())

	service.MarkHealthy()
	assert.Equal(t, HealthHealthy, service.Health())
	assert.Equal(t, "healthy", service.Health().String())

	t.Run("should only become fatal while retrying", func(t *testing.T) {
		service, err := newService(ServiceConfig{Name: "reviews", URLs: []string{"http://reviews"}})
		require.NoError(t, err)

		assert.False(t, service.Transition(HealthFatal))
		assert.True(t, service.Transition(HealthDegraded))
		assert.False(t, service.Transition(HealthFatal))
		assert.Equal(t, HealthDegraded, service.Health())
	})

	t.Run("should keep excluded services excluded", func(t *testing.T) {
		service, err := newService(ServiceConfig{Name: "inventory", URLs: []string{"http://inventory"}})
		require.NoError(t, err)

		assert.True(t, service.Transition(HealthExcluded))
		assert.False(t, service.Transition(HealthFatal))
		assert.Equal(t, HealthExcluded, service.Health())
	})
}

func TestRegistry_FetchAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	registry, err := NewRegistry([]ServiceConfig{
		{Name: "accounts", URLs: []string{"http://accounts"}, Mandatory: true},
		{Name: "reviews", URLs: []string{"http://reviews"}},
	})
	require.NoError(t, err)
	accounts, _ := registry.Service("accounts")
	reviews, _ := registry.Service("reviews")

	fetcher := NewMockSDLFetcher(ctrl)
	fetcher.EXPECT().FetchSDL(gomock.Any(), accounts).Return("type Query { me: String }", nil)
	fetcher.EXPECT().FetchSDL(gomock.Any(), reviews).Return("", errors.New("connection refused"))

	failures := registry.FetchAll(context.Background(), fetcher, abstractlogger.Noop{})
	require.Len(t, failures, 1)
	assert.EqualError(t, failures["reviews"], "connection refused")

	assert.Equal(t, HealthHealthy, accounts.Health())
	assert.Equal(t, HealthDegraded, reviews.Health())
	assert.Equal(t, []federation.ServiceDefinition{
		{Name: "accounts", SDL: "type Query { me: String }", Mandatory: true},
	}, registry.Definitions())
}
