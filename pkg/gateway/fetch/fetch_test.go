package fetch

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

func newService(t *testing.T, config registry.ServiceConfig) *registry.Service {
	t.Helper()
	reg, err := registry.NewRegistry([]registry.ServiceConfig{config})
	require.NoError(t, err)
	service, _ := reg.Service(config.Name)
	return service
}

func TestClient_Do(t *testing.T) {
	t.Run("should post query, variables and operation name", func(t *testing.T) {
		received := make(chan []byte, 1)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, ContentTypeJSON, r.Header.Get(ContentTypeHeader))
			body, _ := io.ReadAll(r.Body)
			received <- body
			w.Header().Set("X-Service", "accounts")
			_, _ = w.Write([]byte(`{"data":{"me":{"id":"1"}}}`))
		}))
		defer server.Close()

		service := newService(t, registry.ServiceConfig{Name: "accounts", URLs: []string{server.URL}})
		response, err := NewClient().Do(context.Background(), service, Request{
			Query:         "query Me($id: ID) { me { id } }",
			Variables:     map[string]interface{}{"id": "1"},
			OperationName: "Me",
		})
		require.NoError(t, err)

		body := <-received
		assert.Equal(t, "query Me($id: ID) { me { id } }", gjson.GetBytes(body, "query").String())
		assert.Equal(t, "1", gjson.GetBytes(body, "variables.id").String())
		assert.Equal(t, "Me", gjson.GetBytes(body, "operationName").String())
		assert.JSONEq(t, `{"me":{"id":"1"}}`, string(response.Data))
		assert.Equal(t, "accounts", response.Header.Get("X-Service"))
	})

	t.Run("should alternate between urls", func(t *testing.T) {
		var (
			mu   sync.Mutex
			hits []string
		)
		newServer := func(name string) *httptest.Server {
			return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				hits = append(hits, name)
				mu.Unlock()
				_, _ = w.Write([]byte(`{"data":{}}`))
			}))
		}
		first, second := newServer("first"), newServer("second")
		defer first.Close()
		defer second.Close()

		service := newService(t, registry.ServiceConfig{Name: "products", URLs: []string{first.URL, second.URL}})
		client := NewClient()
		for i := 0; i < 4; i++ {
			_, err := client.Do(context.Background(), service, Request{Query: "{ __typename }"})
			require.NoError(t, err)
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"first", "second", "first", "second"}, hits)
	})

	t.Run("should rewrite headers from the request context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			assert.Empty(t, r.Header.Get("Cookie"))
			_, _ = w.Write([]byte(`{"data":{}}`))
		}))
		defer server.Close()

		service := newService(t, registry.ServiceConfig{
			Name:           "accounts",
			URLs:           []string{server.URL},
			RewriteHeaders: ForwardHeaders("Authorization"),
		})
		ctx := WithRequestHeader(context.Background(), http.Header{
			"Authorization": []string{"Bearer token"},
			"Cookie":        []string{"session=1"},
		})
		_, err := NewClient().Do(ctx, service, Request{Query: "{ me { id } }"})
		require.NoError(t, err)
	})

	t.Run("should decode compressed responses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/gzip":
				w.Header().Set(ContentEncodingHeader, EncodingGzip)
				writer := gzip.NewWriter(w)
				_, _ = writer.Write([]byte(`{"data":{"encoding":"gzip"}}`))
				_ = writer.Close()
			case "/br":
				w.Header().Set(ContentEncodingHeader, EncodingBrotli)
				writer := brotli.NewWriter(w)
				_, _ = writer.Write([]byte(`{"data":{"encoding":"br"}}`))
				_ = writer.Close()
			}
		}))
		defer server.Close()

		for _, encoding := range []string{"gzip", "br"} {
			service := newService(t, registry.ServiceConfig{Name: "inventory", URLs: []string{server.URL + "/" + encoding}})
			response, err := NewClient().Do(context.Background(), service, Request{Query: "{ encoding }"})
			require.NoError(t, err)
			assert.Equal(t, encoding, gjson.GetBytes(response.Data, "encoding").String())
		}
	})

	t.Run("should return graphql errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"unknown field","path":["me",0]}]}`))
		}))
		defer server.Close()

		service := newService(t, registry.ServiceConfig{Name: "accounts", URLs: []string{server.URL}})
		response, err := NewClient().Do(context.Background(), service, Request{Query: "{ unknown }"})
		require.NoError(t, err)
		require.Len(t, response.Errors, 1)
		assert.Equal(t, "unknown field", response.Errors[0].Message)
		assert.Equal(t, graphqlerrors.ErrorPath{"me", json.Number("0")}, response.Errors[0].Path)
	})

	t.Run("should report unavailable services", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		for _, url := range []string{server.URL, "http://127.0.0.1:1"} {
			service := newService(t, registry.ServiceConfig{Name: "reviews", URLs: []string{url}})
			_, err := NewClient().Do(context.Background(), service, Request{Query: "{ __typename }"})

			var unavailableErr *graphqlerrors.ServiceUnavailableError
			require.True(t, errors.As(err, &unavailableErr), url)
			assert.Equal(t, "reviews", unavailableErr.ServiceName)
			assert.Equal(t, url, unavailableErr.URL)
		}
	})
}

func TestClient_DoBatch(t *testing.T) {
	calls := atomic.NewInt32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		body, _ := io.ReadAll(r.Body)
		requests := gjson.ParseBytes(body).Array()
		assert.Len(t, requests, 2)

		_, _ = w.Write([]byte(`[{"data":{"n":"` + requests[0].Get("variables.n").String() + `"}},{"data":{"n":"` + requests[1].Get("variables.n").String() + `"}}]`))
	}))
	defer server.Close()

	service := newService(t, registry.ServiceConfig{Name: "products", URLs: []string{server.URL}, AllowBatchedQueries: true})
	responses, err := NewClient().DoBatch(context.Background(), service, []Request{
		{Query: "query($n: String) { n }", Variables: map[string]interface{}{"n": "first"}},
		{Query: "query($n: String) { n }", Variables: map[string]interface{}{"n": "second"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, responses, 2)
	assert.JSONEq(t, `{"n":"first"}`, string(responses[0].Data))
	assert.JSONEq(t, `{"n":"second"}`, string(responses[1].Data))

	t.Run("should reject a response with the wrong length", func(t *testing.T) {
		short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[{"data":{}}]`))
		}))
		defer short.Close()

		service := newService(t, registry.ServiceConfig{Name: "products", URLs: []string{short.URL}})
		_, err := NewClient().DoBatch(context.Background(), service, []Request{{Query: "{ a }"}, {Query: "{ b }"}})
		assert.Error(t, err)
	})
}

func TestClient_FetchSDL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, ServiceDefinitionOperationName, gjson.GetBytes(body, "operationName").String())
		_, _ = w.Write([]byte(`{"data":{"_service":{"sdl":"type Query { me: User }"}}}`))
	}))
	defer server.Close()

	service := newService(t, registry.ServiceConfig{Name: "accounts", URLs: []string{server.URL}})
	sdl, err := NewClient().FetchSDL(context.Background(), service)
	require.NoError(t, err)
	assert.Equal(t, "type Query { me: User }", sdl)
}
