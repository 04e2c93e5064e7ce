package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jensneuse/graphql-gateway/pkg/gateway"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
	"github.com/jensneuse/graphql-gateway/pkg/testing/federationtesting"
)

func newTestHandler(t *testing.T, configure func(configs []registry.ServiceConfig)) (*GraphQLHTTPRequestHandler, *federationtesting.Federation) {
	t.Helper()
	fed := federationtesting.NewFederation(t)
	configs := fed.ServiceConfigs()
	if configure != nil {
		configure(configs)
	}
	g, err := gateway.New(configs)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Close)

	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	return NewGraphqlHTTPHandler(g, wsHandler, abstractlogger.NoopLogger).(*GraphQLHTTPRequestHandler), fed
}

func post(handler http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://localhost:8080/graphql", bytes.NewBufferString(body))
	for key, values := range header {
		req.Header[key] = values
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestGraphQLHTTPRequestHandler_HandleHTTP(t *testing.T) {
	t.Run("should return 400 Bad Request for a malformed body", func(t *testing.T) {
		handler, _ := newTestHandler(t, nil)

		assert.Equal(t, http.StatusBadRequest, post(handler, `{"query":`, nil).Code)
		assert.Equal(t, http.StatusBadRequest, post(handler, `{"variables":{}}`, nil).Code)
	})

	t.Run("should answer validation errors with a GraphQL response", func(t *testing.T) {
		handler, _ := newTestHandler(t, nil)

		w := post(handler, `{"query":"{ unknownField }"}`, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, gjson.Get(w.Body.String(), "errors.0.message").Exists())
		assert.Equal(t, "null", gjson.Get(w.Body.String(), "data").Raw)
	})

	t.Run("should successfully handle http request and return 200 OK", func(t *testing.T) {
		handler, _ := newTestHandler(t, nil)

		w := post(handler, `{"query":"{ topProducts { upc name } }"}`, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, httpContentTypeApplicationJson, w.Header().Get(httpHeaderContentType))
		assert.Equal(t, "Table", gjson.Get(w.Body.String(), "data.topProducts.0.name").String())
		assert.False(t, gjson.Get(w.Body.String(), "errors").Exists())
	})

	t.Run("should forward client headers and set response headers", func(t *testing.T) {
		handler, fed := newTestHandler(t, func(configs []registry.ServiceConfig) {
			for i := range configs {
				configs[i].RewriteHeaders = fetch.ForwardHeaders("Authorization")
				configs[i].SetResponseHeaders = func(ctx context.Context, upstream http.Header, outward http.Header) {
					outward.Add("X-Served-By", upstream.Get("X-Served-By"))
				}
			}
		})
		fed.Reset()

		w := post(handler, `{"query":"{ topProducts { name } }"}`, http.Header{"Authorization": {"Bearer token"}})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"products"}, w.Header().Values("X-Served-By"))

		headers := fed.Products.Headers()
		require.Len(t, headers, 1)
		assert.Equal(t, "Bearer token", headers[0].Get("Authorization"))
	})
}

func TestGraphQLHTTPRequestHandler_ServeHTTP(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	t.Run("should reject other methods", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/graphql", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
	})

	t.Run("should hand upgrades to the websocket handler", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/graphql", strings.NewReader(""))
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusSwitchingProtocols, w.Code)
	})

	t.Run("should reject upgrades without a websocket handler", func(t *testing.T) {
		withoutWS := NewGraphqlHTTPHandler(handler.executor, nil, abstractlogger.NoopLogger)
		req := httptest.NewRequest(http.MethodGet, "/graphql", nil)
		req.Header.Set("Upgrade", "websocket")
		w := httptest.NewRecorder()
		withoutWS.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
