// Package http handles GraphQL HTTP Requests including WebSocket Upgrades.
package http

import (
	"encoding/json"
	"io"
	"net/http"

	log "github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/planner"
)

const (
	httpHeaderContentType string = "Content-Type"

	httpContentTypeApplicationJson string = "application/json"

	maxRequestBodySize = 8 << 20
)

func (g *GraphQLHTTPRequestHandler) handleHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		g.log.Error("GraphQLHTTPRequestHandler.handleHTTP: reading body",
			log.Error(err),
		)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var request planner.Request
	if err := json.Unmarshal(data, &request); err != nil || request.Query == "" {
		g.log.Debug("GraphQLHTTPRequestHandler.handleHTTP: invalid request body",
			log.ByteString("body", data),
		)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := fetch.WithRequestHeader(r.Context(), r.Header.Clone())
	response := g.executor.Execute(ctx, request)

	out, err := json.Marshal(response)
	if err != nil {
		g.log.Error("GraphQLHTTPRequestHandler.handleHTTP: encoding response",
			log.Error(err),
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for key, values := range response.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Set(httpHeaderContentType, httpContentTypeApplicationJson)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
