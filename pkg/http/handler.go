package http

import (
	"context"
	"net/http"

	log "github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/planner"
	"github.com/jensneuse/graphql-gateway/pkg/subscription/websocket"
)

// Executor runs queries and mutations.
type Executor interface {
	Execute(ctx context.Context, request planner.Request) *planner.Response
}

// NewGraphqlHTTPHandler serves POST requests with executor. WebSocket
// upgrades are handed to wsHandler, a nil wsHandler rejects them.
func NewGraphqlHTTPHandler(executor Executor, wsHandler http.Handler, logger log.Logger) http.Handler {
	return &GraphQLHTTPRequestHandler{
		log:       logger,
		executor:  executor,
		wsHandler: wsHandler,
	}
}

type GraphQLHTTPRequestHandler struct {
	log       log.Logger
	executor  Executor
	wsHandler http.Handler
}

func (g *GraphQLHTTPRequestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if g.wsHandler == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.wsHandler.ServeHTTP(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.handleHTTP(w, r)
}
