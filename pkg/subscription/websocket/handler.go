// Package websocket upgrades HTTP requests to graphql-ws connections served by
// a subscription hub.
package websocket

import (
	"net/http"

	"github.com/gobwas/ws"
	"github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/subscription"
)

type Handler struct {
	logger   abstractlogger.Logger
	hub      *subscription.Hub
	upgrader ws.HTTPUpgrader
}

func NewHandler(logger abstractlogger.Logger, hub *subscription.Hub) *Handler {
	return &Handler{
		logger: logger,
		hub:    hub,
		upgrader: ws.HTTPUpgrader{
			Protocol: func(protocol string) bool {
				return protocol == subscription.ProtocolGraphQLWS
			},
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// The request headers are available to header rewrite hooks of the services.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := h.upgrader.Upgrade(r, w)
	if err != nil {
		h.logger.Error("websocket.Handler.ServeHTTP: upgrading connection",
			abstractlogger.Error(err),
		)
		return
	}

	client := NewClient(h.logger, conn)
	ctx := fetch.WithRequestHeader(subscription.NewInitialHttpRequestContext(r), r.Header.Clone())
	h.hub.Handle(ctx, client)
}

// IsWebSocketUpgrade reports whether r asks for a WebSocket connection.
func IsWebSocketUpgrade(r *http.Request) bool {
	for _, header := range r.Header.Values("Upgrade") {
		if header == "websocket" {
			return true
		}
	}
	return false
}
