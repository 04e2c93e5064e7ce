package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jensneuse/graphql-gateway/pkg/gateway"
	"github.com/jensneuse/graphql-gateway/pkg/pubsub"
	"github.com/jensneuse/graphql-gateway/pkg/subscription"
	"github.com/jensneuse/graphql-gateway/pkg/testing/federationtesting"
)

func TestHandler_ServeHTTP(t *testing.T) {
	fed := federationtesting.NewFederation(t)
	g, err := gateway.New(fed.ServiceConfigs())
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	defer g.Close()

	ps := pubsub.New()
	defer ps.Close()

	hub := subscription.NewHub(g, g.Registry(),
		subscription.WithPubSub(ps, map[string]subscription.LocalSubscription{
			"updatedPrice": {Topic: "prices"},
		}),
	)
	server := httptest.NewServer(NewHandler(abstractlogger.NoopLogger, hub))
	defer server.Close()

	dialer := gorilla.Dialer{
		Subprotocols:     []string{subscription.ProtocolGraphQLWS},
		HandshakeTimeout: time.Second,
	}
	conn, resp, err := dialer.Dial(strings.Replace(server.URL, "http", "ws", 1), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, subscription.ProtocolGraphQLWS, resp.Header.Get("Sec-WebSocket-Protocol"))

	read := func() subscription.Message {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var message subscription.Message
		require.NoError(t, conn.ReadJSON(&message))
		return message
	}

	require.NoError(t, conn.WriteJSON(subscription.Message{Type: subscription.MessageTypeConnectionInit}))
	assert.Equal(t, subscription.MessageTypeConnectionAck, read().Type)

	payload, _ := json.Marshal(map[string]string{"query": `subscription { updatedPrice { upc name } }`})
	require.NoError(t, conn.WriteJSON(subscription.Message{ID: "1", Type: subscription.MessageTypeStart, Payload: payload}))

	require.Eventually(t, func() bool {
		return ps.Subscribers("prices") == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ps.Publish(context.Background(), pubsub.Event{Topic: "prices", Payload: []byte(`{"upc":"1","name":"Table"}`)}))

	data := read()
	assert.Equal(t, subscription.MessageTypeData, data.Type)
	assert.Equal(t, "1", data.ID)
	assert.JSONEq(t, `{"data":{"updatedPrice":{"upc":"1","name":"Table"}}}`, string(data.Payload))

	require.NoError(t, conn.WriteJSON(subscription.Message{ID: "1", Type: subscription.MessageTypeStop}))
	complete := read()
	assert.Equal(t, subscription.MessageTypeComplete, complete.Type)
	assert.Equal(t, "1", complete.ID)

	require.NoError(t, conn.WriteJSON(subscription.Message{Type: subscription.MessageTypeConnectionTerminate}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *gorilla.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gorilla.CloseNormalClosure, closeErr.Code)
}
