package subscription

import (
	"encoding/json"
	"errors"

	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

// ProtocolGraphQLWS is the WebSocket subprotocol of subscriptions-transport-ws.
const ProtocolGraphQLWS = "graphql-ws"

const (
	MessageTypeConnectionInit      = "connection_init"
	MessageTypeConnectionAck       = "connection_ack"
	MessageTypeConnectionError     = "connection_error"
	MessageTypeConnectionTerminate = "connection_terminate"
	MessageTypeConnectionKeepAlive = "ka"
	MessageTypeStart               = "start"
	MessageTypeStop                = "stop"
	MessageTypeData                = "data"
	MessageTypeError               = "error"
	MessageTypeComplete            = "complete"
)

// ErrTransportClientClosedConnection is returned by a TransportClient once
// the connection is gone.
var ErrTransportClientClosedConnection = errors.New("transport client has a closed connection")

type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TransportClient carries protocol messages from and to one client.
type TransportClient interface {
	// ReadBytesFromClient blocks until the next message of the client.
	ReadBytesFromClient() ([]byte, error)
	WriteBytesToClient([]byte) error
	IsConnected() bool
	Disconnect() error
}

func errorPayload(errs graphqlerrors.RequestErrors) json.RawMessage {
	payload, err := json.Marshal(errs)
	if err != nil {
		return json.RawMessage(`[{"message":"internal error"}]`)
	}
	return payload
}

func connectionErrorPayload(err error) json.RawMessage {
	payload, marshalErr := json.Marshal(graphqlerrors.ToRequestError(err, nil))
	if marshalErr != nil {
		return json.RawMessage(`{"message":"internal error"}`)
	}
	return payload
}

func protocolError(messageType string, err error) graphqlerrors.RequestErrors {
	return graphqlerrors.RequestErrors{
		graphqlerrors.ToRequestError(&graphqlerrors.SubscriptionProtocolError{MessageType: messageType, Err: err}, nil),
	}
}
