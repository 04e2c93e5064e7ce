package federationtesting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscription struct {
	conn    *wsConn
	id      string
	field   string
	request Request
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) write(msg wsMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"graphql-ws"},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// InitPayloads returns the connection_init payloads received over WebSocket.
func (s *Server) InitPayloads() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.initPayloads...)
}

// WSConnections returns the number of WebSocket connections accepted so far.
func (s *Server) WSConnections() int {
	return int(s.wsConnections.Load())
}

// Pings returns the number of WebSocket pings received so far.
func (s *Server) Pings() int {
	return int(s.pings.Load())
}

// ActiveSubscriptions returns the number of running WebSocket subscriptions.
func (s *Server) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// Publish sends value as the value of the subscription field to every
// subscription selecting it.
func (s *Server) Publish(field string, value interface{}) {
	s.mu.Lock()
	subscriptions := make([]*wsSubscription, 0, len(s.subscriptions))
	for subscription := range s.subscriptions {
		if subscription.field == field {
			subscriptions = append(subscriptions, subscription)
		}
	}
	s.mu.Unlock()

	for _, subscription := range subscriptions {
		result := s.execute(context.Background(), subscription.request, map[string]interface{}{field: value})
		payload, err := json.Marshal(result)
		if err != nil {
			continue
		}
		_ = subscription.conn.write(wsMessage{ID: subscription.id, Type: "data", Payload: payload})
	}
}

// CompleteAll ends every subscription from the service side.
func (s *Server) CompleteAll() {
	s.mu.Lock()
	subscriptions := s.subscriptions
	s.subscriptions = map[*wsSubscription]struct{}{}
	s.mu.Unlock()

	for subscription := range subscriptions {
		_ = subscription.conn.write(wsMessage{ID: subscription.id, Type: "complete"})
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wsConnections.Inc()
	conn.SetPingHandler(func(data string) error {
		s.pings.Inc()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c := &wsConn{conn: conn}
	byID := map[string]*wsSubscription{}
	defer func() {
		s.mu.Lock()
		for _, subscription := range byID {
			delete(s.subscriptions, subscription)
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "connection_init":
			s.mu.Lock()
			s.initPayloads = append(s.initPayloads, msg.Payload)
			s.mu.Unlock()
			_ = c.write(wsMessage{Type: "connection_ack"})
		case "start":
			var request Request
			if err := decode(msg.Payload, &request); err != nil {
				_ = c.write(wsMessage{ID: msg.ID, Type: "error", Payload: json.RawMessage(`[{"message":"invalid payload"}]`)})
				continue
			}
			doc, errs := gqlparser.LoadQuery(s.schema.Schema(), request.Query)
			if len(errs) > 0 {
				payload, _ := json.Marshal(errs)
				_ = c.write(wsMessage{ID: msg.ID, Type: "error", Payload: payload})
				continue
			}
			subscription := &wsSubscription{
				conn:    c,
				id:      msg.ID,
				request: request,
			}
			if operation := doc.Operations.ForName(request.OperationName); operation != nil && len(operation.SelectionSet) > 0 {
				if field, ok := operation.SelectionSet[0].(*ast.Field); ok {
					subscription.field = field.Name
				}
			}
			byID[msg.ID] = subscription
			s.mu.Lock()
			s.requests = append(s.requests, request)
			s.subscriptions[subscription] = struct{}{}
			s.mu.Unlock()
		case "stop":
			if subscription, ok := byID[msg.ID]; ok {
				delete(byID, msg.ID)
				s.mu.Lock()
				delete(s.subscriptions, subscription)
				s.mu.Unlock()
				_ = c.write(wsMessage{ID: msg.ID, Type: "complete"})
			}
		case "connection_terminate":
			return
		}
	}
}
