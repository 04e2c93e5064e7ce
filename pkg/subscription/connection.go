package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/planner"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

var (
	errMalformedMessage    = errors.New("malformed message")
	errMissingID           = errors.New("message id is required")
	errAlreadyAcknowledged = errors.New("connection already acknowledged")
)

type connectionState int

const (
	stateInit connectionState = iota
	stateAcknowledged
	stateActive
	stateClosed
)

func (s connectionState) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateAcknowledged:
		return "ACKNOWLEDGED"
	case stateActive:
		return "ACTIVE"
	case stateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

type incomingMessage struct {
	data []byte
	err  error
}

// subscriptionEvent is sent from a subscription goroutine to the dispatch loop.
type subscriptionEvent struct {
	subscription *activeSubscription
	response     *planner.Response
	err          error
	done         bool
}

// connection is the protocol state of one client. All state is owned by the
// dispatch loop in run, other goroutines talk to it through channels.
type connection struct {
	hub    *Hub
	log    abstractlogger.Logger
	client TransportClient

	ctx    context.Context
	cancel context.CancelFunc
	// operationCtx is the context returned by the OnConnect hook
	operationCtx context.Context

	state         connectionState
	initPayload   json.RawMessage
	subscriptions subscriptions
	keepAlive     *clock.Ticker
	err           error

	incoming chan incomingMessage
	events   chan subscriptionEvent
	done     chan struct{}
	wg       sync.WaitGroup
}

func newConnection(ctx context.Context, hub *Hub, client TransportClient) *connection {
	ctx, cancel := context.WithCancel(ctx)
	return &connection{
		hub:           hub,
		log:           hub.log,
		client:        client,
		ctx:           ctx,
		cancel:        cancel,
		operationCtx:  ctx,
		state:         stateInit,
		subscriptions: subscriptions{},
		incoming:      make(chan incomingMessage),
		events:        make(chan subscriptionEvent),
		done:          make(chan struct{}),
	}
}

func (c *connection) run() {
	go c.readLoop()
	defer c.close()

	for {
		var keepAlive <-chan time.Time
		if c.keepAlive != nil {
			keepAlive = c.keepAlive.C
		}

		select {
		case <-c.ctx.Done():
			return
		case message := <-c.incoming:
			if !c.handleIncoming(message) {
				return
			}
		case event := <-c.events:
			// a stop read before the event wins over it
			if !c.drainIncoming() {
				return
			}
			c.handleEvent(event)
		case <-keepAlive:
			c.write(Message{Type: MessageTypeConnectionKeepAlive})
		}
	}
}

// handleIncoming returns false if the connection has to be closed.
func (c *connection) handleIncoming(message incomingMessage) bool {
	if message.err != nil {
		if !errors.Is(message.err, ErrTransportClientClosedConnection) {
			c.err = message.err
		}
		return false
	}
	return c.handleMessage(message.data)
}

// drainIncoming handles the client messages already waiting for the loop.
func (c *connection) drainIncoming() bool {
	for {
		select {
		case message := <-c.incoming:
			if !c.handleIncoming(message) {
				return false
			}
		default:
			return true
		}
	}
}

func (c *connection) readLoop() {
	for {
		data, err := c.client.ReadBytesFromClient()
		select {
		case c.incoming <- incomingMessage{data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handleMessage returns false if the connection has to be closed.
func (c *connection) handleMessage(data []byte) bool {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		c.log.Debug("subscription.connection.handleMessage: malformed message",
			abstractlogger.ByteString("data", data),
			abstractlogger.Error(err),
		)
		c.writeErrors("", protocolError("", errMalformedMessage))
		return true
	}

	switch message.Type {
	case MessageTypeConnectionInit:
		return c.handleInit(message)
	case MessageTypeStart:
		c.handleStart(message)
	case MessageTypeStop:
		c.handleStop(message.ID)
	case MessageTypeConnectionTerminate:
		return false
	default:
		c.log.Debug("subscription.connection.handleMessage: invalid message type",
			abstractlogger.String("type", message.Type),
		)
		c.writeErrors(message.ID, protocolError("", graphqlerrors.ErrInvalidMessageType))
	}
	return true
}

func (c *connection) handleInit(message Message) bool {
	if c.state != stateInit {
		c.writeErrors("", protocolError(message.Type, errAlreadyAcknowledged))
		return true
	}

	if onConnect := c.hub.options.OnConnect; onConnect != nil {
		ctx, err := onConnect(c.ctx, message.Payload)
		if err != nil {
			c.log.Debug("subscription.connection.handleInit: connection rejected",
				abstractlogger.Error(err),
			)
			c.err = err
			c.write(Message{Type: MessageTypeConnectionError, Payload: connectionErrorPayload(err)})
			return false
		}
		if ctx != nil {
			c.operationCtx = ctx
		}
	}

	c.initPayload = message.Payload
	c.state = stateAcknowledged

	interval := c.hub.options.KeepAliveInterval
	if interval > 0 {
		c.keepAlive = c.hub.options.Clock.Ticker(interval)
	}
	c.write(Message{Type: MessageTypeConnectionAck})
	if interval > 0 {
		c.write(Message{Type: MessageTypeConnectionKeepAlive})
	}
	return true
}

func (c *connection) handleStart(message Message) {
	switch {
	case c.state == stateInit:
		c.writeErrors(message.ID, protocolError(message.Type, graphqlerrors.ErrStartBeforeAck))
		return
	case message.ID == "":
		c.writeErrors("", protocolError(message.Type, errMissingID))
		return
	case c.subscriptions[message.ID] != nil:
		c.writeErrors(message.ID, protocolError(message.Type, graphqlerrors.ErrDuplicateSubscriberID))
		return
	}

	var request planner.Request
	decoder := json.NewDecoder(bytes.NewReader(message.Payload))
	decoder.UseNumber()
	if err := decoder.Decode(&request); err != nil {
		c.writeErrors(message.ID, protocolError(message.Type, errMalformedMessage))
		c.write(Message{ID: message.ID, Type: MessageTypeComplete})
		return
	}

	operation, errs := c.hub.executor.PrepareSubscription(request)
	if errs != nil {
		c.writeErrors(message.ID, errs)
		c.write(Message{ID: message.ID, Type: MessageTypeComplete})
		return
	}

	subscription, err := c.subscriptions.add(c.operationCtx, message.ID, operation, request)
	if err != nil {
		c.writeErrors(message.ID, protocolError(message.Type, err))
		return
	}
	c.state = stateActive
	c.hub.options.Metrics.SubscriptionStarted()
	c.log.Debug("subscription.connection.handleStart: subscription started",
		abstractlogger.String("id", message.ID),
		abstractlogger.String("field", operation.FieldName()),
	)

	c.wg.Add(1)
	go c.runSubscription(subscription)
}

func (c *connection) handleStop(id string) {
	if !c.remove(id) {
		return
	}
	c.write(Message{ID: id, Type: MessageTypeComplete})
}

func (c *connection) handleEvent(event subscriptionEvent) {
	// events of stopped subscriptions are dropped
	if !c.subscriptions.isActive(event.subscription) {
		return
	}
	id := event.subscription.id

	if event.response != nil {
		payload, err := json.Marshal(event.response)
		if err != nil {
			event.err, event.done = err, true
		} else {
			c.write(Message{ID: id, Type: MessageTypeData, Payload: payload})
		}
	}
	if !event.done {
		return
	}

	c.remove(id)
	if event.err != nil {
		c.writeErrors(id, toRequestErrors(event.err))
	}
	c.write(Message{ID: id, Type: MessageTypeComplete})
}

// runSubscription drains the event source of subscription until it ends or
// the subscription is cancelled.
func (c *connection) runSubscription(subscription *activeSubscription) {
	defer c.wg.Done()

	source, err := c.hub.open(subscription, c.initPayload)
	if err != nil {
		c.emit(subscriptionEvent{subscription: subscription, err: err, done: true})
		return
	}
	defer source.Close()

	for {
		response, err := source.Next(subscription.ctx)
		switch {
		case subscription.ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			c.emit(subscriptionEvent{subscription: subscription, done: true})
			return
		case err != nil:
			c.emit(subscriptionEvent{subscription: subscription, err: err, done: true})
			return
		}
		if !c.emit(subscriptionEvent{subscription: subscription, response: response}) {
			return
		}
	}
}

func (c *connection) emit(event subscriptionEvent) bool {
	select {
	case c.events <- event:
		return true
	case <-event.subscription.ctx.Done():
		return false
	}
}

func (c *connection) remove(id string) bool {
	if _, ok := c.subscriptions.remove(id); !ok {
		return false
	}
	c.hub.options.Metrics.SubscriptionFinished()
	return true
}

// close completes all running subscriptions and waits for their goroutines.
func (c *connection) close() {
	c.state = stateClosed
	close(c.done)
	if c.keepAlive != nil {
		c.keepAlive.Stop()
	}

	for _, id := range c.subscriptions.ids() {
		c.remove(id)
		c.write(Message{ID: id, Type: MessageTypeComplete})
	}
	c.wg.Wait()
	defer c.cancel()

	if c.client.IsConnected() {
		if err := c.client.Disconnect(); err != nil {
			c.log.Debug("subscription.connection.close: disconnecting client",
				abstractlogger.Error(err),
			)
		}
	}

	if c.err != nil && c.hub.options.OnConnectionError != nil {
		c.hub.options.OnConnectionError(c.operationCtx, c.err)
	}
	if c.hub.options.OnDisconnect != nil {
		c.hub.options.OnDisconnect(c.operationCtx)
	}
}

func (c *connection) write(message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		c.log.Error("subscription.connection.write: encoding message",
			abstractlogger.String("type", message.Type),
			abstractlogger.Error(err),
		)
		return
	}
	if err := c.client.WriteBytesToClient(data); err != nil {
		c.log.Debug("subscription.connection.write: writing to client",
			abstractlogger.String("type", message.Type),
			abstractlogger.Error(err),
		)
	}
}

func (c *connection) writeErrors(id string, errs graphqlerrors.RequestErrors) {
	c.write(Message{ID: id, Type: MessageTypeError, Payload: errorPayload(errs)})
}

func toRequestErrors(err error) graphqlerrors.RequestErrors {
	var errs graphqlerrors.RequestErrors
	if errors.As(err, &errs) {
		return errs
	}
	return graphqlerrors.RequestErrors{graphqlerrors.ToRequestError(err, nil)}
}
