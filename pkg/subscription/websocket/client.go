package websocket

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/jensneuse/abstractlogger"
	"go.uber.org/atomic"

	"github.com/jensneuse/graphql-gateway/pkg/subscription"
)

// CloseReason is a compiled close frame sent by Client.DisconnectWithReason.
type CloseReason []byte

var (
	CloseReasonNormal = CloseReason(ws.MustCompileFrame(
		ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "Normal Closure")),
	))
	CloseReasonGoingAway = CloseReason(ws.MustCompileFrame(
		ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "Going Away")),
	))
)

// NewCloseReason compiles a close frame with code and reason.
func NewCloseReason(code uint16, reason string) CloseReason {
	return ws.MustCompileFrame(
		ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason)),
	)
}

// Client is the server side of a WebSocket connection upgraded with gobwas/ws.
type Client struct {
	logger abstractlogger.Logger
	conn   net.Conn

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewClient(logger abstractlogger.Logger, conn net.Conn) *Client {
	return &Client{
		logger: logger,
		conn:   conn,
	}
}

// ReadBytesFromClient reads the next text or binary message. Control frames
// are answered while reading.
func (c *Client) ReadBytesFromClient() ([]byte, error) {
	if !c.IsConnected() {
		return nil, subscription.ErrTransportClientClosedConnection
	}

	data, opCode, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		if c.isClosedConnectionError(err) {
			c.closed.Store(true)
			return nil, subscription.ErrTransportClientClosedConnection
		}
		c.logger.Error("websocket.Client.ReadBytesFromClient: reading from client",
			abstractlogger.Error(err),
			abstractlogger.Any("opCode", opCode),
		)
		return nil, err
	}
	return data, nil
}

func (c *Client) WriteBytesToClient(message []byte) error {
	if !c.IsConnected() {
		return subscription.ErrTransportClientClosedConnection
	}

	c.writeMu.Lock()
	err := wsutil.WriteServerMessage(c.conn, ws.OpText, message)
	c.writeMu.Unlock()
	if err != nil {
		if c.isClosedConnectionError(err) {
			c.closed.Store(true)
			return subscription.ErrTransportClientClosedConnection
		}
		c.logger.Error("websocket.Client.WriteBytesToClient: writing to client",
			abstractlogger.Error(err),
		)
		return err
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// Disconnect closes the connection with a normal closure.
func (c *Client) Disconnect() error {
	return c.DisconnectWithReason(CloseReasonNormal)
}

// DisconnectWithReason sends the close frame reason unless the client is
// already gone and closes the connection. Only the first call has an effect.
func (c *Client) DisconnectWithReason(reason CloseReason) error {
	var err error
	c.closeOnce.Do(func() {
		if c.closed.CompareAndSwap(false, true) {
			c.writeMu.Lock()
			_, writeErr := c.conn.Write(reason)
			c.writeMu.Unlock()
			if writeErr != nil && !c.isClosedConnectionError(writeErr) {
				c.logger.Debug("websocket.Client.DisconnectWithReason: writing close frame",
					abstractlogger.Error(writeErr),
				)
			}
		}
		err = c.conn.Close()
	})
	return err
}

func (c *Client) isClosedConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closedErr wsutil.ClosedError
	return errors.As(err, &closedErr)
}

// Interface Guard
var _ subscription.TransportClient = (*Client)(nil)
