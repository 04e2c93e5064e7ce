package websocket

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jensneuse/graphql-gateway/pkg/subscription"
)

func TestClient_WriteBytesToClient(t *testing.T) {
	t.Run("should write a text message to the client", func(t *testing.T) {
		connToServer, connToClient := net.Pipe()
		client := NewClient(abstractlogger.NoopLogger, connToClient)
		message := []byte(`{"id":"1","type":"data","payload":{"data":null}}`)

		go func() {
			assert.NoError(t, client.WriteBytesToClient(message))
		}()

		data, opCode, err := wsutil.ReadServerData(connToServer)
		require.NoError(t, err)
		assert.Equal(t, ws.OpText, opCode)
		assert.Equal(t, message, data)
	})

	t.Run("should detect a closed connection", func(t *testing.T) {
		connToServer, connToClient := net.Pipe()
		client := NewClient(abstractlogger.NoopLogger, connToClient)
		require.NoError(t, connToServer.Close())

		err := client.WriteBytesToClient([]byte(`{}`))
		assert.Equal(t, subscription.ErrTransportClientClosedConnection, err)
		assert.False(t, client.IsConnected())
	})

	t.Run("should detect a wrapped closed pipe error", func(t *testing.T) {
		conn := &fakeConn{writeErr: fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", io.ErrClosedPipe))}
		client := NewClient(abstractlogger.NoopLogger, conn)

		err := client.WriteBytesToClient([]byte(`{}`))
		assert.Equal(t, subscription.ErrTransportClientClosedConnection, err)
		assert.False(t, client.IsConnected())
	})
}

func TestClient_ReadBytesFromClient(t *testing.T) {
	t.Run("should read a message from the client", func(t *testing.T) {
		connToServer, connToClient := net.Pipe()
		client := NewClient(abstractlogger.NoopLogger, connToClient)
		message := []byte(`{"type":"connection_init"}`)

		go func() {
			assert.NoError(t, wsutil.WriteClientText(connToServer, message))
		}()

		data, err := client.ReadBytesFromClient()
		require.NoError(t, err)
		assert.Equal(t, message, data)
	})

	for name, readErr := range map[string]error{
		"io.EOF":              io.EOF,
		"unexpected EOF":      io.ErrUnexpectedEOF,
		"closed pipe":         io.ErrClosedPipe,
		"wrapped EOF":         fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", io.EOF)),
		"wrapped closed pipe": fmt.Errorf("outer: %w", io.ErrClosedPipe),
		"close frame":         wsutil.ClosedError{Code: ws.StatusNormalClosure, Reason: "bye"},
	} {
		readErr := readErr
		t.Run("should detect a closed connection on "+name, func(t *testing.T) {
			client := NewClient(abstractlogger.NoopLogger, &fakeConn{readErr: readErr})

			_, err := client.ReadBytesFromClient()
			assert.Equal(t, subscription.ErrTransportClientClosedConnection, err)
			assert.False(t, client.IsConnected())
		})
	}

	t.Run("should not read after the connection was closed", func(t *testing.T) {
		conn := &fakeConn{}
		client := NewClient(abstractlogger.NoopLogger, conn)
		require.NoError(t, client.Disconnect())

		_, err := client.ReadBytesFromClient()
		assert.Equal(t, subscription.ErrTransportClientClosedConnection, err)
	})

	t.Run("should return other errors", func(t *testing.T) {
		client := NewClient(abstractlogger.NoopLogger, &fakeConn{readErr: fmt.Errorf("tls: bad record")})

		_, err := client.ReadBytesFromClient()
		assert.EqualError(t, err, "tls: bad record")
		assert.True(t, client.IsConnected())
	})
}

func TestClient_DisconnectWithReason(t *testing.T) {
	readCloseFrame := func(t *testing.T, conn net.Conn) (ws.StatusCode, string) {
		t.Helper()
		frame, err := ws.ReadFrame(conn)
		require.NoError(t, err)
		require.Equal(t, ws.OpClose, frame.Header.OpCode)
		return ws.ParseCloseFrameData(frame.Payload)
	}

	t.Run("should send a normal closure on disconnect", func(t *testing.T) {
		connToServer, connToClient := net.Pipe()
		client := NewClient(abstractlogger.NoopLogger, connToClient)

		go func() {
			assert.NoError(t, client.Disconnect())
		}()

		code, reason := readCloseFrame(t, connToServer)
		assert.Equal(t, ws.StatusNormalClosure, code)
		assert.Equal(t, "Normal Closure", reason)
		assert.Eventually(t, func() bool {
			return !client.IsConnected()
		}, time.Second, 2*time.Millisecond)
	})

	t.Run("should send a custom reason", func(t *testing.T) {
		connToServer, connToClient := net.Pipe()
		client := NewClient(abstractlogger.NoopLogger, connToClient)

		go func() {
			assert.NoError(t, client.DisconnectWithReason(NewCloseReason(4403, "forbidden")))
		}()

		code, reason := readCloseFrame(t, connToServer)
		assert.Equal(t, ws.StatusCode(4403), code)
		assert.Equal(t, "forbidden", reason)
	})

	t.Run("should close only once", func(t *testing.T) {
		conn := &fakeConn{}
		client := NewClient(abstractlogger.NoopLogger, conn)

		assert.NoError(t, client.Disconnect())
		assert.NoError(t, client.Disconnect())
		assert.Equal(t, 1, conn.closes)
		assert.Equal(t, 1, conn.writes)
	})

	t.Run("should not send a close frame to a client which is gone", func(t *testing.T) {
		conn := &fakeConn{readErr: io.EOF}
		client := NewClient(abstractlogger.NoopLogger, conn)
		_, _ = client.ReadBytesFromClient()

		assert.NoError(t, client.Disconnect())
		assert.Equal(t, 1, conn.closes)
		assert.Equal(t, 0, conn.writes)
	})
}

type fakeConn struct {
	net.Conn
	readErr  error
	writeErr error
	writes   int
	closes   int
}

func (f *fakeConn) Read(b []byte) (int, error) {
	return 0, f.readErr
}

func (f *fakeConn) Write(b []byte) (int, error) {
	f.writes++
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return len(b), nil
}

func (f *fakeConn) Close() error {
	f.closes++
	return nil
}
