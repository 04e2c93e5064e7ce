package subscription

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClient is an in-memory TransportClient.
type testClient struct {
	incoming  chan []byte
	readErrs  chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	received []Message
}

func newTestClient() *testClient {
	return &testClient{
		incoming: make(chan []byte),
		readErrs: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *testClient) ReadBytesFromClient() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case err := <-c.readErrs:
		return nil, err
	case <-c.closed:
		return nil, ErrTransportClientClosedConnection
	}
}

func (c *testClient) WriteBytesToClient(data []byte) error {
	if !c.IsConnected() {
		return ErrTransportClientClosedConnection
	}
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return err
	}
	c.mu.Lock()
	c.received = append(c.received, message)
	c.mu.Unlock()
	return nil
}

func (c *testClient) IsConnected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *testClient) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *testClient) send(t *testing.T, message Message) {
	t.Helper()
	data, err := json.Marshal(message)
	require.NoError(t, err)
	select {
	case c.incoming <- data:
	case <-time.After(time.Second):
		t.Fatalf("message %s was not read", message.Type)
	}
}

func (c *testClient) sendRaw(t *testing.T, data string) {
	t.Helper()
	select {
	case c.incoming <- []byte(data):
	case <-time.After(time.Second):
		t.Fatal("message was not read")
	}
}

func (c *testClient) fail(err error) {
	c.readErrs <- err
}

func (c *testClient) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.received...)
}

// waitFor waits until count messages were received and returns all of them.
func (c *testClient) waitFor(t *testing.T, count int) []Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.messages()) >= count
	}, 5*time.Second, 10*time.Millisecond, "expected %d messages, got %v", count, c.messages())
	return c.messages()
}

func countType(messages []Message, messageType string) int {
	count := 0
	for _, message := range messages {
		if message.Type == messageType {
			count++
		}
	}
	return count
}

var _ TransportClient = (*testClient)(nil)
