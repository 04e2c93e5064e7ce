// Package upstream proxies subscriptions to the services owning them. All
// subscriptions sharing URL, headers and init payload are multiplexed over one
// graphql-ws WebSocket connection.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/buger/jsonparser"
	"github.com/cespare/xxhash/v2"
	"github.com/jensneuse/abstractlogger"
	"github.com/tidwall/sjson"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
	"nhooyr.io/websocket"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
)

const (
	ProtocolGraphQLWS = "graphql-ws"

	DefaultAckTimeout = 30 * time.Second
)

const (
	messageTypeConnectionInit  = "connection_init"
	messageTypeConnectionAck   = "connection_ack"
	messageTypeConnectionError = "connection_error"
	messageTypeKeepAlive       = "ka"
	messageTypeStart           = "start"
	messageTypeStop            = "stop"
	messageTypeData            = "data"
	messageTypeError           = "error"
	messageTypeComplete        = "complete"
	messageTypeTerminate       = "connection_terminate"
)

var ErrConnectionClosed = errors.New("upstream connection closed")

// Target identifies an upstream connection. KeepAlive is not part of the
// identity, a positive value pings the service on that interval.
type Target struct {
	URL         string
	Header      http.Header
	InitPayload json.RawMessage
	KeepAlive   time.Duration
}

func (t Target) hash() uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(t.URL)
	_ = t.Header.Write(digest)
	_, _ = digest.Write(t.InitPayload)
	return digest.Sum64()
}

// TargetFor builds the upstream target of service. The WebSocket URL falls
// back to the next HTTP URL of the service with a ws scheme.
func TargetFor(ctx context.Context, service *registry.Service, initPayload json.RawMessage) (Target, error) {
	config := service.Config()

	url := config.WSURL
	if url == "" {
		url = service.NextURL()
		url = strings.Replace(url, "https://", "wss://", 1)
		url = strings.Replace(url, "http://", "ws://", 1)
	}

	header := http.Header{}
	if config.RewriteHeaders != nil {
		config.RewriteHeaders(ctx, header)
	}

	payload, err := DecorateInitPayload(initPayload, config.WSConnectionParams)
	if err != nil {
		return Target{}, fmt.Errorf("service '%s': %w", service.Name(), err)
	}

	return Target{URL: url, Header: header, InitPayload: payload, KeepAlive: config.KeepAlive}, nil
}

// DecorateInitPayload sets params on the connection_init payload of the
// client. Keys are sorted so equal params produce equal payloads.
func DecorateInitPayload(payload json.RawMessage, params map[string]interface{}) (json.RawMessage, error) {
	out := []byte(payload)
	if len(out) == 0 || string(out) == "null" {
		out = []byte("{}")
	}
	if len(params) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var err error
	for _, key := range keys {
		out, err = sjson.SetBytes(out, key, params[key])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type Options struct {
	Logger     abstractlogger.Logger
	HTTPClient *http.Client
	AckTimeout time.Duration
	Clock      clock.Clock
}

type Option func(options *Options)

func WithLogger(logger abstractlogger.Logger) Option {
	return func(options *Options) {
		options.Logger = logger
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(options *Options) {
		options.HTTPClient = client
	}
}

func WithAckTimeout(timeout time.Duration) Option {
	return func(options *Options) {
		options.AckTimeout = timeout
	}
}

// WithClock sets the clock driving the keep-alive pings.
func WithClock(clock clock.Clock) Option {
	return func(options *Options) {
		options.Clock = clock
	}
}

type Pool struct {
	options Options
	log     abstractlogger.Logger

	mu    sync.Mutex
	conns map[uint64]*connection
	dials singleflight.Group
}

func NewPool(options ...Option) *Pool {
	opts := Options{
		Logger:     abstractlogger.Noop{},
		HTTPClient: http.DefaultClient,
		AckTimeout: DefaultAckTimeout,
		Clock:      clock.New(),
	}
	for _, option := range options {
		option(&opts)
	}
	return &Pool{
		options: opts,
		log:     opts.Logger,
		conns:   map[uint64]*connection{},
	}
}

// Connections returns the number of open upstream connections.
func (p *Pool) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Subscribe starts request on the connection for target, dialing it first if
// there is none. The stream ends when the service completes it or it is closed.
func (p *Pool) Subscribe(ctx context.Context, target Target, request fetch.Request) (*Stream, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	conn, err := p.connection(ctx, target)
	if err != nil {
		return nil, err
	}
	stream := conn.add()

	if err := conn.write(conn.ctx, message{ID: stream.id, Type: messageTypeStart, Payload: payload}); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Close terminates every upstream connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown(ErrConnectionClosed)
	}
}

func (p *Pool) lookup(key uint64) (*connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[key]
	return conn, ok
}

// connection returns the open connection for target or dials it. The pool
// lock is not held while dialing, concurrent callers for one target share
// a single dial.
func (p *Pool) connection(ctx context.Context, target Target) (*connection, error) {
	key := target.hash()
	if conn, ok := p.lookup(key); ok {
		return conn, nil
	}

	value, err, _ := p.dials.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		if conn, ok := p.lookup(key); ok {
			return conn, nil
		}
		conn, err := p.dial(ctx, key, target)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.conns[key] = conn
		p.mu.Unlock()

		go conn.readLoop()
		if target.KeepAlive > 0 {
			go conn.keepAlive(p.options.Clock.Ticker(target.KeepAlive), target.KeepAlive)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*connection), nil
}

func (p *Pool) dial(ctx context.Context, key uint64, target Target) (*connection, error) {
	conn, response, err := websocket.Dial(ctx, target.URL, &websocket.DialOptions{
		HTTPClient:      p.options.HTTPClient,
		HTTPHeader:      target.Header,
		CompressionMode: websocket.CompressionDisabled,
		Subprotocols:    []string{ProtocolGraphQLWS},
	})
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusSwitchingProtocols {
		return nil, fmt.Errorf("upgrade to %s failed with status %d", target.URL, response.StatusCode)
	}

	c := &connection{
		pool:    p,
		key:     key,
		url:     target.URL,
		conn:    conn,
		streams: map[string]*Stream{},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.write(ctx, message{Type: messageTypeConnectionInit, Payload: target.InitPayload}); err != nil {
		c.cancel()
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := c.waitForAck(ctx, p.options.AckTimeout); err != nil {
		c.cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, "")
		return nil, err
	}

	p.log.Debug("upstream.Pool.dial: connection acknowledged",
		abstractlogger.String("url", target.URL),
	)
	return c, nil
}

func (p *Pool) remove(c *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.key] == c {
		delete(p.conns, c.key)
	}
}

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connection struct {
	pool   *Pool
	key    uint64
	url    string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]*Stream
	nextID  atomic.Uint64
	closed  bool
}

func (c *connection) write(ctx context.Context, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *connection) waitForAck(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		messageType, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("waiting for connection_ack: %w", err)
		}
		if messageType != websocket.MessageText {
			continue
		}
		typ, err := jsonparser.GetString(data, "type")
		if err != nil {
			return err
		}
		switch typ {
		case messageTypeKeepAlive:
			continue
		case messageTypeConnectionAck:
			return nil
		case messageTypeConnectionError:
			payload, _, _, _ := jsonparser.Get(data, "payload")
			return fmt.Errorf("connection rejected by %s: %s", c.url, payload)
		default:
			return fmt.Errorf("expected connection_ack or ka, got %s", typ)
		}
	}
}

func (c *connection) add() *Stream {
	id := strconv.FormatUint(c.nextID.Inc(), 10)
	stream := newStream(c, id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		stream.finish(ErrConnectionClosed)
		return stream
	}
	c.streams[id] = stream
	return stream
}

// release removes stream, the last stream closes the connection.
func (c *connection) release(stream *Stream, sendStop bool) {
	c.mu.Lock()
	if c.streams[stream.id] != stream {
		c.mu.Unlock()
		return
	}
	delete(c.streams, stream.id)
	last := len(c.streams) == 0
	c.mu.Unlock()

	if sendStop {
		_ = c.write(c.ctx, message{ID: stream.id, Type: messageTypeStop})
	}
	if last {
		c.pool.remove(c)
		c.mu.Lock()
		empty := len(c.streams) == 0
		c.mu.Unlock()
		if empty {
			_ = c.write(c.ctx, message{Type: messageTypeTerminate})
			c.shutdown(ErrConnectionClosed)
		}
	}
}

// keepAlive pings the service on every tick until the connection closes. A
// ping without pong within interval shuts the connection down.
func (c *connection) keepAlive(ticker *clock.Ticker, interval time.Duration) {
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(c.ctx, interval)
		err := c.conn.Ping(ctx)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				c.pool.log.Error("upstream.connection.keepAlive: ping failed",
					abstractlogger.String("url", c.url),
					abstractlogger.Error(err),
				)
				c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			}
			return
		}
	}
}

// readLoop routes the messages of the service to the streams by id.
func (c *connection) readLoop() {
	for {
		messageType, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.pool.log.Error("upstream.connection.readLoop: reading from service",
					abstractlogger.String("url", c.url),
					abstractlogger.Error(err),
				)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}
		if messageType != websocket.MessageText {
			continue
		}

		typ, err := jsonparser.GetString(data, "type")
		if err != nil {
			continue
		}
		if typ == messageTypeConnectionError {
			payload, _, _, _ := jsonparser.Get(data, "payload")
			c.shutdown(fmt.Errorf("connection error from %s: %s", c.url, payload))
			return
		}

		id, err := jsonparser.GetString(data, "id")
		if err != nil {
			continue
		}
		c.mu.Lock()
		stream, ok := c.streams[id]
		c.mu.Unlock()
		if !ok {
			continue
		}

		payload, _, _, _ := jsonparser.Get(data, "payload")
		switch typ {
		case messageTypeData:
			response := &fetch.Response{}
			if err := json.Unmarshal(payload, response); err != nil {
				stream.finish(err)
				c.release(stream, true)
				continue
			}
			stream.push(response)
		case messageTypeError:
			stream.finish(errorFromPayload(payload))
			c.release(stream, false)
		case messageTypeComplete:
			stream.finish(nil)
			c.release(stream, false)
		}
	}
}

func errorFromPayload(payload []byte) error {
	var errs []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &errs); err == nil && len(errs) > 0 {
		return errors.New(errs[0].Message)
	}
	var single struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &single); err == nil && single.Message != "" {
		return errors.New(single.Message)
	}
	return fmt.Errorf("subscription failed: %s", payload)
}

// shutdown ends every stream with err and closes the socket.
func (c *connection) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := c.streams
	c.streams = map[string]*Stream{}
	c.mu.Unlock()

	c.pool.remove(c)
	for _, stream := range streams {
		stream.finish(err)
	}
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
