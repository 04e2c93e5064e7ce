package pubsub

import (
	"context"

	"github.com/jensneuse/abstractlogger"
	"github.com/nats-io/nats.go"
)

// NATSEmitter uses core NATS subjects as topics.
type NATSEmitter struct {
	log  abstractlogger.Logger
	conn *nats.Conn
}

func NewNATSEmitter(url string, logger abstractlogger.Logger, options ...nats.Option) (*NATSEmitter, error) {
	options = append([]nats.Option{nats.Name("graphql-gateway")}, options...)
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, err
	}
	return NewNATSEmitterFromConn(conn, logger), nil
}

func NewNATSEmitterFromConn(conn *nats.Conn, logger abstractlogger.Logger) *NATSEmitter {
	return &NATSEmitter{
		log:  logger,
		conn: conn,
	}
}

func (n *NATSEmitter) Listen(_ context.Context, topic string, handler func(payload []byte)) (func() error, error) {
	subscription, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	n.log.Debug("NATSEmitter.Listen: subscribed",
		abstractlogger.String("subject", topic),
	)
	return subscription.Unsubscribe, nil
}

func (n *NATSEmitter) Emit(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

func (n *NATSEmitter) Close() error {
	return n.conn.Drain()
}

var _ Emitter = (*NATSEmitter)(nil)
