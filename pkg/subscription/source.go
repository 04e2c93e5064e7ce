package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/planner"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
	"github.com/jensneuse/graphql-gateway/pkg/pubsub"
	"github.com/jensneuse/graphql-gateway/pkg/subscription/upstream"
)

var errNoUpstream = errors.New("no upstream configured for remote subscriptions")

// eventSource yields the completed responses of one subscription. Next
// returns io.EOF once the source is exhausted.
type eventSource interface {
	Next(ctx context.Context) (*planner.Response, error)
	Close()
}

// open subscribes to the topic bound to the subscription field or, if there is
// none, to the service owning it.
func (h *Hub) open(subscription *activeSubscription, initPayload json.RawMessage) (eventSource, error) {
	operation := subscription.operation
	field := operation.FieldName()

	if local, ok := h.options.LocalSubscriptions[field]; ok && h.options.PubSub != nil {
		topicSubscription, err := h.options.PubSub.Subscribe(subscription.ctx, local.Topic)
		if err != nil {
			return nil, fmt.Errorf("subscribing to topic '%s': %w", local.Topic, err)
		}
		return &localSource{
			hub:          h,
			subscription: subscription,
			local:        local,
			topic:        topicSubscription,
		}, nil
	}

	if h.options.Upstream == nil {
		return nil, errNoUpstream
	}
	service, ok := h.services.Service(operation.ServiceName())
	if !ok {
		return nil, fmt.Errorf("service '%s' is not registered", operation.ServiceName())
	}
	target, err := upstream.TargetFor(subscription.ctx, service, initPayload)
	if err != nil {
		return nil, err
	}
	stream, err := h.options.Upstream.Subscribe(subscription.ctx, target, operation.UpstreamRequest())
	if err != nil {
		return nil, &graphqlerrors.ServiceUnavailableError{
			ServiceName: service.Name(),
			URL:         target.URL,
			Err:         err,
		}
	}
	h.log.Debug("subscription.Hub.open: proxying subscription",
		abstractlogger.String("service", service.Name()),
		abstractlogger.String("field", field),
	)
	return &remoteSource{
		hub:          h,
		subscription: subscription,
		stream:       stream,
	}, nil
}

type localSource struct {
	hub          *Hub
	subscription *activeSubscription
	local        LocalSubscription
	topic        *pubsub.Subscription
}

func (s *localSource) Next(ctx context.Context) (*planner.Response, error) {
	field := s.subscription.operation.FieldName()
	for {
		data, err := s.topic.Next(ctx)
		if errors.Is(err, pubsub.ErrSubscriptionClosed) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		payload, err := decodeLocalEvent(field, data)
		if err != nil {
			return nil, fmt.Errorf("decoding event of topic '%s': %w", s.local.Topic, err)
		}
		if s.local.Filter != nil && !s.local.Filter(payload, s.subscription.request.Variables) {
			continue
		}
		return s.hub.executor.ResolveLocalEvent(ctx, s.subscription.operation, payload), nil
	}
}

func (s *localSource) Close() {
	s.topic.Close()
}

// decodeLocalEvent keys the published value by field unless it already is an
// object holding field.
func decodeLocalEvent(field string, data []byte) (map[string]interface{}, error) {
	var value interface{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if object, ok := value.(map[string]interface{}); ok {
		if _, ok := object[field]; ok {
			return object, nil
		}
	}
	return map[string]interface{}{field: value}, nil
}

type remoteSource struct {
	hub          *Hub
	subscription *activeSubscription
	stream       *upstream.Stream
}

func (s *remoteSource) Next(ctx context.Context) (*planner.Response, error) {
	event, err := s.stream.Next(ctx)
	if err != nil {
		return nil, err
	}
	return s.hub.executor.ResolveEvent(ctx, s.subscription.operation, event), nil
}

func (s *remoteSource) Close() {
	s.stream.Close()
}
