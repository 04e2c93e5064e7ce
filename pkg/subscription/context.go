package subscription

import (
	"context"
	"net/http"
	"sort"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/planner"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

// InitialHttpRequestContext carries the upgrade request of a connection.
type InitialHttpRequestContext struct {
	context.Context
	Request *http.Request
}

func NewInitialHttpRequestContext(r *http.Request) *InitialHttpRequestContext {
	return &InitialHttpRequestContext{
		Context: r.Context(),
		Request: r,
	}
}

// activeSubscription is a RUNNING subscription of a connection.
type activeSubscription struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	operation *planner.Subscription
	request   planner.Request
}

// subscriptions holds the running subscriptions of one connection by client id.
type subscriptions map[string]*activeSubscription

func (s subscriptions) add(parent context.Context, id string, operation *planner.Subscription, request planner.Request) (*activeSubscription, error) {
	if _, ok := s[id]; ok {
		return nil, graphqlerrors.ErrDuplicateSubscriberID
	}
	ctx, cancel := context.WithCancel(parent)
	subscription := &activeSubscription{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		operation: operation,
		request:   request,
	}
	s[id] = subscription
	return subscription, nil
}

// isActive reports whether subscription is still registered under its id.
func (s subscriptions) isActive(subscription *activeSubscription) bool {
	return s[subscription.id] == subscription
}

func (s subscriptions) remove(id string) (*activeSubscription, bool) {
	subscription, ok := s[id]
	if !ok {
		return nil, false
	}
	subscription.cancel()
	delete(s, id)
	return subscription, true
}

func (s subscriptions) ids() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
