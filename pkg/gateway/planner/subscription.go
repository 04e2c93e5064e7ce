package planner

import (
	"context"
	"errors"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

var errNotASubscription = errors.New("operation is not a subscription")

// Subscription is a planned subscription operation. Every event it receives
// is completed by the entity fetches below the subscription field.
type Subscription struct {
	schema *federation.Schema
	plan   *plan
	root   *fetchNode
}

// PrepareSubscription plans a subscription operation against schema.
func (p *Planner) PrepareSubscription(schema *federation.Schema, request Request) (*Subscription, graphqlerrors.RequestErrors) {
	plan, errs := p.prepare(schema, request)
	if errs != nil {
		return nil, errs
	}
	if plan.operation.Operation != ast.Subscription {
		return nil, graphqlerrors.RequestErrors{graphqlerrors.ToRequestError(errNotASubscription, nil)}
	}

	var root *fetchNode
	for _, node := range plan.fetches {
		if node.kind == rootFetch {
			root = node
			break
		}
	}
	if root == nil {
		return nil, graphqlerrors.RequestErrors{{Message: "subscription has no field owned by a service"}}
	}

	return &Subscription{
		schema: schema,
		plan:   plan,
		root:   root,
	}, nil
}

// FieldName returns the name of the root subscription field.
func (s *Subscription) FieldName() string {
	return s.root.fields[0].field.name
}

// ServiceName returns the service owning the subscription field.
func (s *Subscription) ServiceName() string {
	return s.root.service
}

// SchemaVersion returns the version of the schema the subscription was planned on.
func (s *Subscription) SchemaVersion() uint64 {
	return s.schema.Version()
}

// UpstreamRequest returns the operation to subscribe to at the owning service.
func (s *Subscription) UpstreamRequest() fetch.Request {
	request := fetch.Request{
		Query:         s.root.query,
		OperationName: s.root.operationName,
	}
	if len(s.root.variables) > 0 {
		request.Variables = make(map[string]interface{}, len(s.root.variables))
		for _, name := range s.root.variables {
			if value, ok := s.plan.variables[name]; ok {
				request.Variables[name] = value
			}
		}
	}
	return request
}

// ResolveEvent completes an event received for UpstreamRequest.
func (p *Planner) ResolveEvent(ctx context.Context, subscription *Subscription, event *fetch.Response) *Response {
	e := newExecution(ctx, p, subscription.schema, subscription.plan)

	data, err := decodeData(event.Data)
	if err != nil {
		e.errors = append(e.errors, graphqlerrors.ToRequestError(err, nil))
	}
	if data != nil {
		mergeObject(e.data, data)
	}
	for _, requestErr := range event.Errors {
		e.errors = append(e.errors, downstreamError(subscription.root.service, requestErr, requestErr.Path))
	}

	return p.completeEvent(e, subscription)
}

// ResolveLocalEvent completes an event published by the gateway itself.
// payload holds the value of the subscription field keyed by its name.
func (p *Planner) ResolveLocalEvent(ctx context.Context, subscription *Subscription, payload map[string]interface{}) *Response {
	e := newExecution(ctx, p, subscription.schema, subscription.plan)
	for _, ff := range subscription.root.fields {
		e.data[ff.field.wireKey] = projectByName(cloneValue(payload[ff.field.name]), ff)
	}
	return p.completeEvent(e, subscription)
}

func (p *Planner) completeEvent(e *execution, subscription *Subscription) *Response {
	e.run(subscription.plan.fetches, map[*fetchNode]bool{subscription.root: true})
	return e.response()
}
