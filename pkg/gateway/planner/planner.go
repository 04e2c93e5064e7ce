// Package planner executes client operations against a composed federated
// schema. An operation is split into fetches per owning service, entity
// fetches are issued through _entities and the results are stitched back
// into the shape the client asked for.
package planner

import (
	"context"
	"net/http"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jensneuse/abstractlogger"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
	_ "github.com/vektah/gqlparser/v2/validator/rules"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

const DefaultDocumentCacheSize = 1024

// Request is a client operation.
type Request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

// Response is always a complete GraphQL response, data may be nil.
type Response struct {
	Data   interface{}                `json:"data"`
	Errors graphqlerrors.RequestErrors `json:"errors,omitempty"`
	// Header collects the outward headers set by SetResponseHeaders hooks.
	Header http.Header `json:"-"`
}

// Fetcher sends GraphQL requests to a service.
type Fetcher interface {
	Do(ctx context.Context, service *registry.Service, request fetch.Request) (*fetch.Response, error)
	DoBatch(ctx context.Context, service *registry.Service, requests []fetch.Request) ([]*fetch.Response, error)
}

// ServiceLookup resolves service names of the schema to their descriptors.
type ServiceLookup interface {
	Service(name string) (*registry.Service, bool)
}

type Planner struct {
	services  ServiceLookup
	fetcher   Fetcher
	log       abstractlogger.Logger
	documents *lru.Cache
}

type Option func(options *options)

type options struct {
	logger    abstractlogger.Logger
	cacheSize int
}

func WithLogger(logger abstractlogger.Logger) Option {
	return func(options *options) {
		options.logger = logger
	}
}

func WithDocumentCacheSize(size int) Option {
	return func(options *options) {
		options.cacheSize = size
	}
}

func New(services ServiceLookup, fetcher Fetcher, opts ...Option) (*Planner, error) {
	o := options{
		logger:    abstractlogger.Noop{},
		cacheSize: DefaultDocumentCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	documents, err := lru.New(o.cacheSize)
	if err != nil {
		return nil, err
	}

	return &Planner{
		services:  services,
		fetcher:   fetcher,
		log:       o.logger,
		documents: documents,
	}, nil
}

type documentKey struct {
	version uint64
	hash    uint64
}

// document returns the parsed and validated query. Valid documents are cached
// per schema version.
func (p *Planner) document(schema *federation.Schema, query string) (*ast.QueryDocument, graphqlerrors.RequestErrors) {
	key := documentKey{version: schema.Version(), hash: xxhash.Sum64String(query)}
	if cached, ok := p.documents.Get(key); ok {
		return cached.(*ast.QueryDocument), nil
	}

	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		if gqlErr, ok := err.(*gqlerror.Error); ok {
			return nil, graphqlerrors.FromGQLErrors(gqlerror.List{gqlErr})
		}
		return nil, graphqlerrors.FromGQLErrors(gqlerror.List{gqlerror.Wrap(err)})
	}
	if errs := validator.Validate(schema.AST(), doc); len(errs) > 0 {
		return nil, graphqlerrors.FromGQLErrors(errs)
	}

	p.documents.Add(key, doc)
	return doc, nil
}

// prepare parses, validates and plans a request.
func (p *Planner) prepare(schema *federation.Schema, request Request) (*plan, graphqlerrors.RequestErrors) {
	doc, errs := p.document(schema, request.Query)
	if errs != nil {
		return nil, errs
	}

	operation, err := selectOperation(doc, request.OperationName)
	if err != nil {
		return nil, graphqlerrors.RequestErrors{graphqlerrors.ToRequestError(err, nil)}
	}

	variables, err := validator.VariableValues(schema.AST(), operation, request.Variables)
	if err != nil {
		if gqlErr, ok := err.(*gqlerror.Error); ok {
			return nil, graphqlerrors.FromGQLErrors(gqlerror.List{gqlErr})
		}
		return nil, graphqlerrors.RequestErrors{graphqlerrors.ToRequestError(err, nil)}
	}

	root, err := normalize(schema, operation, variables)
	if err != nil {
		return nil, graphqlerrors.RequestErrors{graphqlerrors.ToRequestError(err, nil)}
	}

	return buildPlan(schema, operation, root, variables), nil
}

// Execute runs the operation against schema. Failing services produce errors
// at the affected paths while the rest of the result is still returned.
func (p *Planner) Execute(ctx context.Context, schema *federation.Schema, request Request) *Response {
	plan, errs := p.prepare(schema, request)
	if errs != nil {
		return &Response{Errors: errs, Header: http.Header{}}
	}
	if plan.operation.Operation == ast.Subscription {
		return &Response{
			Errors: graphqlerrors.RequestErrors{{Message: "subscriptions must be sent over a websocket connection"}},
			Header: http.Header{},
		}
	}

	e := newExecution(ctx, p, schema, plan)
	e.run(plan.fetches, nil)
	return e.response()
}
