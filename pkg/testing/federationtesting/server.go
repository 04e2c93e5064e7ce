// Package federationtesting runs federated services in memory for tests. A
// service is an SDL plus map based resolvers served by httptest.
package federationtesting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/validator"
	"go.uber.org/atomic"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

// FieldResolver resolves "Type.field". parent is nil for root fields.
type FieldResolver func(ctx context.Context, parent map[string]interface{}, args map[string]interface{}) (interface{}, error)

type Service struct {
	Name       string
	SDL        string
	Resolvers  map[string]FieldResolver
	References federation.ReferenceResolvers
}

type Request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

type response struct {
	Data   interface{}                 `json:"data"`
	Errors graphqlerrors.RequestErrors `json:"errors,omitempty"`
}

// Server serves one Service and records what it receives.
type Server struct {
	*httptest.Server

	service Service
	schema  *federation.ServiceSchema

	calls    atomic.Int64
	mu       sync.Mutex
	requests []Request
	headers  []http.Header
	// fail is the status code every request is answered with if set
	fail atomic.Int64

	wsConnections atomic.Int64
	pings         atomic.Int64
	initPayloads  []json.RawMessage
	subscriptions map[*wsSubscription]struct{}
}

func NewServer(t testing.TB, service Service) *Server {
	t.Helper()
	schema, err := federation.NewServiceSchema(service.SDL, service.References)
	if err != nil {
		t.Fatalf("federationtesting: service %s: %v", service.Name, err)
	}

	s := &Server{
		service:       service,
		schema:        schema,
		subscriptions: map[*wsSubscription]struct{}{},
	}
	s.Server = httptest.NewServer(s)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Name() string {
	return s.service.Name
}

// Calls returns the number of HTTP requests, a batch counts once.
func (s *Server) Calls() int {
	return int(s.calls.Load())
}

// Requests returns every operation received, batches are flattened.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Headers returns the headers of every HTTP request received.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Store(0)
	s.requests = nil
	s.headers = nil
}

// FailWith answers every following request with statusCode, 0 recovers.
func (s *Server) FailWith(statusCode int) {
	s.fail.Store(int64(statusCode))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	s.calls.Inc()
	if status := s.fail.Load(); status != 0 {
		w.WriteHeader(int(status))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Served-By", s.service.Name)

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var requests []Request
		if err := decode(body, &requests); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		responses := make([]response, 0, len(requests))
		for _, request := range requests {
			responses = append(responses, s.Execute(r.Context(), request))
		}
		_ = json.NewEncoder(w).Encode(responses)
		return
	}

	var request Request
	if err := decode(body, &request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(s.Execute(r.Context(), request))
}

func decode(data []byte, out interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(out)
}

// Execute runs request against the service schema.
func (s *Server) Execute(ctx context.Context, request Request) response {
	s.mu.Lock()
	s.requests = append(s.requests, request)
	s.mu.Unlock()
	return s.execute(ctx, request, nil)
}

// execute runs request, root fields without a resolver read their value from
// root.
func (s *Server) execute(ctx context.Context, request Request, root map[string]interface{}) response {
	doc, errs := gqlparser.LoadQuery(s.schema.Schema(), request.Query)
	if len(errs) > 0 {
		return response{Errors: graphqlerrors.FromGQLErrors(errs)}
	}

	operation := doc.Operations.ForName(request.OperationName)
	if operation == nil && len(doc.Operations) == 1 {
		operation = doc.Operations[0]
	}
	if operation == nil {
		return response{Errors: graphqlerrors.RequestErrors{{Message: "operation not found"}}}
	}

	variables, err := validator.VariableValues(s.schema.Schema(), operation, request.Variables)
	if err != nil {
		return response{Errors: graphqlerrors.RequestErrors{{Message: err.Error()}}}
	}

	rootType := s.schema.Schema().Query
	switch operation.Operation {
	case ast.Mutation:
		rootType = s.schema.Schema().Mutation
	case ast.Subscription:
		rootType = s.schema.Schema().Subscription
	}

	ex := &executor{
		ctx:       ctx,
		server:    s,
		variables: variables,
	}
	data := ex.object(rootType.Name, root, []ast.SelectionSet{operation.SelectionSet}, nil)
	return response{Data: data, Errors: ex.errors}
}

type executor struct {
	ctx       context.Context
	server    *Server
	variables map[string]interface{}
	errors    graphqlerrors.RequestErrors
}

func (ex *executor) object(typeName string, parent map[string]interface{}, sets []ast.SelectionSet, path graphqlerrors.ErrorPath) map[string]interface{} {
	var keys []string
	grouped := map[string][]*ast.Field{}
	for _, set := range sets {
		ex.collect(typeName, set, &keys, grouped)
	}

	out := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		fields := grouped[key]
		f := fields[0]
		fieldPath := append(append(graphqlerrors.ErrorPath{}, path...), key)

		value, err := ex.resolve(typeName, parent, f, fieldPath)
		if err != nil {
			ex.errors = append(ex.errors, graphqlerrors.ToRequestError(err, fieldPath))
			out[key] = nil
			continue
		}

		childSets := make([]ast.SelectionSet, 0, len(fields))
		for _, field := range fields {
			childSets = append(childSets, field.SelectionSet)
		}
		out[key] = ex.complete(value, f.Definition.Type, childSets, fieldPath)
	}
	return out
}

func (ex *executor) collect(typeName string, set ast.SelectionSet, keys *[]string, grouped map[string][]*ast.Field) {
	for _, selection := range set {
		switch selection := selection.(type) {
		case *ast.Field:
			key := selection.Alias
			if key == "" {
				key = selection.Name
			}
			if _, ok := grouped[key]; !ok {
				*keys = append(*keys, key)
			}
			grouped[key] = append(grouped[key], selection)
		case *ast.InlineFragment:
			if selection.TypeCondition == "" || ex.matches(typeName, selection.TypeCondition) {
				ex.collect(typeName, selection.SelectionSet, keys, grouped)
			}
		case *ast.FragmentSpread:
			if selection.Definition != nil && ex.matches(typeName, selection.Definition.TypeCondition) {
				ex.collect(typeName, selection.Definition.SelectionSet, keys, grouped)
			}
		}
	}
}

func (ex *executor) matches(typeName, condition string) bool {
	if typeName == condition {
		return true
	}
	schema := ex.server.schema.Schema()
	definition := schema.Types[condition]
	if definition == nil {
		return false
	}
	for _, possible := range schema.GetPossibleTypes(definition) {
		if possible.Name == typeName {
			return true
		}
	}
	return false
}

func (ex *executor) resolve(typeName string, parent map[string]interface{}, f *ast.Field, path graphqlerrors.ErrorPath) (interface{}, error) {
	if f.Name == "__typename" {
		return typeName, nil
	}

	schema := ex.server.schema
	if typeName == schema.Schema().Query.Name {
		switch f.Name {
		case "_service":
			return map[string]interface{}{"sdl": schema.SDL()}, nil
		case "_entities":
			return ex.entities(f, path), nil
		}
	}

	args := f.ArgumentMap(ex.variables)
	if resolver, ok := ex.server.service.Resolvers[typeName+"."+f.Name]; ok {
		return resolver(ex.ctx, parent, args)
	}
	if parent == nil {
		return nil, nil
	}
	return parent[f.Name], nil
}

func (ex *executor) entities(f *ast.Field, path graphqlerrors.ErrorPath) interface{} {
	raw, _ := f.ArgumentMap(ex.variables)["representations"].([]interface{})
	representations := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		representation, _ := item.(map[string]interface{})
		representations = append(representations, representation)
	}

	results, errs := ex.server.schema.ResolveEntities(ex.ctx, representations)
	for _, requestErr := range errs {
		// errors are reported at ["_entities", i], keep the alias of the field
		requestErr.Path = append(append(graphqlerrors.ErrorPath{}, path...), requestErr.Path[1:]...)
		ex.errors = append(ex.errors, requestErr)
	}
	return results
}

func (ex *executor) complete(value interface{}, fieldType *ast.Type, sets []ast.SelectionSet, path graphqlerrors.ErrorPath) interface{} {
	if value == nil {
		return nil
	}

	if fieldType.Elem != nil {
		list, ok := toList(value)
		if !ok {
			return nil
		}
		out := make([]interface{}, len(list))
		for i, item := range list {
			itemPath := append(append(graphqlerrors.ErrorPath{}, path...), i)
			out[i] = ex.complete(item, fieldType.Elem, sets, itemPath)
		}
		return out
	}

	definition := ex.server.schema.Schema().Types[fieldType.Name()]
	if definition == nil || !definition.IsCompositeType() {
		return value
	}

	object, ok := toObject(value)
	if !ok {
		return nil
	}
	typeName := definition.Name
	if definition.IsAbstractType() {
		typeName, _ = object["__typename"].(string)
	}
	return ex.object(typeName, object, sets, path)
}

func toList(value interface{}) ([]interface{}, bool) {
	if list, ok := value.([]interface{}); ok {
		return list, true
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var list []interface{}
	if err := decode(data, &list); err != nil {
		return nil, false
	}
	return list, true
}

func toObject(value interface{}) (map[string]interface{}, bool) {
	if object, ok := value.(map[string]interface{}); ok {
		return object, true
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var object map[string]interface{}
	if err := decode(data, &object); err != nil || object == nil {
		return nil, false
	}
	return object, true
}
