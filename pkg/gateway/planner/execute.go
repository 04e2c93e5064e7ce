package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/jensneuse/abstractlogger"
	"golang.org/x/sync/errgroup"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

type execution struct {
	ctx     context.Context
	planner *Planner
	schema  *federation.Schema
	plan    *plan

	mu     sync.Mutex
	data   map[string]interface{}
	errors graphqlerrors.RequestErrors
	header http.Header
}

type target struct {
	object map[string]interface{}
	path   graphqlerrors.ErrorPath
}

// representationGroup is one distinct representation and every object it
// was built from.
type representationGroup struct {
	representation map[string]interface{}
	targets        []target
}

type call struct {
	node    *fetchNode
	service *registry.Service
	request fetch.Request
	groups  []*representationGroup
}

func newExecution(ctx context.Context, planner *Planner, schema *federation.Schema, plan *plan) *execution {
	return &execution{
		ctx:     ctx,
		planner: planner,
		schema:  schema,
		plan:    plan,
		data:    map[string]interface{}{},
		header:  http.Header{},
	}
}

// run executes the fetches in waves. A wave holds every fetch whose
// dependencies are done; its calls are dispatched concurrently.
func (e *execution) run(fetches []*fetchNode, done map[*fetchNode]bool) {
	if done == nil {
		done = map[*fetchNode]bool{}
	}
	pending := fetches
	for len(pending) > 0 {
		var ready, rest []*fetchNode
		for _, node := range pending {
			if done[node] {
				continue
			}
			if dependenciesDone(node, done) {
				ready = append(ready, node)
			} else {
				rest = append(rest, node)
			}
		}
		if len(ready) == 0 {
			for _, node := range rest {
				e.planner.log.Error("execution.run: fetch has unresolvable dependencies",
					abstractlogger.String("service", node.service),
					abstractlogger.Int("fetch", node.id),
				)
				e.fail(node, nil, fmt.Errorf("fields of service '%s' could not be planned", node.service))
			}
			return
		}

		e.wave(ready)
		for _, node := range ready {
			done[node] = true
		}
		pending = rest
	}
}

func dependenciesDone(node *fetchNode, done map[*fetchNode]bool) bool {
	for _, dependency := range node.dependsOn {
		if !done[dependency] {
			return false
		}
	}
	return true
}

func (e *execution) wave(nodes []*fetchNode) {
	var (
		serviceOrder []string
		byService    = map[string][]*call{}
	)

	for _, node := range nodes {
		if node.kind == localFetch {
			e.resolveLocal(node)
			continue
		}

		service, ok := e.planner.services.Service(node.service)
		if !ok {
			e.fail(node, e.collectGroups(node), &graphqlerrors.ServiceUnavailableError{
				ServiceName: node.service,
				Err:         fmt.Errorf("service is not registered"),
			})
			continue
		}

		c := &call{
			node:    node,
			service: service,
			request: fetch.Request{
				Query:         node.query,
				OperationName: node.operationName,
				Variables:     e.forwardVariables(node),
			},
		}
		if node.kind == entityFetch {
			c.groups = e.collectGroups(node)
			if len(c.groups) == 0 {
				continue
			}
			representations := make([]interface{}, 0, len(c.groups))
			for _, group := range c.groups {
				representations = append(representations, group.representation)
			}
			if c.request.Variables == nil {
				c.request.Variables = map[string]interface{}{}
			}
			c.request.Variables[node.representationsVar] = representations
		}

		if _, ok := byService[node.service]; !ok {
			serviceOrder = append(serviceOrder, node.service)
		}
		byService[node.service] = append(byService[node.service], c)
	}

	var g errgroup.Group
	for _, name := range serviceOrder {
		calls := byService[name]
		if len(calls) > 1 && calls[0].service.Config().AllowBatchedQueries {
			g.Go(func() error {
				e.dispatchBatch(calls)
				return nil
			})
			continue
		}
		for _, c := range calls {
			c := c
			g.Go(func() error {
				e.dispatch(c)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (e *execution) forwardVariables(node *fetchNode) map[string]interface{} {
	if len(node.variables) == 0 {
		return nil
	}
	variables := make(map[string]interface{}, len(node.variables))
	for _, name := range node.variables {
		if value, ok := e.plan.variables[name]; ok {
			variables[name] = value
		}
	}
	return variables
}

func (e *execution) dispatch(c *call) {
	response, err := e.planner.fetcher.Do(e.ctx, c.service, c.request)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.merge(c, response, err)
}

// dispatchBatch sends all calls to one service as a single batched request
// and hands the responses back by position.
func (e *execution) dispatchBatch(calls []*call) {
	requests := make([]fetch.Request, 0, len(calls))
	for _, c := range calls {
		requests = append(requests, c.request)
	}
	responses, err := e.planner.fetcher.DoBatch(e.ctx, calls[0].service, requests)

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range calls {
		if err != nil {
			e.merge(c, nil, err)
			continue
		}
		e.merge(c, responses[i], nil)
	}
}

// merge grafts a response into the result tree. The caller holds e.mu.
func (e *execution) merge(c *call, response *fetch.Response, err error) {
	if err != nil {
		e.planner.log.Debug("execution.merge: fetch failed",
			abstractlogger.String("service", c.service.Name()),
			abstractlogger.Error(err),
		)
		e.fail(c.node, c.groups, err)
		return
	}

	if hook := c.service.Config().SetResponseHeaders; hook != nil {
		hook(e.ctx, response.Header, e.header)
	}

	data, err := decodeData(response.Data)
	if err != nil {
		e.fail(c.node, c.groups, &graphqlerrors.ServiceUnavailableError{ServiceName: c.service.Name(), Err: err})
		return
	}

	if c.node.kind != entityFetch {
		for _, requestErr := range response.Errors {
			e.errors = append(e.errors, downstreamError(c.service.Name(), requestErr, requestErr.Path))
		}
		if data != nil {
			mergeObject(e.data, data)
		}
		return
	}

	if data != nil {
		entities, _ := data["_entities"].([]interface{})
		if len(entities) != len(c.groups) {
			e.fail(c.node, c.groups, &graphqlerrors.EntityResolutionError{
				TypeName: c.node.typeOrder[0],
				Err:      fmt.Errorf("service '%s' returned %d entities for %d representations", c.service.Name(), len(entities), len(c.groups)),
			})
			return
		}
		for i, entity := range entities {
			object, ok := entity.(map[string]interface{})
			if !ok {
				continue
			}
			for _, t := range c.groups[i].targets {
				mergeObject(t.object, object)
			}
		}
	}

	for _, requestErr := range response.Errors {
		for _, path := range e.entityErrorPaths(c, requestErr.Path) {
			e.errors = append(e.errors, downstreamError(c.service.Name(), requestErr, path))
		}
	}
}

// entityErrorPaths maps ["_entities", i, ...] onto the client paths of every
// object representation i was built from. Errors without an entity index
// are reported at every object of the fetch.
func (e *execution) entityErrorPaths(c *call, path graphqlerrors.ErrorPath) []graphqlerrors.ErrorPath {
	if len(path) >= 2 && path[0] == "_entities" {
		if index, ok := pathIndex(path[1]); ok && index >= 0 && index < len(c.groups) {
			targets := c.groups[index].targets
			paths := make([]graphqlerrors.ErrorPath, 0, len(targets))
			for _, t := range targets {
				paths = append(paths, appendPath(t.path, path[2:]...))
			}
			return paths
		}
	}
	return e.fetchErrorPaths(c.node, c.groups)
}

// fetchErrorPaths returns the path of the first client field of node below
// each object the fetch resolves.
func (e *execution) fetchErrorPaths(node *fetchNode, groups []*representationGroup) []graphqlerrors.ErrorPath {
	field := func(path graphqlerrors.ErrorPath) graphqlerrors.ErrorPath {
		if f := node.firstClientField(); f != nil {
			return appendPath(path, f.responseKey)
		}
		return path
	}
	if node.kind != entityFetch {
		return []graphqlerrors.ErrorPath{field(nil)}
	}

	var paths []graphqlerrors.ErrorPath
	for _, group := range groups {
		for _, t := range group.targets {
			paths = append(paths, field(t.path))
		}
	}
	return paths
}

// fail reports err at the fields of a fetch which did not produce data.
func (e *execution) fail(node *fetchNode, groups []*representationGroup, err error) {
	if node.kind != entityFetch {
		for _, ff := range node.fields {
			if ff.field.hidden {
				continue
			}
			e.errors = append(e.errors, graphqlerrors.ToRequestError(err, graphqlerrors.ErrorPath{ff.field.responseKey}))
		}
		return
	}
	for _, path := range e.fetchErrorPaths(node, groups) {
		e.errors = append(e.errors, graphqlerrors.ToRequestError(err, path))
	}
}

func downstreamError(service string, requestErr graphqlerrors.RequestError, path graphqlerrors.ErrorPath) graphqlerrors.RequestError {
	extensions := make(map[string]interface{}, len(requestErr.Extensions)+2)
	for key, value := range requestErr.Extensions {
		extensions[key] = value
	}
	if _, ok := extensions["code"]; !ok {
		extensions["code"] = graphqlerrors.CodeDownstream
	}
	extensions["serviceName"] = service
	return graphqlerrors.RequestError{
		Message:    requestErr.Message,
		Locations:  requestErr.Locations,
		Path:       path,
		Extensions: extensions,
	}
}

// collectGroups builds the de-duplicated representations of an entity fetch
// from the objects at its path. Null parents and empty lists produce none.
func (e *execution) collectGroups(node *fetchNode) []*representationGroup {
	if node.kind != entityFetch {
		return nil
	}

	var targets []target
	collectTargets(e.data, node.path, nil, &targets)

	var groups []*representationGroup
	byKey := map[string]*representationGroup{}
	for _, t := range targets {
		typeName, _ := t.object[typenameField].(string)
		et, ok := node.types[typeName]
		if !ok {
			continue
		}
		if et.err != nil {
			for _, f := range et.failed {
				e.errors = append(e.errors, graphqlerrors.ToRequestError(et.err, appendPath(t.path, f.responseKey)))
			}
			continue
		}

		representation, ok := buildRepresentation(t.object, et)
		if !ok {
			continue
		}
		key, err := json.Marshal(representation)
		if err != nil {
			continue
		}
		group, ok := byKey[string(key)]
		if !ok {
			group = &representationGroup{representation: representation}
			byKey[string(key)] = group
			groups = append(groups, group)
		}
		group.targets = append(group.targets, t)
	}
	return groups
}

func collectTargets(value interface{}, path []string, errorPath graphqlerrors.ErrorPath, out *[]target) {
	switch value := value.(type) {
	case map[string]interface{}:
		if len(path) == 0 {
			*out = append(*out, target{object: value, path: errorPath})
			return
		}
		collectTargets(value[path[0]], path[1:], appendPath(errorPath, path[0]), out)
	case []interface{}:
		for i, item := range value {
			collectTargets(item, path, appendPath(errorPath, i), out)
		}
	}
}

func buildRepresentation(object map[string]interface{}, et *entityType) (map[string]interface{}, bool) {
	representation := map[string]interface{}{
		typenameField: et.typeName,
	}
	fieldSets := append([]federation.FieldSet{et.key}, et.requires...)
	for _, fieldSet := range fieldSets {
		for _, selection := range fieldSet.Selections {
			value, ok := readSelection(object, et.scope, selection)
			if !ok {
				return nil, false
			}
			representation[selection.Name] = value
		}
	}
	return representation, true
}

// readSelection reads a key or @requires field from a fetched object and
// renames it from its wire key to its field name.
func readSelection(object map[string]interface{}, scope *objectSelection, selection federation.FieldSelection) (interface{}, bool) {
	f := scope.lookup(selection.Name)
	if f == nil {
		return nil, false
	}
	value, ok := object[f.wireKey]
	if !ok {
		return nil, false
	}
	if len(selection.Selections) == 0 || value == nil {
		return value, true
	}
	return readNested(value, f, selection.Selections)
}

func readNested(value interface{}, f *field, selections []federation.FieldSelection) (interface{}, bool) {
	switch value := value.(type) {
	case []interface{}:
		out := make([]interface{}, 0, len(value))
		for _, item := range value {
			nested, ok := readNested(item, f, selections)
			if !ok {
				return nil, false
			}
			out = append(out, nested)
		}
		return out, true
	case map[string]interface{}:
		typeName, _ := value[typenameField].(string)
		scope := f.child(typeName)
		if scope == nil {
			return nil, false
		}
		out := make(map[string]interface{}, len(selections))
		for _, selection := range selections {
			nested, ok := readSelection(value, scope, selection)
			if !ok {
				return nil, false
			}
			out[selection.Name] = nested
		}
		return out, true
	case nil:
		return nil, true
	}
	return nil, false
}

func (e *execution) resolveLocal(node *fetchNode) {
	for _, ff := range node.fields {
		value, errs := e.resolveLocalField(ff.field)
		e.errors = append(e.errors, errs...)
		e.data[ff.field.wireKey] = projectByName(value, ff)
	}
}

// resolveLocalField resolves the root fields the gateway owns itself.
func (e *execution) resolveLocalField(f *field) (interface{}, graphqlerrors.RequestErrors) {
	switch f.name {
	case typenameField:
		return e.plan.root.typeName, nil
	case "_service":
		return map[string]interface{}{"sdl": e.schema.SDL()}, nil
	case "_entities":
		return e.resolveRepresentations(f)
	}
	return nil, graphqlerrors.RequestErrors{{
		Message: fmt.Sprintf("field '%s' cannot be resolved by the gateway", f.name),
		Path:    graphqlerrors.ErrorPath{f.responseKey},
	}}
}

func (e *execution) resolveRepresentations(f *field) (interface{}, graphqlerrors.RequestErrors) {
	argument := f.arguments.ForName("representations")
	if argument == nil {
		return []interface{}{}, nil
	}
	value, err := argument.Value.Value(e.plan.variables)
	if err != nil {
		return nil, graphqlerrors.RequestErrors{graphqlerrors.ToRequestError(err, graphqlerrors.ErrorPath{f.responseKey})}
	}
	list, _ := value.([]interface{})

	var errs graphqlerrors.RequestErrors
	out := make([]interface{}, len(list))
	for i, item := range list {
		representation, _ := item.(map[string]interface{})
		typeName, _ := representation[typenameField].(string)
		if representation == nil || !e.schema.IsEntity(typeName) {
			errs = append(errs, graphqlerrors.ToRequestError(
				&graphqlerrors.EntityResolutionError{TypeName: typeName, Err: graphqlerrors.ErrUnknownTypename},
				graphqlerrors.ErrorPath{f.responseKey, i},
			))
			continue
		}
		out[i] = representation
	}
	return out, errs
}

// projectByName turns a value keyed by field names into one keyed by the
// wire keys of the fetch selection.
func projectByName(value interface{}, ff *fetchField) interface{} {
	if ff.children == nil {
		return value
	}
	switch value := value.(type) {
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = projectByName(item, ff)
		}
		return out
	case map[string]interface{}:
		typeName, _ := value[typenameField].(string)
		fields, ok := ff.children[typeName]
		if !ok && len(ff.field.typeOrder) == 1 {
			typeName = ff.field.typeOrder[0]
			fields = ff.children[typeName]
		}
		out := make(map[string]interface{}, len(fields))
		for _, child := range fields {
			if child.field.name == typenameField {
				out[child.field.wireKey] = typeName
				continue
			}
			out[child.field.wireKey] = projectByName(value[child.field.name], child)
		}
		return out
	}
	return value
}

func decodeData(data json.RawMessage) (map[string]interface{}, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var out map[string]interface{}
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeObject deep merges src into dst.
func mergeObject(dst, src map[string]interface{}) {
	for key, value := range src {
		existing, ok := dst[key]
		if !ok || existing == nil {
			dst[key] = cloneValue(value)
			continue
		}
		dst[key] = mergeValue(existing, value)
	}
}

func mergeValue(dst, src interface{}) interface{} {
	switch src := src.(type) {
	case map[string]interface{}:
		if object, ok := dst.(map[string]interface{}); ok {
			mergeObject(object, src)
			return object
		}
	case []interface{}:
		if list, ok := dst.([]interface{}); ok && len(list) == len(src) {
			for i := range src {
				list[i] = mergeValue(list[i], src[i])
			}
			return list
		}
	}
	return cloneValue(src)
}

func cloneValue(value interface{}) interface{} {
	switch value := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for key, item := range value {
			out[key] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	}
	return value
}

func appendPath(path graphqlerrors.ErrorPath, elements ...interface{}) graphqlerrors.ErrorPath {
	out := make(graphqlerrors.ErrorPath, 0, len(path)+len(elements))
	out = append(out, path...)
	return append(out, elements...)
}

func pathIndex(element interface{}) (int, bool) {
	switch element := element.(type) {
	case int:
		return element, true
	case float64:
		return int(element), true
	case json.Number:
		index, err := strconv.Atoi(element.String())
		return index, err == nil
	}
	return 0, false
}
