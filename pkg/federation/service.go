package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

// ReferenceResolver turns a representation into the full entity. It may block;
// a returned error and a panic are both reported as EntityResolutionError.
type ReferenceResolver func(ctx context.Context, representation map[string]interface{}) (interface{}, error)

type ReferenceResolvers map[string]ReferenceResolver

// identityResolver is used for entities without a custom reference resolver.
func identityResolver(_ context.Context, representation map[string]interface{}) (interface{}, error) {
	return representation, nil
}

// ServiceSchema is the schema a single federated service exposes: its own SDL
// plus _Entity, _Service, Query._entities and Query._service.
type ServiceSchema struct {
	sdl       string
	schema    *ast.Schema
	entities  []string
	resolvers map[string]ReferenceResolver
}

// NewServiceSchema validates sdl and builds the reference resolver table. A
// resolver registered for a type that is no entity of sdl is rejected.
func NewServiceSchema(sdl string, resolvers ReferenceResolvers) (*ServiceSchema, error) {
	definition := ServiceDefinition{Name: "service", SDL: sdl}
	if err := validateServiceSDL(definition); err != nil {
		return nil, &graphqlerrors.SchemaCompositionError{Err: err}
	}

	doc, err := parseServiceDocument(definition)
	if err != nil {
		return nil, &graphqlerrors.SchemaCompositionError{Err: err}
	}

	known := map[string]bool{}
	entitySet := map[string]bool{}
	for _, list := range []ast.DefinitionList{doc.Definitions, doc.Extensions} {
		for _, def := range list {
			if def.Kind == ast.Object && hasDirective(def.Directives, keyDirectiveName) {
				entitySet[def.Name] = true
			}
		}
	}
	for _, def := range doc.Definitions {
		known[def.Name] = true
	}
	for _, ext := range doc.Extensions {
		if !known[ext.Name] {
			known[ext.Name] = true
			doc.Definitions = append(doc.Definitions, stubFor(ext))
		}
	}

	entities := make([]string, 0, len(entitySet))
	for name := range entitySet {
		entities = append(entities, name)
	}
	sort.Strings(entities)

	additions, err := parseAdditions(entities)
	if err != nil {
		return nil, err
	}
	doc.Merge(additions)

	schema, err := validateDocument(doc)
	if err != nil {
		return nil, &graphqlerrors.SchemaCompositionError{Err: err}
	}

	table := make(map[string]ReferenceResolver, len(entities))
	for _, name := range entities {
		table[name] = identityResolver
	}
	for name, resolver := range resolvers {
		if !entitySet[name] {
			return nil, &graphqlerrors.EntityResolutionError{
				TypeName: name,
				Err:      fmt.Errorf("reference resolver registered for a type without @key"),
			}
		}
		table[name] = resolver
	}

	return &ServiceSchema{
		sdl:       sdl,
		schema:    schema,
		entities:  entities,
		resolvers: table,
	}, nil
}

func parseAdditions(entities []string) (*ast.SchemaDocument, error) {
	sd, err := parseSchemaSource("federation-additions.graphql", federationAdditions(entities))
	if err != nil {
		return nil, &graphqlerrors.SchemaCompositionError{Err: err}
	}
	return sd, nil
}

// SDL returns the SDL exactly as the service was built from, for Query._service.
func (s *ServiceSchema) SDL() string {
	return s.sdl
}

func (s *ServiceSchema) Schema() *ast.Schema {
	return s.schema
}

// EntityTypes returns the members of the _Entity union.
func (s *ServiceSchema) EntityTypes() []string {
	return s.entities
}

// ResolveEntities implements Query._entities. The result has one entry per
// representation in input order; an entry that failed to resolve is nil and
// has an error at path ["_entities", index].
func (s *ServiceSchema) ResolveEntities(ctx context.Context, representations []map[string]interface{}) ([]interface{}, graphqlerrors.RequestErrors) {
	results := make([]interface{}, len(representations))
	var errs graphqlerrors.RequestErrors
	for i, representation := range representations {
		entity, err := s.resolveEntity(ctx, representation)
		if err != nil {
			errs = append(errs, graphqlerrors.ToRequestError(err, graphqlerrors.ErrorPath{entitiesFieldName, i}))
			continue
		}
		results[i] = entity
	}
	return results, errs
}

func (s *ServiceSchema) resolveEntity(ctx context.Context, representation map[string]interface{}) (entity interface{}, err error) {
	typeName, _ := representation[typenameFieldName].(string)
	resolver, ok := s.resolvers[typeName]
	if !ok {
		return nil, &graphqlerrors.EntityResolutionError{TypeName: typeName, Err: graphqlerrors.ErrUnknownTypename}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			entity = nil
			err = &graphqlerrors.EntityResolutionError{TypeName: typeName, Err: fmt.Errorf("reference resolver panicked: %v", recovered)}
		}
	}()

	result, err := resolver(ctx, representation)
	if err != nil {
		return nil, &graphqlerrors.EntityResolutionError{TypeName: typeName, Err: err}
	}
	if result == nil {
		return nil, nil
	}

	object, err := toObject(result)
	if err != nil {
		return nil, &graphqlerrors.EntityResolutionError{TypeName: typeName, Err: err}
	}
	object[typenameFieldName] = typeName
	return object, nil
}

func toObject(value interface{}) (map[string]interface{}, error) {
	if object, ok := value.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(object)+1)
		for key, fieldValue := range object {
			out[key] = fieldValue
		}
		return out, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("reference resolver must return an object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("reference resolver must return an object")
	}
	return out, nil
}
