package federation

import (
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

// Schema is an immutable, versioned composition result. It must not be
// modified after Compose returned it.
type Schema struct {
	version  uint64
	sdl      string
	schema   *ast.Schema
	services []string
	warnings []error

	// fieldOwners maps "Type.field" to the owning service.
	fieldOwners map[string]string
	// typeOwners maps a type to every service defining or extending it.
	typeOwners  map[string][]string
	keys        map[string][]FieldSet
	serviceKeys map[string]map[string][]FieldSet
	requires    map[string]FieldSet
	provides    map[string]FieldSet
	stubs       map[string]bool
}

func (s *Schema) Version() uint64 {
	return s.version
}

// SDL returns the composed schema without the federation additions.
func (s *Schema) SDL() string {
	return s.sdl
}

// AST returns the validated schema including _entities and _service.
func (s *Schema) AST() *ast.Schema {
	return s.schema
}

// Services returns the names of the services that made it into the composition.
func (s *Schema) Services() []string {
	return s.services
}

// Warnings returns the composition errors of excluded, non-mandatory services.
func (s *Schema) Warnings() []error {
	return s.warnings
}

func (s *Schema) HasService(name string) bool {
	for _, service := range s.services {
		if service == name {
			return true
		}
	}
	return false
}

func (s *Schema) IsStub(typeName string) bool {
	return s.stubs[typeName]
}

func (s *Schema) FieldOwner(typeName, fieldName string) (string, bool) {
	owner, ok := s.fieldOwners[typeName+"."+fieldName]
	return owner, ok
}

func (s *Schema) TypeOwners(typeName string) []string {
	return s.typeOwners[typeName]
}

func (s *Schema) IsEntity(typeName string) bool {
	return len(s.keys[typeName]) > 0
}

// Keys returns every distinct @key field set declared for the type.
func (s *Schema) Keys(typeName string) []FieldSet {
	return s.keys[typeName]
}

// EntityKey returns the key used to build representations. Only types with
// exactly one distinct @key are resolvable across services.
func (s *Schema) EntityKey(typeName string) (FieldSet, error) {
	keys := s.keys[typeName]
	if len(keys) != 1 {
		return FieldSet{}, &graphqlerrors.EntityResolutionError{
			TypeName: typeName,
			Err:      graphqlerrors.ErrMissingEntityKey,
		}
	}
	return keys[0], nil
}

func (s *Schema) Requires(typeName, fieldName string) (FieldSet, bool) {
	fieldSet, ok := s.requires[typeName+"."+fieldName]
	return fieldSet, ok
}

func (s *Schema) Provides(typeName, fieldName string) (FieldSet, bool) {
	fieldSet, ok := s.provides[typeName+"."+fieldName]
	return fieldSet, ok
}

func (s *Schema) IsRootType(typeName string) bool {
	for _, root := range []*ast.Definition{s.schema.Query, s.schema.Mutation, s.schema.Subscription} {
		if root != nil && root.Name == typeName {
			return true
		}
	}
	return false
}

// CanResolve reports whether service can return fieldName on an object of
// typeName without help from another service.
func (s *Schema) CanResolve(service, typeName, fieldName string) bool {
	if fieldName == typenameFieldName {
		return true
	}
	if s.schema.Types[typeName] == nil {
		return false
	}

	owner, owned := s.FieldOwner(typeName, fieldName)
	if owned && owner == service {
		return true
	}
	if s.IsRootType(typeName) {
		return false
	}
	if !s.IsEntity(typeName) {
		// value types are resolved completely by the service returning them
		return true
	}

	keys := s.serviceKeys[service][typeName]
	if service == LocalServiceName {
		// representations carry every key field
		keys = s.keys[typeName]
	}
	for _, key := range keys {
		if key.Contains(fieldName) {
			return true
		}
	}
	return false
}

// PossibleTypes returns the object types an abstract type may resolve to.
func (s *Schema) PossibleTypes(typeName string) []string {
	def := s.schema.Types[typeName]
	if def == nil {
		return nil
	}
	possible := s.schema.GetPossibleTypes(def)
	names := make([]string, 0, len(possible))
	for _, possibleType := range possible {
		names = append(names, possibleType.Name)
	}
	return names
}

// Implements reports whether objectType satisfies the type condition typeName.
func (s *Schema) Implements(objectType, typeName string) bool {
	if objectType == typeName {
		return true
	}
	for _, possible := range s.PossibleTypes(typeName) {
		if possible == objectType {
			return true
		}
	}
	return false
}
