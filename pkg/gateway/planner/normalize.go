package planner

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
)

const typenameField = "__typename"

var errOperationNameRequired = errors.New("operation name is required when the document contains more than one operation")

// field is a normalized selection: fragments are inlined, @skip/@include are
// applied and equal response keys are merged.
type field struct {
	name        string
	responseKey string
	// wireKey is the alias the field is fetched under. It equals the
	// response key for client fields.
	wireKey    string
	hidden     bool
	definition *ast.FieldDefinition
	arguments  ast.ArgumentList
	// children holds one selection per possible object type, nil for leafs
	children  map[string]*objectSelection
	typeOrder []string

	sets []ast.SelectionSet
}

// objectSelection is the selection on one concrete object type. All fetches
// writing into an object of this position share its wire keys.
type objectSelection struct {
	typeName string
	fields   []*field
}

func (o *objectSelection) byResponseKey(key string) *field {
	for _, f := range o.fields {
		if !f.hidden && f.responseKey == key {
			return f
		}
	}
	return nil
}

func (o *objectSelection) byWireKey(key string) *field {
	for _, f := range o.fields {
		if f.wireKey == key {
			return f
		}
	}
	return nil
}

// lookup returns the field which holds the plain value of name.
func (o *objectSelection) lookup(name string) *field {
	for _, f := range o.fields {
		if f.name == name && len(f.arguments) == 0 {
			return f
		}
	}
	return nil
}

// child returns the selection for an object of typeName below f.
func (f *field) child(typeName string) *objectSelection {
	if selection, ok := f.children[typeName]; ok {
		return selection
	}
	if len(f.typeOrder) == 1 {
		return f.children[f.typeOrder[0]]
	}
	return nil
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	if name == "" {
		if len(doc.Operations) != 1 {
			return nil, errOperationNameRequired
		}
		return doc.Operations[0], nil
	}
	operation := doc.Operations.ForName(name)
	if operation == nil {
		return nil, fmt.Errorf("unknown operation named '%s'", name)
	}
	return operation, nil
}

type normalizer struct {
	schema    *federation.Schema
	variables map[string]interface{}
}

func normalize(schema *federation.Schema, operation *ast.OperationDefinition, variables map[string]interface{}) (*objectSelection, error) {
	var root *ast.Definition
	switch operation.Operation {
	case ast.Mutation:
		root = schema.AST().Mutation
	case ast.Subscription:
		root = schema.AST().Subscription
	default:
		root = schema.AST().Query
	}
	if root == nil {
		return nil, fmt.Errorf("schema does not support %s operations", operation.Operation)
	}

	n := &normalizer{
		schema:    schema,
		variables: variables,
	}
	return n.selection(root.Name, []ast.SelectionSet{operation.SelectionSet})
}

func (n *normalizer) selection(typeName string, sets []ast.SelectionSet) (*objectSelection, error) {
	selection := &objectSelection{typeName: typeName}
	for _, set := range sets {
		if err := n.collect(selection, set); err != nil {
			return nil, err
		}
	}
	for _, f := range selection.fields {
		if err := n.children(f); err != nil {
			return nil, err
		}
		f.sets = nil
	}
	return selection, nil
}

func (n *normalizer) collect(selection *objectSelection, set ast.SelectionSet) error {
	for _, item := range set {
		switch item := item.(type) {
		case *ast.Field:
			skip, err := n.skipped(item.Directives)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			key := item.Alias
			if key == "" {
				key = item.Name
			}
			if existing := selection.byResponseKey(key); existing != nil {
				existing.sets = append(existing.sets, item.SelectionSet)
				continue
			}
			definition := n.fieldDefinition(selection.typeName, item.Name)
			if definition == nil {
				return fmt.Errorf("field '%s' does not exist on type '%s'", item.Name, selection.typeName)
			}
			selection.fields = append(selection.fields, &field{
				name:        item.Name,
				responseKey: key,
				wireKey:     key,
				definition:  definition,
				arguments:   item.Arguments,
				sets:        []ast.SelectionSet{item.SelectionSet},
			})
		case *ast.InlineFragment:
			skip, err := n.skipped(item.Directives)
			if err != nil {
				return err
			}
			if skip || (item.TypeCondition != "" && !n.schema.Implements(selection.typeName, item.TypeCondition)) {
				continue
			}
			if err := n.collect(selection, item.SelectionSet); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			skip, err := n.skipped(item.Directives)
			if err != nil {
				return err
			}
			if skip || item.Definition == nil || !n.schema.Implements(selection.typeName, item.Definition.TypeCondition) {
				continue
			}
			if err := n.collect(selection, item.Definition.SelectionSet); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *normalizer) children(f *field) error {
	returnType := n.schema.AST().Types[f.definition.Type.Name()]
	if returnType == nil || !returnType.IsCompositeType() {
		return nil
	}

	possible := []string{returnType.Name}
	if returnType.IsAbstractType() {
		possible = n.schema.PossibleTypes(returnType.Name)
	}

	f.children = make(map[string]*objectSelection, len(possible))
	f.typeOrder = possible
	for _, typeName := range possible {
		child, err := n.selection(typeName, f.sets)
		if err != nil {
			return err
		}
		f.children[typeName] = child
	}
	return nil
}

func (n *normalizer) fieldDefinition(typeName, fieldName string) *ast.FieldDefinition {
	return fieldDefinition(n.schema, typeName, fieldName)
}

func fieldDefinition(schema *federation.Schema, typeName, fieldName string) *ast.FieldDefinition {
	if fieldName == typenameField {
		return &ast.FieldDefinition{
			Name: typenameField,
			Type: ast.NonNullNamedType("String", nil),
		}
	}
	definition := schema.AST().Types[typeName]
	if definition == nil {
		return nil
	}
	return definition.Fields.ForName(fieldName)
}

// skipped evaluates @skip and @include.
func (n *normalizer) skipped(directives ast.DirectiveList) (bool, error) {
	for _, directive := range directives {
		var skipIf bool
		switch directive.Name {
		case "skip":
			skipIf = true
		case "include":
			skipIf = false
		default:
			continue
		}
		argument := directive.Arguments.ForName("if")
		if argument == nil {
			return false, fmt.Errorf("directive @%s requires argument 'if'", directive.Name)
		}
		value, err := argument.Value.Value(n.variables)
		if err != nil {
			return false, err
		}
		condition, ok := value.(bool)
		if !ok {
			return false, fmt.Errorf("argument 'if' of directive @%s must be a boolean", directive.Name)
		}
		if condition == skipIf {
			return true, nil
		}
	}
	return false, nil
}

// hiddenField returns the field which fetches the plain value of name at this
// position, adding a hidden one if the client did not select it. Nested
// selections are added the same way.
func (o *objectSelection) hiddenField(schema *federation.Schema, name string, selections []federation.FieldSelection) *field {
	f := o.lookup(name)
	if f == nil {
		definition := fieldDefinition(schema, o.typeName, name)
		if definition == nil {
			return nil
		}
		f = &field{
			name:        name,
			responseKey: name,
			wireKey:     o.uniqueWireKey(name),
			hidden:      true,
			definition:  definition,
		}
		if returnType := schema.AST().Types[definition.Type.Name()]; returnType != nil && returnType.IsCompositeType() {
			possible := []string{returnType.Name}
			if returnType.IsAbstractType() {
				possible = schema.PossibleTypes(returnType.Name)
			}
			f.children = make(map[string]*objectSelection, len(possible))
			f.typeOrder = possible
			for _, typeName := range possible {
				f.children[typeName] = &objectSelection{typeName: typeName}
			}
		}
		o.fields = append(o.fields, f)
	}

	for _, selection := range selections {
		for _, typeName := range f.typeOrder {
			f.children[typeName].hiddenField(schema, selection.Name, selection.Selections)
		}
	}
	return f
}

// uniqueWireKey namespaces name by occurrence index if a field with another
// name or other arguments already uses it.
func (o *objectSelection) uniqueWireKey(name string) string {
	if o.byWireKey(name) == nil {
		return name
	}
	for i := len(o.fields); ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if o.byWireKey(candidate) == nil {
			return candidate
		}
	}
}
