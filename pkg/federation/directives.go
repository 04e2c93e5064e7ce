package federation

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

const (
	keyDirectiveName      = "key"
	externalDirectiveName = "external"
	requiresDirectiveName = "requires"
	providesDirectiveName = "provides"
	extendsDirectiveName  = "extends"
	fieldsArgumentName    = "fields"

	entitiesFieldName   = "_entities"
	serviceFieldName    = "_service"
	entityUnionName     = "_Entity"
	serviceTypeName     = "_Service"
	anyScalarName       = "_Any"
	fieldSetScalarName  = "_FieldSet"
	typenameFieldName   = "__typename"
	representationsName = "representations"
)

// LocalServiceName owns the root fields the gateway resolves on its own,
// _entities and _service as well as any locally declared SDL.
const LocalServiceName = "gateway"

// baseFederationSchema declares the federation directives as repeatable so the
// same @key or @extends may appear once per contributing service on one type.
const baseFederationSchema = `
scalar _Any
scalar _FieldSet

directive @external on FIELD_DEFINITION
directive @requires(fields: _FieldSet!) on FIELD_DEFINITION
directive @provides(fields: _FieldSet!) on FIELD_DEFINITION
directive @key(fields: _FieldSet!) repeatable on OBJECT | INTERFACE
directive @extends repeatable on OBJECT | INTERFACE
`

var federationPrelude = &ast.Source{
	Name:    "federation.graphql",
	Input:   baseFederationSchema,
	BuiltIn: true,
}

func isFederationDirective(name string) bool {
	switch name {
	case keyDirectiveName, externalDirectiveName, requiresDirectiveName, providesDirectiveName, extendsDirectiveName:
		return true
	}
	return false
}

func isFederationType(name string) bool {
	switch name {
	case anyScalarName, fieldSetScalarName, entityUnionName, serviceTypeName:
		return true
	}
	return false
}

func isFederationRootField(name string) bool {
	return name == entitiesFieldName || name == serviceFieldName
}

func isRootTypeName(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}

func hasDirective(directives ast.DirectiveList, name string) bool {
	return directives.ForName(name) != nil
}

func directiveFieldSets(directives ast.DirectiveList, name string) ([]FieldSet, error) {
	var out []FieldSet
	for _, directive := range directives.ForNames(name) {
		argument := directive.Arguments.ForName(fieldsArgumentName)
		if argument == nil || argument.Value == nil {
			return nil, errDirectiveWithoutFields(name)
		}
		fieldSet, err := ParseFieldSet(argument.Value.Raw)
		if err != nil {
			return nil, err
		}
		out = append(out, fieldSet)
	}
	return out, nil
}

func parseSchemaSource(name, input string) (*ast.SchemaDocument, error) {
	return parser.ParseSchema(&ast.Source{Name: name, Input: input, BuiltIn: true})
}
