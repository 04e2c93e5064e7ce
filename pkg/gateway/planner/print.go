package planner

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
)

const representationsVariable = "representations"

type queryPrinter struct {
	schema    *federation.Schema
	buf       strings.Builder
	variables map[string]bool
}

// printFetch renders the upstream operation of a root or entity fetch.
// Variables used in arguments are forwarded with their original definitions.
func printFetch(schema *federation.Schema, operation *ast.OperationDefinition, node *fetchNode) {
	if node.kind == localFetch {
		return
	}

	p := &queryPrinter{
		schema:    schema,
		variables: map[string]bool{},
	}

	var body strings.Builder
	switch node.kind {
	case rootFetch:
		p.selections(node.fields)
		body.WriteString(p.buf.String())
	case entityFetch:
		var printed int
		for _, typeName := range node.typeOrder {
			et := node.types[typeName]
			if et.err != nil {
				continue
			}
			if printed == 0 {
				p.buf.WriteString("__typename")
			}
			printed++
			p.buf.WriteString(" ... on ")
			p.buf.WriteString(typeName)
			p.buf.WriteString(" {")
			p.selections(et.fields)
			p.buf.WriteString("}")
		}
		if printed == 0 {
			return
		}
		node.representationsVar = representationsVariableName(operation)
		body.WriteString("_entities(representations: $")
		body.WriteString(node.representationsVar)
		body.WriteString(") {")
		body.WriteString(p.buf.String())
		body.WriteString("}")
	}

	var query strings.Builder
	operationType := ast.Query
	if node.kind == rootFetch {
		operationType = operation.Operation
		node.operationName = operation.Name
	}
	query.WriteString(string(operationType))
	if node.operationName != "" {
		query.WriteString(" ")
		query.WriteString(node.operationName)
	}

	var definitions []string
	if node.representationsVar != "" {
		definitions = append(definitions, "$"+node.representationsVar+": [_Any!]!")
	}
	for _, definition := range operation.VariableDefinitions {
		if !p.variables[definition.Variable] {
			continue
		}
		node.variables = append(node.variables, definition.Variable)
		definitions = append(definitions, "$"+definition.Variable+": "+definition.Type.String())
	}
	if len(definitions) > 0 {
		query.WriteString("(")
		query.WriteString(strings.Join(definitions, ", "))
		query.WriteString(")")
	}

	query.WriteString(" {")
	query.WriteString(body.String())
	query.WriteString("}")
	node.query = query.String()
}

func representationsVariableName(operation *ast.OperationDefinition) string {
	name := representationsVariable
	for operation.VariableDefinitions.ForName(name) != nil {
		name += "_"
	}
	return name
}

func (p *queryPrinter) selections(fields []*fetchField) {
	if len(fields) == 0 {
		p.buf.WriteString("__typename")
		return
	}
	for i, ff := range fields {
		if i > 0 {
			p.buf.WriteString(" ")
		}
		p.field(ff)
	}
}

func (p *queryPrinter) field(ff *fetchField) {
	f := ff.field
	if f.wireKey != f.name {
		p.buf.WriteString(f.wireKey)
		p.buf.WriteString(": ")
	}
	p.buf.WriteString(f.name)

	if len(f.arguments) > 0 {
		p.buf.WriteString("(")
		for i, argument := range f.arguments {
			if i > 0 {
				p.buf.WriteString(", ")
			}
			p.buf.WriteString(argument.Name)
			p.buf.WriteString(": ")
			p.buf.WriteString(argument.Value.String())
			p.collectVariables(argument.Value)
		}
		p.buf.WriteString(")")
	}

	if ff.children == nil {
		return
	}

	p.buf.WriteString(" {")
	returnType := p.schema.AST().Types[f.definition.Type.Name()]
	if returnType != nil && !returnType.IsAbstractType() {
		p.selections(ff.children[returnType.Name])
		p.buf.WriteString("}")
		return
	}

	p.buf.WriteString("__typename")
	for _, typeName := range f.typeOrder {
		children := ff.children[typeName]
		if len(children) == 0 {
			continue
		}
		p.buf.WriteString(" ... on ")
		p.buf.WriteString(typeName)
		p.buf.WriteString(" {")
		p.selections(children)
		p.buf.WriteString("}")
	}
	p.buf.WriteString("}")
}

func (p *queryPrinter) collectVariables(value *ast.Value) {
	if value == nil {
		return
	}
	if value.Kind == ast.Variable {
		p.variables[value.Raw] = true
		return
	}
	for _, child := range value.Children {
		p.collectVariables(child.Value)
	}
}
