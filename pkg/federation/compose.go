// Package federation composes the SDLs of several federated services into one
// schema and provides the service side _entities and _service support.
package federation

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jensneuse/abstractlogger"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

// ServiceDefinition is the raw input of one service to the composition.
type ServiceDefinition struct {
	Name      string
	SDL       string
	Mandatory bool
}

type ComposeOptions struct {
	Logger  abstractlogger.Logger
	Version uint64
}

type ComposeOption func(options *ComposeOptions)

func WithLogger(logger abstractlogger.Logger) ComposeOption {
	return func(options *ComposeOptions) {
		options.Logger = logger
	}
}

func WithVersion(version uint64) ComposeOption {
	return func(options *ComposeOptions) {
		options.Version = version
	}
}

// Compose merges the service SDLs into one federated schema.
// A service with an invalid SDL is excluded from the result and reported as a
// warning unless it is mandatory, in which case composition fails. Composition
// fails as well if no valid service remains.
func Compose(definitions []ServiceDefinition, options ...ComposeOption) (*Schema, error) {
	opts := ComposeOptions{
		Logger: abstractlogger.Noop{},
	}
	for _, option := range options {
		option(&opts)
	}

	var (
		valid    []ServiceDefinition
		warnings []error
	)

	seen := make(map[string]bool, len(definitions))
	for _, definition := range definitions {
		if seen[definition.Name] {
			return nil, &graphqlerrors.SchemaCompositionError{
				ServiceName: definition.Name,
				Mandatory:   definition.Mandatory,
				Err:         errors.New("service name is not unique"),
			}
		}
		seen[definition.Name] = true

		if err := validateServiceSDL(definition); err != nil {
			compositionErr := &graphqlerrors.SchemaCompositionError{
				ServiceName: definition.Name,
				Mandatory:   definition.Mandatory,
				Err:         err,
			}
			if definition.Mandatory {
				return nil, compositionErr
			}
			opts.Logger.Warn("federation.Compose: excluding service with invalid schema",
				abstractlogger.String("service", definition.Name),
				abstractlogger.Error(err),
			)
			warnings = append(warnings, compositionErr)
			continue
		}
		valid = append(valid, definition)
	}

	for {
		if len(valid) == 0 {
			return nil, &graphqlerrors.SchemaCompositionError{Err: graphqlerrors.ErrNoValidServices}
		}

		schema, culprit, err := compose(valid, opts.Version)
		if err == nil {
			schema.warnings = warnings
			return schema, nil
		}
		if culprit < 0 {
			return nil, &graphqlerrors.SchemaCompositionError{Err: err}
		}

		compositionErr := &graphqlerrors.SchemaCompositionError{
			ServiceName: valid[culprit].Name,
			Mandatory:   valid[culprit].Mandatory,
			Err:         err,
		}
		if valid[culprit].Mandatory {
			return nil, compositionErr
		}

		opts.Logger.Warn("federation.Compose: excluding service conflicting with the composed schema",
			abstractlogger.String("service", valid[culprit].Name),
			abstractlogger.Error(err),
		)
		warnings = append(warnings, compositionErr)
		valid = append(valid[:culprit:culprit], valid[culprit+1:]...)
	}
}

func compose(definitions []ServiceDefinition, version uint64) (*Schema, int, error) {
	// validation folds extensions into their base definitions in place,
	// so every validation pass works on freshly parsed documents
	printable, culprit, err := buildComposition(definitions)
	if err != nil {
		return nil, culprit, err
	}
	printableSchema, err := validateDocument(printable.doc)
	if err != nil {
		return nil, blameService(err, definitions), err
	}

	buf := &bytes.Buffer{}
	formatter.NewFormatter(buf, formatter.WithIndent("  ")).FormatSchema(printableSchema)

	served, _, err := buildComposition(definitions)
	if err != nil {
		return nil, -1, err
	}
	additions, err := parseSchemaSource("federation-additions.graphql", federationAdditions(served.entityTypes()))
	if err != nil {
		return nil, -1, err
	}
	served.doc.Merge(additions)

	servedSchema, err := validateDocument(served.doc)
	if err != nil {
		return nil, blameService(err, definitions), err
	}

	served.fieldOwners["Query."+entitiesFieldName] = LocalServiceName
	served.fieldOwners["Query."+serviceFieldName] = LocalServiceName

	names := make([]string, 0, len(definitions))
	for _, definition := range definitions {
		names = append(names, definition.Name)
	}

	return &Schema{
		version:     version,
		sdl:         buf.String(),
		schema:      servedSchema,
		services:    names,
		fieldOwners: served.fieldOwners,
		typeOwners:  served.typeOwners,
		keys:        served.keys,
		serviceKeys: served.serviceKeys,
		requires:    served.requires,
		provides:    served.provides,
		stubs:       served.stubs,
	}, -1, nil
}

func federationAdditions(entities []string) string {
	var builder strings.Builder
	builder.WriteString("type _Service {\n  sdl: String\n}\n")
	if len(entities) == 0 {
		builder.WriteString("extend type Query {\n  _service: _Service!\n}\n")
		return builder.String()
	}
	builder.WriteString("union _Entity = ")
	builder.WriteString(strings.Join(entities, " | "))
	builder.WriteString("\nextend type Query {\n  _entities(representations: [_Any!]!): [_Entity]!\n  _service: _Service!\n}\n")
	return builder.String()
}

func validateDocument(doc *ast.SchemaDocument) (*ast.Schema, error) {
	sd, err := parser.ParseSchemas(validator.Prelude, federationPrelude)
	if err != nil {
		return nil, err
	}
	sd.Merge(doc)
	return validator.ValidateSchemaDocument(sd)
}

func blameService(err error, definitions []ServiceDefinition) int {
	var gqlErr *gqlerror.Error
	if !errors.As(err, &gqlErr) {
		return -1
	}
	file, ok := gqlErr.Extensions["file"].(string)
	if !ok {
		return -1
	}
	for i := range definitions {
		if definitions[i].Name == file {
			return i
		}
	}
	return -1
}

// parseServiceDocument parses a service SDL and removes everything the
// federation prelude declares on its own.
func parseServiceDocument(definition ServiceDefinition) (*ast.SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: definition.Name, Input: definition.SDL})
	if err != nil {
		return nil, err
	}

	directives := make(ast.DirectiveDefinitionList, 0, len(doc.Directives))
	for _, directive := range doc.Directives {
		if isFederationDirective(directive.Name) {
			continue
		}
		directives = append(directives, directive)
	}
	doc.Directives = directives
	doc.Definitions = withoutFederationTypes(doc.Definitions)
	doc.Extensions = withoutFederationTypes(doc.Extensions)
	return doc, nil
}

func withoutFederationTypes(definitions ast.DefinitionList) ast.DefinitionList {
	out := make(ast.DefinitionList, 0, len(definitions))
	for _, definition := range definitions {
		if isFederationType(definition.Name) {
			continue
		}
		if definition.Name == "Query" {
			fields := make(ast.FieldList, 0, len(definition.Fields))
			for _, field := range definition.Fields {
				if isFederationRootField(field.Name) {
					continue
				}
				fields = append(fields, field)
			}
			definition.Fields = fields
		}
		out = append(out, definition)
	}
	return out
}

// validateServiceSDL checks a single SDL on its own. Extensions without a base
// in the same SDL get an empty stub so they validate standalone.
func validateServiceSDL(definition ServiceDefinition) error {
	doc, err := parseServiceDocument(definition)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(doc.Definitions))
	for _, def := range doc.Definitions {
		known[def.Name] = true
	}
	for _, ext := range doc.Extensions {
		if known[ext.Name] {
			continue
		}
		known[ext.Name] = true
		doc.Definitions = append(doc.Definitions, stubFor(ext))
	}

	schema, err := validateDocument(doc)
	if err != nil {
		return err
	}
	return validateFederationDirectives(schema)
}

func stubFor(extension *ast.Definition) *ast.Definition {
	return &ast.Definition{
		Kind:     extension.Kind,
		Name:     extension.Name,
		Position: extension.Position,
	}
}

func validateFederationDirectives(schema *ast.Schema) error {
	names := make([]string, 0, len(schema.Types))
	for name := range schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := schema.Types[name]
		if def.BuiltIn {
			continue
		}
		keys, err := directiveFieldSets(def.Directives, keyDirectiveName)
		if err != nil {
			return fmt.Errorf("type %s: %w", name, err)
		}
		for _, key := range keys {
			if err := validateFieldSetOnType(schema, def, key.Selections); err != nil {
				return fmt.Errorf("@key on type %s: %w", name, err)
			}
		}
		for _, field := range def.Fields {
			requires, err := directiveFieldSets(field.Directives, requiresDirectiveName)
			if err != nil {
				return fmt.Errorf("field %s.%s: %w", name, field.Name, err)
			}
			for _, fieldSet := range requires {
				if err := validateFieldSetOnType(schema, def, fieldSet.Selections); err != nil {
					return fmt.Errorf("@requires on field %s.%s: %w", name, field.Name, err)
				}
			}
			provides, err := directiveFieldSets(field.Directives, providesDirectiveName)
			if err != nil {
				return fmt.Errorf("field %s.%s: %w", name, field.Name, err)
			}
			for _, fieldSet := range provides {
				returnType := schema.Types[field.Type.Name()]
				if err := validateFieldSetOnType(schema, returnType, fieldSet.Selections); err != nil {
					return fmt.Errorf("@provides on field %s.%s: %w", name, field.Name, err)
				}
			}
		}
	}
	return nil
}

func validateFieldSetOnType(schema *ast.Schema, def *ast.Definition, selections []FieldSelection) error {
	if def == nil {
		return errors.New("field set on unknown type")
	}
	for _, selection := range selections {
		field := def.Fields.ForName(selection.Name)
		if field == nil {
			return fmt.Errorf("field '%s' does not exist on type '%s'", selection.Name, def.Name)
		}
		fieldType := schema.Types[field.Type.Name()]
		if len(selection.Selections) == 0 {
			if fieldType != nil && fieldType.IsCompositeType() {
				return fmt.Errorf("field '%s' of type '%s' needs a selection", selection.Name, def.Name)
			}
			continue
		}
		if err := validateFieldSetOnType(schema, fieldType, selection.Selections); err != nil {
			return err
		}
	}
	return nil
}

// composition is the merged document plus the ownership information collected
// while merging.
type composition struct {
	doc         *ast.SchemaDocument
	kinds       map[string]ast.DefinitionKind
	fieldOwners map[string]string
	typeOwners  map[string][]string
	keys        map[string][]FieldSet
	serviceKeys map[string]map[string][]FieldSet
	requires    map[string]FieldSet
	provides    map[string]FieldSet
	stubs       map[string]bool
}

// buildComposition merges the services incrementally: all base definitions
// first, then every extension on top of them. Extensions whose base exists in
// no service get an empty stub definition.
func buildComposition(definitions []ServiceDefinition) (*composition, int, error) {
	c := &composition{
		doc:         &ast.SchemaDocument{},
		kinds:       map[string]ast.DefinitionKind{},
		fieldOwners: map[string]string{},
		typeOwners:  map[string][]string{},
		keys:        map[string][]FieldSet{},
		serviceKeys: map[string]map[string][]FieldSet{},
		requires:    map[string]FieldSet{},
		provides:    map[string]FieldSet{},
		stubs:       map[string]bool{},
	}

	docs := make([]*ast.SchemaDocument, len(definitions))
	for i := range definitions {
		doc, err := parseServiceDocument(definitions[i])
		if err != nil {
			return nil, i, err
		}
		docs[i] = doc
	}

	bases := map[string]*ast.Definition{}
	extensions := make([]ast.DefinitionList, len(definitions))

	for i, doc := range docs {
		for _, directive := range doc.Directives {
			if c.doc.Directives.ForName(directive.Name) == nil {
				c.doc.Directives = append(c.doc.Directives, directive)
			}
		}

		for _, def := range doc.Definitions {
			if hasDirective(def.Directives, extendsDirectiveName) {
				extensions[i] = append(extensions[i], def)
				continue
			}
			existing := bases[def.Name]
			if existing == nil {
				bases[def.Name] = def
				c.doc.Definitions = append(c.doc.Definitions, def)
				if err := c.addType(def, definitions[i].Name); err != nil {
					return nil, i, err
				}
				continue
			}
			if existing.Kind != def.Kind {
				return nil, i, fmt.Errorf("type %s is declared as %s and as %s", def.Name, existing.Kind, def.Kind)
			}
			switch {
			case isRootTypeName(def.Name):
				extensions[i] = append(extensions[i], def)
			case hasDirective(def.Directives, keyDirectiveName) || hasDirective(existing.Directives, keyDirectiveName):
				return nil, i, fmt.Errorf("entity %s is defined by more than one service, use 'extend type' instead", def.Name)
			default:
				// value types may be shared, the first definition wins
				c.typeOwners[def.Name] = appendUnique(c.typeOwners[def.Name], definitions[i].Name)
			}
		}
		extensions[i] = append(extensions[i], doc.Extensions...)
	}

	fieldsSeen := make(map[string]map[string]bool, len(bases))
	for name, def := range bases {
		fieldsSeen[name] = make(map[string]bool, len(def.Fields))
		for _, field := range def.Fields {
			fieldsSeen[name][field.Name] = true
		}
	}

	for i := range docs {
		for _, ext := range extensions[i] {
			if bases[ext.Name] == nil {
				stub := stubFor(ext)
				bases[ext.Name] = stub
				fieldsSeen[ext.Name] = map[string]bool{}
				c.doc.Definitions = append(c.doc.Definitions, stub)
				c.stubs[ext.Name] = true
			}

			seen := fieldsSeen[ext.Name]
			fields := make(ast.FieldList, 0, len(ext.Fields))
			for _, field := range ext.Fields {
				if seen[field.Name] {
					if hasDirective(field.Directives, externalDirectiveName) {
						continue
					}
					return nil, i, fmt.Errorf("field %s.%s is defined by more than one service", ext.Name, field.Name)
				}
				seen[field.Name] = true
				fields = append(fields, field)
			}

			if err := c.addType(ext, definitions[i].Name); err != nil {
				return nil, i, err
			}

			merged := *ext
			merged.Fields = fields
			c.doc.Extensions = append(c.doc.Extensions, &merged)
		}
	}

	return c, -1, nil
}

func (c *composition) addType(def *ast.Definition, service string) error {
	c.typeOwners[def.Name] = appendUnique(c.typeOwners[def.Name], service)
	if _, ok := c.kinds[def.Name]; !ok {
		c.kinds[def.Name] = def.Kind
	}

	keys, err := directiveFieldSets(def.Directives, keyDirectiveName)
	if err != nil {
		return err
	}
	for _, key := range keys {
		c.keys[def.Name] = appendFieldSet(c.keys[def.Name], key)
		if c.serviceKeys[service] == nil {
			c.serviceKeys[service] = map[string][]FieldSet{}
		}
		c.serviceKeys[service][def.Name] = appendFieldSet(c.serviceKeys[service][def.Name], key)
	}

	for _, field := range def.Fields {
		if hasDirective(field.Directives, externalDirectiveName) {
			continue
		}
		coordinate := def.Name + "." + field.Name
		if _, owned := c.fieldOwners[coordinate]; !owned {
			c.fieldOwners[coordinate] = service
		}

		requires, err := directiveFieldSets(field.Directives, requiresDirectiveName)
		if err != nil {
			return err
		}
		if len(requires) > 0 {
			c.requires[coordinate] = requires[0]
		}
		provides, err := directiveFieldSets(field.Directives, providesDirectiveName)
		if err != nil {
			return err
		}
		if len(provides) > 0 {
			c.provides[coordinate] = provides[0]
		}
	}
	return nil
}

func (c *composition) entityTypes() []string {
	names := make([]string, 0, len(c.keys))
	for name := range c.keys {
		if c.kinds[name] == ast.Object {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

func appendFieldSet(sets []FieldSet, set FieldSet) []FieldSet {
	for _, existing := range sets {
		if existing.String() == set.String() {
			return sets
		}
	}
	return append(sets, set)
}
