package federation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

var ErrEmptyFieldSet = errors.New("field set must not be empty")

func errDirectiveWithoutFields(directive string) error {
	return fmt.Errorf("directive @%s requires a single 'fields' argument", directive)
}

// FieldSet is a parsed _FieldSet value as used by @key, @requires and @provides.
type FieldSet struct {
	Selections []FieldSelection
}

type FieldSelection struct {
	Name       string
	Selections []FieldSelection
}

func ParseFieldSet(raw string) (FieldSet, error) {
	if strings.TrimSpace(raw) == "" {
		return FieldSet{}, ErrEmptyFieldSet
	}
	doc, err := parser.ParseQuery(&ast.Source{Input: "{" + raw + "}"})
	if err != nil {
		return FieldSet{}, fmt.Errorf("invalid field set %q: %w", raw, err)
	}
	if len(doc.Operations) != 1 {
		return FieldSet{}, fmt.Errorf("invalid field set %q", raw)
	}
	selections, err := convertFieldSetSelections(raw, doc.Operations[0].SelectionSet)
	if err != nil {
		return FieldSet{}, err
	}
	return FieldSet{Selections: selections}, nil
}

func convertFieldSetSelections(raw string, set ast.SelectionSet) ([]FieldSelection, error) {
	out := make([]FieldSelection, 0, len(set))
	for _, selection := range set {
		field, ok := selection.(*ast.Field)
		if !ok || field.Alias != field.Name || len(field.Arguments) != 0 {
			return nil, fmt.Errorf("invalid field set %q: only plain fields are allowed", raw)
		}
		children, err := convertFieldSetSelections(raw, field.SelectionSet)
		if err != nil {
			return nil, err
		}
		out = append(out, FieldSelection{Name: field.Name, Selections: children})
	}
	return out, nil
}

// Names returns the top level field names.
func (f FieldSet) Names() []string {
	names := make([]string, 0, len(f.Selections))
	for _, selection := range f.Selections {
		names = append(names, selection.Name)
	}
	return names
}

func (f FieldSet) Contains(name string) bool {
	return f.Get(name) != nil
}

func (f FieldSet) Get(name string) *FieldSelection {
	for i := range f.Selections {
		if f.Selections[i].Name == name {
			return &f.Selections[i]
		}
	}
	return nil
}

func (f FieldSet) IsEmpty() bool {
	return len(f.Selections) == 0
}

// Child returns the nested field set below name.
func (f FieldSet) Child(name string) FieldSet {
	selection := f.Get(name)
	if selection == nil {
		return FieldSet{}
	}
	return FieldSet{Selections: selection.Selections}
}

func (f FieldSet) String() string {
	var builder strings.Builder
	writeFieldSelections(&builder, f.Selections)
	return builder.String()
}

func writeFieldSelections(builder *strings.Builder, selections []FieldSelection) {
	for i, selection := range selections {
		if i > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(selection.Name)
		if len(selection.Selections) > 0 {
			builder.WriteString(" { ")
			writeFieldSelections(builder, selection.Selections)
			builder.WriteString(" }")
		}
	}
}
