package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
)

type orderedField struct {
	key   string
	value interface{}
}

// orderedObject keeps the field order of the client selection when encoded.
type orderedObject []orderedField

func (o orderedObject) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *execution) response() *Response {
	response := &Response{Header: e.header}
	if data, ok := e.renderObject(e.data, e.plan.root, nil); ok {
		response.Data = data
	}
	response.Errors = sortErrors(e.errors)
	return response
}

// renderObject projects the client fields of selection out of object. A null
// in a non-null field makes the whole object null.
func (e *execution) renderObject(object map[string]interface{}, selection *objectSelection, path graphqlerrors.ErrorPath) (orderedObject, bool) {
	out := make(orderedObject, 0, len(selection.fields))
	for _, f := range selection.fields {
		if f.hidden {
			continue
		}
		fieldPath := appendPath(path, f.responseKey)
		value := object[f.wireKey]
		if f.name == typenameField && value == nil {
			value = selection.typeName
		}
		rendered, ok := e.renderValue(value, f.definition.Type, f, fieldPath)
		if !ok {
			return nil, false
		}
		out = append(out, orderedField{key: f.responseKey, value: rendered})
	}
	return out, true
}

func (e *execution) renderValue(value interface{}, fieldType *ast.Type, f *field, path graphqlerrors.ErrorPath) (interface{}, bool) {
	if value == nil {
		if fieldType.NonNull {
			e.nullError(path, f)
			return nil, false
		}
		return nil, true
	}

	if fieldType.Elem != nil {
		list, ok := value.([]interface{})
		if !ok {
			e.addError(path, fmt.Sprintf("expected a list for field '%s'", f.responseKey))
			return nil, !fieldType.NonNull
		}
		out := make([]interface{}, len(list))
		for i, item := range list {
			rendered, ok := e.renderValue(item, fieldType.Elem, f, appendPath(path, i))
			if !ok {
				return nil, !fieldType.NonNull
			}
			out[i] = rendered
		}
		return out, true
	}

	if f.children == nil {
		return value, true
	}

	object, ok := value.(map[string]interface{})
	if !ok {
		e.addError(path, fmt.Sprintf("expected an object for field '%s'", f.responseKey))
		return nil, !fieldType.NonNull
	}
	typeName, _ := object[typenameField].(string)
	selection := f.child(typeName)
	if selection == nil {
		e.addError(path, fmt.Sprintf("unknown type '%s' for field '%s'", typeName, f.responseKey))
		return nil, !fieldType.NonNull
	}
	rendered, ok := e.renderObject(object, selection, path)
	if !ok {
		return nil, !fieldType.NonNull
	}
	return rendered, true
}

// nullError reports a null in a non-null field unless the null was caused by
// an error which is already reported.
func (e *execution) nullError(path graphqlerrors.ErrorPath, f *field) {
	if e.hasErrorAt(path) {
		return
	}
	e.addError(path, fmt.Sprintf("Cannot return null for non-nullable field '%s'", f.responseKey))
}

func (e *execution) addError(path graphqlerrors.ErrorPath, message string) {
	e.errors = append(e.errors, graphqlerrors.RequestError{Message: message, Path: path})
}

func (e *execution) hasErrorAt(path graphqlerrors.ErrorPath) bool {
	for _, requestErr := range e.errors {
		if isPathPrefix(requestErr.Path, path) || isPathPrefix(path, requestErr.Path) {
			return true
		}
	}
	return false
}

func isPathPrefix(prefix, path graphqlerrors.ErrorPath) bool {
	if len(prefix) == 0 || len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if fmt.Sprint(prefix[i]) != fmt.Sprint(path[i]) {
			return false
		}
	}
	return true
}

// sortErrors orders errors by path, concurrent fetches finish in any order.
func sortErrors(errs graphqlerrors.RequestErrors) graphqlerrors.RequestErrors {
	if len(errs) == 0 {
		return nil
	}
	sort.SliceStable(errs, func(i, j int) bool {
		return comparePaths(errs[i].Path, errs[j].Path) < 0
	})
	return errs
}

func comparePaths(a, b graphqlerrors.ErrorPath) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		ai, aIsIndex := pathIndex(a[i])
		bi, bIsIndex := pathIndex(b[i])
		switch {
		case aIsIndex && bIsIndex:
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
		default:
			as, bs := fmt.Sprint(a[i]), fmt.Sprint(b[i])
			if as != bs {
				if as < bs {
					return -1
				}
				return 1
			}
		}
	}
	return len(a) - len(b)
}
