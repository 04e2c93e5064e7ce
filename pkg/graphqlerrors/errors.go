// Package graphqlerrors contains the error kinds the gateway produces and the
// GraphQL response error format they are rendered in.
package graphqlerrors

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

const (
	CodeSchemaComposition    = "SCHEMA_COMPOSITION_FAILED"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeEntityResolution     = "ENTITY_RESOLUTION_FAILED"
	CodeSubscriptionProtocol = "SUBSCRIPTION_PROTOCOL_ERROR"
	CodeRetryExhausted       = "RETRY_EXHAUSTED"
	CodeValidation           = "GRAPHQL_VALIDATION_FAILED"
	CodeDownstream           = "DOWNSTREAM_SERVICE_ERROR"
)

type ErrorPath []interface{}

type ErrorLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// RequestError is a single entry of the errors array of a GraphQL response.
type RequestError struct {
	Message    string                 `json:"message"`
	Locations  []ErrorLocation        `json:"locations,omitempty"`
	Path       ErrorPath              `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func (r RequestError) Error() string {
	return r.Message
}

type RequestErrors []RequestError

func (r RequestErrors) Error() string {
	switch len(r) {
	case 0:
		return "no errors"
	case 1:
		return r[0].Message
	}
	messages := make([]string, 0, len(r))
	for i := range r {
		messages = append(messages, r[i].Message)
	}
	return fmt.Sprintf("%d errors occurred: %s", len(r), strings.Join(messages, "; "))
}

func (r RequestErrors) Count() int {
	return len(r)
}

// WriteResponse writes the errors as a GraphQL response without data.
func (r RequestErrors) WriteResponse(writer io.Writer) (n int, err error) {
	response := struct {
		Data   interface{}   `json:"data"`
		Errors RequestErrors `json:"errors"`
	}{
		Errors: r,
	}

	responseBytes, err := json.Marshal(response)
	if err != nil {
		return 0, err
	}

	return writer.Write(responseBytes)
}

// FromGQLErrors converts validation errors of the query parser.
func FromGQLErrors(list gqlerror.List) RequestErrors {
	out := make(RequestErrors, 0, len(list))
	for _, gqlErr := range list {
		if gqlErr == nil {
			continue
		}
		requestErr := RequestError{
			Message: gqlErr.Message,
			Extensions: map[string]interface{}{
				"code": CodeValidation,
			},
		}
		for _, location := range gqlErr.Locations {
			requestErr.Locations = append(requestErr.Locations, ErrorLocation{Line: location.Line, Column: location.Column})
		}
		for _, element := range gqlErr.Path {
			requestErr.Path = append(requestErr.Path, element)
		}
		out = append(out, requestErr)
	}
	return out
}

// ToRequestError renders any error as a response error. Typed gateway errors
// carry their code in the extensions.
func ToRequestError(err error, path ErrorPath) RequestError {
	requestErr := RequestError{
		Message: err.Error(),
		Path:    path,
	}
	if coded, ok := err.(interface{ Code() string }); ok {
		requestErr.Extensions = map[string]interface{}{
			"code": coded.Code(),
		}
	}
	return requestErr
}
