package graphqlerrors

import (
	"errors"
	"fmt"
)

var (
	ErrNoValidServices       = errors.New("no service provided a valid schema")
	ErrMissingEntityKey      = errors.New("type is not resolvable across services: exactly one @key is required")
	ErrUnknownTypename       = errors.New("unknown __typename")
	ErrInvalidMessageType    = errors.New("invalid message type")
	ErrStartBeforeAck        = errors.New("connection not acknowledged")
	ErrDuplicateSubscriberID = errors.New("subscriber id already in use")
)

// SchemaCompositionError reports an SDL which could not be composed.
type SchemaCompositionError struct {
	ServiceName string
	Mandatory   bool
	Err         error
}

func (e *SchemaCompositionError) Error() string {
	if e.ServiceName == "" {
		return fmt.Sprintf("schema composition failed: %v", e.Err)
	}
	return fmt.Sprintf("schema composition failed for service '%s': %v", e.ServiceName, e.Err)
}

func (e *SchemaCompositionError) Unwrap() error {
	return e.Err
}

func (e *SchemaCompositionError) Code() string {
	return CodeSchemaComposition
}

// ServiceUnavailableError reports a failed connection to or a timeout of a service.
type ServiceUnavailableError struct {
	ServiceName string
	URL         string
	Err         error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service '%s' unavailable at %s: %v", e.ServiceName, e.URL, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Err
}

func (e *ServiceUnavailableError) Code() string {
	return CodeServiceUnavailable
}

// EntityResolutionError reports a missing @key, an unknown __typename or a
// failing reference resolver.
type EntityResolutionError struct {
	TypeName string
	Err      error
}

func (e *EntityResolutionError) Error() string {
	return fmt.Sprintf("could not resolve entity of type '%s': %v", e.TypeName, e.Err)
}

func (e *EntityResolutionError) Unwrap() error {
	return e.Err
}

func (e *EntityResolutionError) Code() string {
	return CodeEntityResolution
}

// SubscriptionProtocolError reports a malformed or unexpected protocol message.
type SubscriptionProtocolError struct {
	MessageType string
	Err         error
}

func (e *SubscriptionProtocolError) Error() string {
	if e.MessageType == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.MessageType)
}

func (e *SubscriptionProtocolError) Unwrap() error {
	return e.Err
}

func (e *SubscriptionProtocolError) Code() string {
	return CodeSubscriptionProtocol
}

// RetryExhaustedError reports a service that never recovered within the retry budget.
type RetryExhaustedError struct {
	ServiceName string
	Attempts    int
	Err         error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("service '%s' did not recover after %d attempts: %v", e.ServiceName, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

func (e *RetryExhaustedError) Code() string {
	return CodeRetryExhausted
}
