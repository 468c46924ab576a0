package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	// KindNetwork means no response was received: offline, DNS failure, or
	// timeout. Network errors never enter the refresh protocol.
	KindNetwork ErrorKind = "network"
	// KindAuthorization means the backend answered 401.
	KindAuthorization ErrorKind = "authorization"
	// KindValidation means a 400-class rejection carrying field errors.
	KindValidation ErrorKind = "validation"
	// KindServer means a 5xx or an unparseable success body.
	KindServer ErrorKind = "server"
)

// APIError is the classified failure of a request through the client.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	// Message is user-displayable.
	Message string
	// Fields holds server-provided per-field validation errors, verbatim.
	Fields map[string][]string

	cause error
}

// Error renders the classification and message.
func (apiError *APIError) Error() string {
	return fmt.Sprintf("api_client.%s: %s", apiError.Kind, apiError.Message)
}

// Unwrap exposes the underlying transport error, if any.
func (apiError *APIError) Unwrap() error {
	return apiError.cause
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	return apiError.Kind == kind
}

func newNetworkError(cause error) *APIError {
	return &APIError{
		Kind:    KindNetwork,
		Message: "could not reach the booking service",
		cause:   cause,
	}
}

type errorBody struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// classifyResponse maps a non-2xx response onto the error taxonomy. Server
// messages are surfaced verbatim for validation failures and replaced with a
// generic message for server failures.
func classifyResponse(statusCode int, payload []byte) *APIError {
	var body errorBody
	_ = json.Unmarshal(payload, &body)

	switch {
	case statusCode == http.StatusUnauthorized:
		message := body.Message
		if message == "" {
			message = "your session has expired"
		}
		return &APIError{Kind: KindAuthorization, StatusCode: statusCode, Message: message}
	case statusCode >= 400 && statusCode < 500:
		message := body.Message
		if message == "" {
			message = "the request was rejected"
		}
		return &APIError{Kind: KindValidation, StatusCode: statusCode, Message: message, Fields: body.Errors}
	default:
		return &APIError{Kind: KindServer, StatusCode: statusCode, Message: "the booking service is unavailable, please try again later"}
	}
}
