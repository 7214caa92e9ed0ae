// Package relayerr defines the stable error taxonomy shared by the relay
// server and its HTTP surface. Every caller-visible failure carries one of
// these codes; internal failures are logged with full context and never
// leak detail past a generic 500.
package relayerr

import (
	"fmt"
	"net/http"
)

// Code is a stable, caller-visible error identifier.
type Code string

const (
	InvalidRequest    Code = "INVALID_REQUEST"
	AuthError         Code = "TUNNEL_AUTH_ERROR"
	NotFound          Code = "TUNNEL_NOT_FOUND"
	ConnectionError   Code = "TUNNEL_CONNECTION_ERROR"
	UpstreamTimeout   Code = "UPSTREAM_TIMEOUT"
	Internal          Code = "INTERNAL"
)

// Error is a typed, caller-visible relay failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error for the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// HTTPStatus maps a Code to the HTTP status it is surfaced as.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidRequest:
		return http.StatusBadRequest
	case AuthError:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case ConnectionError:
		return http.StatusServiceUnavailable
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire shape of an error response: {error, message}.
type Body struct {
	Error   Code   `json:"error"`
	Message string `json:"message"`
}

// AsBody converts any error into a stable wire body, collapsing unknown
// errors into Internal with no leaked detail.
func AsBody(err error) (int, Body) {
	if re, ok := err.(*Error); ok {
		return HTTPStatus(re.Code), Body{Error: re.Code, Message: re.Message}
	}
	return http.StatusInternalServerError, Body{Error: Internal, Message: "internal error"}
}
