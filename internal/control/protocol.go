// SPDX-License-Identifier: MPL-2.0

package control

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// EnvControlAddr is the environment variable holding the control address.
	EnvControlAddr = "SOCKSERVE_CONTROL_ADDRESS"

	// EnvControlToken is the environment variable holding the control token.
	//nolint:gosec // G101: This is an env var name, not a hardcoded credential
	EnvControlToken = "SOCKSERVE_CONTROL_TOKEN"

	// PathHealth answers 200 without authentication.
	PathHealth = "/health"
	// PathMetrics serves the Prometheus registry without authentication.
	PathMetrics = "/metrics"
	// PathServices lists every registered service.
	PathServices = "/services"
)

// ErrInvalidAuthToken is the sentinel error wrapped by InvalidAuthTokenError.
var ErrInvalidAuthToken = errors.New("invalid auth token")

type (
	// AuthToken is the bearer token protecting the control endpoints.
	// A valid token must be non-empty and not whitespace-only.
	AuthToken string

	// InvalidAuthTokenError is returned when an AuthToken is empty or
	// whitespace-only.
	InvalidAuthTokenError struct {
		Value AuthToken
	}

	// ServiceStatus describes one service.
	ServiceStatus struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}

	// ServicesResponse is the body of GET /services.
	ServicesResponse struct {
		Services []ServiceStatus `json:"services"`
	}

	// TransitionResponse is the body of a successful POST
	// /services/{name}/{transition}.
	TransitionResponse struct {
		Name       string `json:"name"`
		Transition string `json:"transition"`
		From       string `json:"from"`
		State      string `json:"state"`
	}

	// ErrorResponse is the body of every non-2xx response.
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

// String returns the string representation of the AuthToken.
func (t AuthToken) String() string { return string(t) }

// Validate returns nil if the token is usable, or an error wrapping
// ErrInvalidAuthToken if it is not.
func (t AuthToken) Validate() error {
	if strings.TrimSpace(string(t)) == "" {
		return &InvalidAuthTokenError{Value: t}
	}
	return nil
}

// Error implements the error interface for InvalidAuthTokenError.
func (e *InvalidAuthTokenError) Error() string {
	return fmt.Sprintf("invalid auth token %q: must be non-empty", e.Value)
}

// Unwrap returns ErrInvalidAuthToken for errors.Is() compatibility.
func (e *InvalidAuthTokenError) Unwrap() error { return ErrInvalidAuthToken }
