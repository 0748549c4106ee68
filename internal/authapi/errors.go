package authapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnknownResource indicates a resource name with no configured endpoint.
	ErrUnknownResource = errors.New("api.unknown_resource")
	// ErrMissingHost indicates the client was configured without a backend host.
	ErrMissingHost = errors.New("api.missing_host")
	// ErrEmptyTokenPair indicates the backend answered without an access token.
	ErrEmptyTokenPair = errors.New("api.empty_token_pair")
)

// NetworkError reports a request that failed in transport or with an unexpected status.
type NetworkError struct {
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (networkError *NetworkError) Error() string {
	if networkError.StatusCode != 0 {
		return fmt.Sprintf("api.%s: status %d: %s", networkError.Operation, networkError.StatusCode, networkError.describe())
	}
	return fmt.Sprintf("api.%s: %s", networkError.Operation, networkError.describe())
}

func (networkError *NetworkError) describe() string {
	if networkError.Message != "" {
		return networkError.Message
	}
	if networkError.Err != nil {
		return networkError.Err.Error()
	}
	return http.StatusText(networkError.StatusCode)
}

func (networkError *NetworkError) Unwrap() error {
	return networkError.Err
}

// AuthError reports a 401, 403, or 404 answer from an authentication endpoint.
type AuthError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (authError *AuthError) Error() string {
	message := authError.Message
	if message == "" {
		message = http.StatusText(authError.StatusCode)
	}
	return fmt.Sprintf("api.%s: status %d: %s", authError.Operation, authError.StatusCode, message)
}

// StatusError reports a non-2xx answer from a resource endpoint.
type StatusError struct {
	Resource   string
	StatusCode int
	Message    string
	Body       []byte
}

func (statusError *StatusError) Error() string {
	return fmt.Sprintf("api.resource.%s: status %d", statusError.Resource, statusError.StatusCode)
}

// IsAuthStatus reports whether the status code marks an invalid or deleted account.
func IsAuthStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}

// ServerMessage returns the backend-provided message carried by err, or fallback.
func ServerMessage(err error, fallback string) string {
	var authError *AuthError
	if errors.As(err, &authError) && strings.TrimSpace(authError.Message) != "" {
		return authError.Message
	}
	var networkError *NetworkError
	if errors.As(err, &networkError) && strings.TrimSpace(networkError.Message) != "" {
		return networkError.Message
	}
	var statusError *StatusError
	if errors.As(err, &statusError) && strings.TrimSpace(statusError.Message) != "" {
		return statusError.Message
	}
	return fallback
}
