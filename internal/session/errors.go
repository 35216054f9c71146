package session

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthRequired is returned when the server rejects the request and no
	// retry is available. The session has been cleared.
	ErrAuthRequired = errors.New("authentication required")

	// ErrAuthExpired is returned when a refresh was attempted and the request
	// still could not be authorized. The session has been cleared.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrRefreshFailed is returned when a token refresh is impossible or
	// rejected by the server.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrNotAuthenticated is returned by operations that need a session when
	// none is held.
	ErrNotAuthenticated = errors.New("not authenticated")
)

var errSessionChanged = errors.New("session changed during refresh")

// HTTPError is returned when the server was reachable but answered with a
// non-2xx status other than an authorization failure.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

func genericDetail(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("request failed (%s)", text)
	}
	return "request failed"
}

// ConnectivityError is returned when a request could not be sent or no
// response was received.
type ConnectivityError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("could not reach server: %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err means the user has to log in again.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthRequired) ||
		errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrNotAuthenticated)
}

// IsConnectivityError reports whether err is a network failure.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
