package registry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorKind classifies vendor API failures for connection-status mapping.
type ErrorKind string

const (
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	ErrorKindNotAdmin     ErrorKind = "not_admin"
	ErrorKindRateLimited  ErrorKind = "rate_limited"
	ErrorKindAPI          ErrorKind = "api"
)

const maxAPIErrorBodySize = 1 << 20 // 1 MiB

// APIError is a tagged vendor API failure carrying the offending response
// metadata for diagnostics and kind-based dispatch.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Endpoint   string
	Body       []byte
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 300 {
		body = body[:300] + "…"
	}
	if body != "" {
		return fmt.Sprintf("vendor api %s: status %d (url=%s): %s", e.Kind, e.StatusCode, e.Endpoint, body)
	}
	return fmt.Sprintf("vendor api %s: status %d (url=%s)", e.Kind, e.StatusCode, e.Endpoint)
}

// NewAPIError builds an APIError from a non-2xx vendor response, mapping the
// status code onto the error taxonomy.
func NewAPIError(endpoint string, resp *http.Response) *APIError {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxAPIErrorBodySize))
	}
	return NewStatusError(endpoint, resp.StatusCode, body)
}

// NewStatusError is NewAPIError for callers that already drained the response
// body.
func NewStatusError(endpoint string, statusCode int, body []byte) *APIError {
	kind := ErrorKindAPI
	switch statusCode {
	case http.StatusUnauthorized:
		kind = ErrorKindUnauthorized
	case http.StatusForbidden:
		kind = ErrorKindNotAdmin
	case http.StatusTooManyRequests:
		kind = ErrorKindRateLimited
	}
	return &APIError{
		Kind:       kind,
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Body:       body,
	}
}

// ErrorKindOf extracts the taxonomy kind from an error chain, defaulting to
// ErrorKindAPI for non-APIError failures.
func ErrorKindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrorKindAPI
}

// IsUnauthorized reports whether the error chain contains an unauthorized
// vendor response.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == ErrorKindUnauthorized
}

// IsNotAdmin reports whether the authenticated principal lacks the required
// vendor privileges.
func IsNotAdmin(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == ErrorKindNotAdmin
}

// IsConnectionError reports whether the error should be surfaced as a broken
// connection rather than retried.
func IsConnectionError(err error) bool {
	return IsUnauthorized(err) || IsNotAdmin(err)
}
