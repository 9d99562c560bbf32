package workspace

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures of the external workspace API.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindRateLimited  ErrorKind = "rate_limited"
	KindNotFound     ErrorKind = "not_found"
	KindTransient    ErrorKind = "transient"
	KindMalformed    ErrorKind = "malformed"
)

var (
	ErrUnauthorized = errors.New("workspace: unauthorized")
	ErrRateLimited  = errors.New("workspace: rate limited")
	ErrNotFound     = errors.New("workspace: not found")
	ErrTransient    = errors.New("workspace: transient failure")
	ErrMalformed    = errors.New("workspace: malformed response")
)

var kindSentinels = map[ErrorKind]error{
	KindUnauthorized: ErrUnauthorized,
	KindRateLimited:  ErrRateLimited,
	KindNotFound:     ErrNotFound,
	KindTransient:    ErrTransient,
	KindMalformed:    ErrMalformed,
}

// APIError is returned by every Client call that fails after the retry
// budget. errors.Is matches it against the sentinel for its Kind.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("workspace %s: status=%d code=%s message=%s", e.Kind, e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("workspace %s: status=%d message=%s", e.Kind, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("workspace %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("workspace %s: %s", e.Kind, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	return kindSentinels[e.Kind]
}

// KindOf returns the ErrorKind carried by err, or "" when err is not an
// APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusConflict, status >= 500:
		return KindTransient
	default:
		return KindMalformed
	}
}

func retryable(kind ErrorKind) bool {
	return kind == KindRateLimited || kind == KindTransient
}
