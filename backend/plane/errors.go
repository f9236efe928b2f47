package plane

import (
	"fmt"

	"github.com/pkg/errors"

	"planesync/internal/utils"
)

// ErrorKind classifies API failures.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindNotFound    ErrorKind = "not_found"
	KindRateLimited ErrorKind = "rate_limited"
	KindNetwork     ErrorKind = "network"
	KindAPI         ErrorKind = "api"
)

// APIError is returned for every failed API call.
type APIError struct {
	Kind     ErrorKind
	Status   int
	Endpoint string
	Message  string
	Err      error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("plane %s: %s (status %d, %s)", e.Kind, msg, e.Status, e.Endpoint)
	}
	return fmt.Sprintf("plane %s: %s (%s)", e.Kind, msg, e.Endpoint)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf returns the kind of the APIError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// UserError attaches a remediation hint matching the kind of API failure.
// Errors that are not API errors are returned unchanged.
func UserError(err error) error {
	switch KindOf(err) {
	case KindAuth:
		return utils.ErrAuthenticationFailed(err)
	case KindNotFound:
		return utils.ErrResourceNotFound(err)
	case KindNetwork:
		return utils.ErrBackendOffline(err)
	case KindRateLimited:
		return utils.WrapWithSuggestion(err, "The Plane API is throttling requests; wait a minute or lower plane.requests_per_minute")
	}
	return err
}
