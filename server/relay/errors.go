package relay

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrValidation is returned when a chat request is missing required fields.
	ErrValidation = errors.New("invalid chat request")
	// ErrConfiguration is returned when the requested model has no usable endpoint.
	ErrConfiguration = errors.New("model not configured")
	// ErrClosed is returned for chat turns arriving after the relay was closed.
	ErrClosed = errors.New("relay closed")
)

// UpstreamError reports that the upstream could not be reached. It is only
// returned before any byte was written to the client.
type UpstreamError struct {
	Err        error
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream unavailable: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// HTTPStatus is the status to answer the client with.
func (e *UpstreamError) HTTPStatus() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusBadGateway
}
