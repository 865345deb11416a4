package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnavailable covers connection failures, non-2xx replies and
	// transport errors while reading the body.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrTimeout is returned when the backend did not answer in time.
	ErrTimeout = errors.New("upstream timeout")
)

// Error carries backend failure details for the error reply.
type Error struct {
	Kind       error
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%v: backend responded %d: %s", e.Kind, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// HTTPStatus maps a backend failure to the status returned to clients.
func HTTPStatus(err error) int {
	if errors.Is(err, ErrTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// KindLabel returns a short label for metrics and logs.
func KindLabel(err error) string {
	var upErr *Error
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &upErr) && upErr.StatusCode != 0:
		return "status"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

// classify wraps a transport error. Cancellation by the caller is passed
// through untouched since the backend is not at fault.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	return &Error{Kind: ErrUnavailable, Err: err}
}
