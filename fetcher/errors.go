package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Transport error kinds, used as log and metric labels.
const (
	KindTimeout     = "timeout"
	KindConnection  = "connection"
	KindForbidden   = "forbidden"
	KindNotFound    = "not_found"
	KindRateLimited = "rate_limited"
	KindStatus      = "status"
	KindOther       = "other"
)

// TransportError is a classified failure of one HTTP request. Status is zero
// when no response was received.
type TransportError struct {
	Kind   string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: http status %d: %v", e.Kind, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: http status %d", e.Kind, e.Status)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorType labels err for logs and metrics. Unclassified errors are
// "other"; nil is "unknown".
func ErrorType(err error) string {
	if err == nil {
		return "unknown"
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindOther
}

// hasKind reports whether err is a TransportError of one of kinds.
func hasKind(err error, kinds ...string) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	for _, k := range kinds {
		if te.Kind == k {
			return true
		}
	}
	return false
}

// classifyError turns a request error and response status into a
// TransportError. Network failures take precedence over the status.
func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &TransportError{Kind: KindTimeout, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransportError{Kind: KindConnection, Err: err}
	}

	if statusCode < http.StatusBadRequest {
		return err
	}
	kind := KindStatus
	switch statusCode {
	case http.StatusForbidden:
		kind = KindForbidden
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	}
	return &TransportError{Kind: kind, Status: statusCode, Err: err}
}
