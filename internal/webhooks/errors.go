package webhooks

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidURL is matched by every URL validation failure.
	ErrInvalidURL = errors.New("invalid webhook url")
	// ErrNotFoundOrUnauthorized hides whether a subscription exists from
	// callers that do not own it.
	ErrNotFoundOrUnauthorized = errors.New("subscription not found or not owned by caller")
	ErrInvalidSubscription    = errors.New("invalid subscription")
	ErrUnknownEvent           = errors.New("unknown event type")
	ErrDeliveryNotFound       = errors.New("delivery not found")
)

// URLRejection says which validation rule rejected a URL.
type URLRejection string

const (
	RejectMalformed   URLRejection = "malformed"
	RejectNotHTTPS    URLRejection = "not_https"
	RejectLoopback    URLRejection = "loopback"
	RejectPrivate     URLRejection = "private"
	RejectUnreachable URLRejection = "unreachable"
)

var rejectionText = map[URLRejection]string{
	RejectMalformed:   "url must be absolute",
	RejectNotHTTPS:    "url must use https",
	RejectLoopback:    "url must not point at a loopback host",
	RejectPrivate:     "url must not point at a private or link-local address",
	RejectUnreachable: "url did not answer the liveness probe with a 2xx status",
}

// InvalidURLError reports a rejected subscription URL.
type InvalidURLError struct {
	URL    string
	Reason URLRejection
	Err    error
}

func (e *InvalidURLError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrInvalidURL, rejectionText[e.Reason])
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidURLError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidURL}
	}
	return []error{ErrInvalidURL, e.Err}
}

// TransportError is recorded when a send never produced an HTTP response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is recorded when the subscriber answered with a non-2xx status.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}
