// Package syncerr classifies pipeline failures so workers can decide between
// retrying, skipping and failing a job.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Kind int

const (
	// Transient failures are retried with backoff until attempts run out.
	Transient Kind = iota
	// Validation failures are recorded and skipped; they never fail a job.
	Validation
	// NotFoundUpstream marks data missing from an upstream stage; the job is skipped.
	NotFoundUpstream
	// Fatal failures are not retried and are reported on the session.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case NotFoundUpstream:
		return "not_found_upstream"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func TransientErr(op string, err error) error { return New(Transient, op, err) }
func FatalErr(op string, err error) error     { return New(Fatal, op, err) }
func NotFound(op string, err error) error     { return New(NotFoundUpstream, op, err) }
func Invalid(op string, err error) error      { return New(Validation, op, err) }

// HTTPError is returned by the HTTP clients for non-success responses.
type HTTPError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API request failed: %d - %s", e.Service, e.StatusCode, e.Body)
}

// KindOf classifies err. Unclassified errors are treated as transient so they
// get the retry budget of the job.
func KindOf(err error) Kind {
	if err == nil {
		return Transient
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return kindForStatus(he.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Transient
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Transient
	case code == http.StatusNotFound:
		return NotFoundUpstream
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return Fatal
	case code >= 400:
		return Fatal
	}
	return Transient
}

func IsFatal(err error) bool     { return err != nil && KindOf(err) == Fatal }
func IsRetryable(err error) bool { return err != nil && KindOf(err) == Transient }
