// Package faults defines the error taxonomy shared by the pipeline stages:
// validation errors are surfaced to the webhook caller and never retried,
// transient errors are retried via queue redelivery, permanent errors are
// dead-lettered immediately. NotFound is a permanent subtype used for
// evicted blobs and missing records.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransient
	KindPermanent
	KindNotFound
)

// Error carries a classification alongside the underlying cause.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }
func (e *Error) Kind() Kind    { return e.kind }

func Validation(format string, args ...any) error {
	return &Error{kind: KindValidation, err: fmt.Errorf(format, args...)}
}

func Transient(format string, args ...any) error {
	return &Error{kind: KindTransient, err: fmt.Errorf(format, args...)}
}

func Permanent(format string, args ...any) error {
	return &Error{kind: KindPermanent, err: fmt.Errorf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{kind: KindNotFound, err: fmt.Errorf(format, args...)}
}

func kindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

func IsValidation(err error) bool { return kindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return kindOf(err) == KindNotFound }

// IsPermanent reports whether err must not be retried. NotFound counts:
// redelivery cannot recover a missing blob or record.
func IsPermanent(err error) bool {
	k := kindOf(err)
	return k == KindPermanent || k == KindNotFound || k == KindValidation
}

// IsTransient reports whether err is worth a redelivery. Unclassified errors
// default to transient so an unexpected outage is retried rather than
// silently dead-lettered.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// ClassifyNetErr wraps I/O-level failures from an HTTP round trip. Timeouts
// and connection errors are transient.
func ClassifyNetErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("%s: timed out: %v", op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient("%s: timed out: %v", op, err)
	}
	return Transient("%s: %v", op, err)
}

// ClassifyStatus maps an HTTP response code from a downstream dependency:
// 429 and 5xx are transient, 404 is not-found, other 4xx are permanent.
func ClassifyStatus(op string, status int) error {
	switch {
	case status == 429 || status >= 500:
		return Transient("%s: status %d", op, status)
	case status == 404:
		return NotFound("%s: status %d", op, status)
	case status >= 400:
		return Permanent("%s: status %d", op, status)
	default:
		return nil
	}
}
