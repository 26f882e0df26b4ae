package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers. Only the kind and a short
// message are ever surfaced; causes stay internal.
type ErrorKind string

const (
	KindConfiguration    ErrorKind = "CONFIGURATION"
	KindTimeout          ErrorKind = "TIMEOUT"
	KindTransport        ErrorKind = "TRANSPORT"
	KindCircuitOpen      ErrorKind = "CIRCUIT_OPEN"
	KindRoutingAmbiguous ErrorKind = "ROUTING_AMBIGUOUS"
	KindPartialResult    ErrorKind = "PARTIAL_RESULT"
	KindCanceled         ErrorKind = "CANCELED"
	KindInternal         ErrorKind = "INTERNAL"
)

type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(kind ErrorKind, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// Wrap attaches a kind and operation to err unless it already carries
// one, in which case the existing kind wins.
func Wrap(kind ErrorKind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{Kind: existing.Kind, Op: op, Message: existing.Message, Cause: existing.Cause}
	}
	return E(kind, op, "", err)
}

// KindFrom extracts the error kind, classifying well-known sentinels.
// Unrecognized errors report KindInternal.
func KindFrom(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Kind != "" {
		return domainErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrUnknownConnector), errors.Is(err, ErrNotConfigured),
		errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrToolNotFound),
		errors.Is(err, ErrExecutableNotFound), errors.Is(err, ErrPermissionDenied):
		return KindConfiguration
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrSessionClosed):
		return KindTransport
	default:
		return KindInternal
	}
}

// Retryable reports whether a caller may usefully retry an error of
// this kind within the same request.
func Retryable(kind ErrorKind) bool {
	return kind == KindTimeout
}

// SafeMessage maps an error to text that may be shown to end users.
func SafeMessage(err error) string {
	switch KindFrom(err) {
	case KindConfiguration:
		return "datasource is not configured correctly"
	case KindTimeout:
		return "datasource did not respond in time"
	case KindTransport:
		return "datasource connection was lost"
	case KindCircuitOpen:
		return "datasource is temporarily unavailable"
	case KindRoutingAmbiguous:
		return "request could not be understood; please rephrase"
	case KindCanceled:
		return "request was canceled"
	default:
		return "datasource request failed"
	}
}
