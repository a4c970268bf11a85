// Package apierr defines the typed error kinds used across the upload
// broker (spec.md §7) and the HTTP status each maps to. Callers wrap a
// sentinel-bearing error with context via fmt.Errorf's %w verb; handlers
// unwrap with errors.As to recover the Kind.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and HTTP-status purposes.
type Kind int

const (
	Unknown Kind = iota
	InputInvalid
	QuoteInvalid
	InsufficientBalance
	StagingUnavailable
	DispatchTimeout
	ChainRejected
	ConfirmationTimeout
	AlreadyCompleted
	NotFound
	FileTooLarge
	UnsupportedMediaType
)

func (k Kind) String() string {
	switch k {
	case InputInvalid:
		return "InputInvalid"
	case QuoteInvalid:
		return "QuoteInvalid"
	case InsufficientBalance:
		return "InsufficientBalance"
	case StagingUnavailable:
		return "StagingUnavailable"
	case DispatchTimeout:
		return "DispatchTimeout"
	case ChainRejected:
		return "ChainRejected"
	case ConfirmationTimeout:
		return "ConfirmationTimeout"
	case AlreadyCompleted:
		return "AlreadyCompleted"
	case NotFound:
		return "NotFound"
	case FileTooLarge:
		return "FileTooLarge"
	case UnsupportedMediaType:
		return "UnsupportedMediaType"
	default:
		return "Unknown"
	}
}

// Retriable reports whether the client may retry a request that failed with
// this kind, per the classification table in spec.md §7.
func (k Kind) Retriable() bool {
	switch k {
	case InputInvalid, QuoteInvalid, InsufficientBalance, AlreadyCompleted, FileTooLarge, UnsupportedMediaType:
		return false
	default:
		return true
	}
}

// HTTPStatus maps a Kind to the status code the server translates it to.
func (k Kind) HTTPStatus() int {
	switch k {
	case InputInvalid:
		return http.StatusBadRequest
	case QuoteInvalid:
		return http.StatusBadRequest
	case InsufficientBalance:
		return http.StatusPaymentRequired
	case NotFound:
		return http.StatusNotFound
	case AlreadyCompleted:
		return http.StatusConflict
	case StagingUnavailable:
		return http.StatusServiceUnavailable
	case DispatchTimeout:
		return http.StatusGatewayTimeout
	case ChainRejected:
		return http.StatusInternalServerError
	case ConfirmationTimeout:
		return http.StatusOK
	case FileTooLarge:
		return http.StatusRequestEntityTooLarge
	case UnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

// Error is a Kind-tagged error. Construct with New or Wrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a Kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// As extracts the Kind from err, defaulting to Unknown if err does not carry one.
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
