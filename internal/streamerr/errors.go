// Package streamerr defines the error taxonomy shared by the streaming
// service and its provider adapters. Callers classify failures with
// errors.Is against the Kind sentinels rather than matching messages.
package streamerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of streaming failure.
type Kind string

const (
	// KindConfiguration covers unknown providers, unresolvable credentials
	// and unknown model aliases. Never retryable.
	KindConfiguration Kind = "configuration"
	// KindModelNotFound means the vendor rejected the model id.
	KindModelNotFound Kind = "model_not_found"
	// KindRateLimit means the vendor signalled throttling (429).
	KindRateLimit Kind = "rate_limit"
	// KindExternalService covers vendor 5xx and network failures.
	KindExternalService Kind = "external_service"
	// KindCircuitOpen means the per-provider breaker rejected the call
	// without attempting it.
	KindCircuitOpen Kind = "circuit_open"
	// KindTimeout means no terminal event arrived within the computed
	// or caller-supplied timeout.
	KindTimeout Kind = "timeout"
	// KindCancelled means the caller aborted the stream. Not counted as
	// a provider failure.
	KindCancelled Kind = "cancelled"
)

// Error is a structured streaming error. Provider, Model and RequestID are
// carried for logging; Status holds the vendor HTTP status when known.
type Error struct {
	Kind      Kind
	Provider  string
	Model     string
	RequestID string
	Status    int
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg += " provider=" + e.Provider
	}
	if e.Model != "" {
		msg += " model=" + e.Model
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) and the
// sentinel helpers below both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error of the given kind wrapping err.
func New(kind Kind, provider, model string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Model: model, Err: err}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, provider, model, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Model: model, Err: fmt.Errorf(format, args...)}
}

// Sentinels for errors.Is classification.
var (
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrModelNotFound   = &Error{Kind: KindModelNotFound}
	ErrRateLimit       = &Error{Kind: KindRateLimit}
	ErrExternalService = &Error{Kind: KindExternalService}
	ErrCircuitOpen     = &Error{Kind: KindCircuitOpen}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrCancelled       = &Error{Kind: KindCancelled}
)

// KindOf returns the Kind of err, or "" when err carries no taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the caller may usefully retry after backoff.
// Configuration and model errors require changed input; cancellation was
// deliberate.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindExternalService, KindCircuitOpen, KindTimeout:
		return true
	}
	return false
}

// FromStatus classifies a vendor HTTP status code.
func FromStatus(provider, model string, status int, body string) *Error {
	kind := KindExternalService
	switch {
	case status == 404:
		kind = KindModelNotFound
	case status == 429:
		kind = KindRateLimit
	case status == 401 || status == 403:
		kind = KindConfiguration
	}
	return &Error{
		Kind:     kind,
		Provider: provider,
		Model:    model,
		Status:   status,
		Err:      fmt.Errorf("http %d: %s", status, body),
	}
}
