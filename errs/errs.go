// Package errs provides structured error types shared across the liqhunter engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category in the engine's failure taxonomy.
type Code string

const (
	// CodeNetwork indicates a transient transport failure (socket, DNS, timeout).
	// Retried with backoff, never surfaced as fatal.
	CodeNetwork Code = "network"
	// CodeRateLimited indicates the local quota gate refused or queued a request.
	CodeRateLimited Code = "rate_limited"
	// CodeRejected indicates the exchange rejected the request (precision,
	// insufficient balance, reduce-only conflict). Not retried automatically.
	CodeRejected Code = "exchange_rejected"
	// CodeConflict indicates reconciliation drift; self-heals on the next pass.
	CodeConflict Code = "reconcile_conflict"
	// CodeConfig indicates missing or invalid configuration. Aborts startup.
	CodeConfig Code = "config"
	// CodeInvalid indicates invalid input provided by a caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates a subsystem is shut down or saturated.
	CodeUnavailable Code = "unavailable"
	// CodeStorage indicates a journal persistence failure. Trading continues;
	// only the audit trail is degraded.
	CodeStorage Code = "storage"
)

// E captures structured error information produced across the engine.
type E struct {
	Op      string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string
	Symbol  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating operation and code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		Symbol:  "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithSymbol tags the error with the trading symbol it concerns.
func WithSymbol(symbol string) Option {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, walking the unwrap chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsTransient reports whether err represents a retryable transport failure.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeNetwork
}

// IsRejection reports whether err represents an exchange-side rejection,
// which usually indicates a configuration problem rather than a flake.
func IsRejection(err error) bool {
	return CodeOf(err) == CodeRejected
}

// IsRateLimited reports whether err originates from the admission gate.
func IsRateLimited(err error) bool {
	return CodeOf(err) == CodeRateLimited
}
