// Package faults defines the error taxonomy shared by the analysis pipeline.
package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a failure for retry and presentation decisions.
type Kind string

const (
	KindConfiguration     Kind = "configuration_error"
	KindEmptyInput        Kind = "empty_input"
	KindRateLimited       Kind = "rate_limited"
	KindMalformedResponse Kind = "malformed_response"
	KindNetwork           Kind = "network_error"
	KindEmptyResponse     Kind = "empty_response"
	KindUnknown           Kind = "unknown"
)

// Error is a classified failure. Details carries diagnostics such as the raw
// and cleaned model output of a malformed response.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Cause      error
	Details    map[string]string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so sentinel-style checks work:
// errors.Is(err, faults.ErrRateLimited).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && e.Kind == t.Kind
}

func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrEmptyInput        = &Error{Kind: KindEmptyInput}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrEmptyResponse     = &Error{Kind: KindEmptyResponse}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Configuration(message string) *Error { return New(KindConfiguration, message) }

func EmptyInput(message string) *Error { return New(KindEmptyInput, message) }

func EmptyResponse(message string) *Error { return New(KindEmptyResponse, message) }

func RateLimited(cause error, statusCode int) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limited by model backend", StatusCode: statusCode, Cause: cause}
}

func Network(cause error) *Error {
	return &Error{Kind: KindNetwork, Message: "network error", Cause: cause}
}

func Malformed(cause error, raw, cleaned string) *Error {
	e := &Error{Kind: KindMalformedResponse, Message: "malformed model response", Cause: cause}
	return e.WithDetail("raw", raw).WithDetail("cleaned", cleaned)
}

var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"status code: 429",
	"status 429",
}

var networkPatterns = []string{
	"connection reset by peer",
	"connection refused",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
	"network is unreachable",
}

// Classify returns the kind of err. Explicit *Error values win; otherwise
// rate-limit, parse and connection-level heuristics are applied in that order.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return KindRateLimited
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		strings.Contains(msg, "unexpected end of json input") {
		return KindMalformedResponse
	}

	if IsNetwork(err) {
		return KindNetwork
	}

	return KindUnknown
}

// IsNetwork reports connection-level failures.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Retryable reports whether the kind may be retried by the orchestrator.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindMalformedResponse, KindEmptyResponse, KindNetwork:
		return true
	default:
		return false
	}
}

// Label is the short human-readable name used in progress messages.
func (k Kind) Label() string {
	switch k {
	case KindRateLimited:
		return "Rate limited"
	case KindMalformedResponse, KindEmptyResponse:
		return "Response parse error"
	case KindNetwork:
		return "Network error"
	case KindConfiguration:
		return "Configuration error"
	case KindEmptyInput:
		return "Empty input"
	default:
		return "Error"
	}
}
