package providers

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base provides common fields shared by REST-based provider implementations.
// Embed this struct to avoid repeating name, apiKey, and baseURL handling.
type Base struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// BaseURL returns the provider base URL.
func (b *Base) BaseURL() string { return b.baseURL }

const defaultHTTPTimeout = 10 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// ErrorKind classifies provider failures.
type ErrorKind string

// Provider error kinds.
const (
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindNetwork     ErrorKind = "network"
	KindBadRequest  ErrorKind = "bad_request"
	KindBadResponse ErrorKind = "bad_response"
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed if repeated.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimited:
		return true
	case KindBadResponse:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// KindOf returns the ErrorKind of err, or "" if err is not a provider Error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// statusError maps a non-2xx upstream HTTP status to an Error.
func statusError(provider string, status int, msg string) *Error {
	kind := KindBadResponse
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusBadRequest:
		kind = KindBadRequest
	}
	return &Error{Provider: provider, Kind: kind, StatusCode: status, Message: msg}
}
