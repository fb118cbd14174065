package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Base error types
var (
	ErrAuthInit         = errors.New("sign-in could not be started")
	ErrCallbackExchange = errors.New("oauth callback exchange rejected")
	ErrNotAuthorized    = errors.New("account not authorized for pro mode")
	ErrLoginClick       = errors.New("login could not be initiated")
	ErrTimeout          = errors.New("timeout")
	ErrNoIdentity       = errors.New("no signed-in identity")
	ErrInvalidMode      = errors.New("invalid user mode")
)

// Code is the UI-facing error code surfaced in the entitlement state.
type Code string

const (
	CodeNone                 Code = ""
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeAccountNotAuthorized Code = "ACCOUNT_NOT_AUTHORIZED"
	CodeLoginClickFailed     Code = "LOGIN_CLICK_FAILED"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeAuthInit         ErrorType = "auth_init"
	ErrorTypeCallbackExchange ErrorType = "callback_exchange"
	ErrorTypeNotAuthorized    ErrorType = "not_authorized"
	ErrorTypeLoginClick       ErrorType = "login_click"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeNetwork          ErrorType = "network"
)

// EntitlementError is a structured error for identity and entitlement operations.
type EntitlementError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "sign_in", "exchange_callback")
	Email     string // Account involved, if known
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *EntitlementError) Error() string {
	if e.Email != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Email, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EntitlementError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *EntitlementError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrAuthInit:
		return e.Type == ErrorTypeAuthInit
	case ErrCallbackExchange:
		return e.Type == ErrorTypeCallbackExchange
	case ErrNotAuthorized:
		return e.Type == ErrorTypeNotAuthorized
	case ErrLoginClick:
		return e.Type == ErrorTypeLoginClick
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	}

	return errors.Is(e.Err, target)
}

// Code maps the error type onto the code shown to the user. Timeouts and
// network failures are never user visible.
func (e *EntitlementError) Code() Code {
	switch e.Type {
	case ErrorTypeCallbackExchange:
		return CodeAuthenticationFailed
	case ErrorTypeNotAuthorized:
		return CodeAccountNotAuthorized
	case ErrorTypeLoginClick, ErrorTypeAuthInit:
		return CodeLoginClickFailed
	default:
		return CodeNone
	}
}

// New creates a new EntitlementError
func New(errorType ErrorType, op string, err error) *EntitlementError {
	return &EntitlementError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithEmail adds the account email to the error
func (e *EntitlementError) WithEmail(email string) *EntitlementError {
	e.Email = email
	return e
}

// Helper functions

// WrapAuthInit wraps a failure to start the OAuth flow.
func WrapAuthInit(op string, err error) error {
	return New(ErrorTypeAuthInit, op, err)
}

// WrapCallbackExchange wraps a provider rejection of a callback.
func WrapCallbackExchange(op string, err error) error {
	return New(ErrorTypeCallbackExchange, op, err)
}

// CodeOf returns the UI code carried by err, or CodeNone.
func CodeOf(err error) Code {
	var entErr *EntitlementError
	if errors.As(err, &entErr) {
		return entErr.Code()
	}
	switch {
	case errors.Is(err, ErrCallbackExchange):
		return CodeAuthenticationFailed
	case errors.Is(err, ErrNotAuthorized):
		return CodeAccountNotAuthorized
	case errors.Is(err, ErrLoginClick), errors.Is(err, ErrAuthInit):
		return CodeLoginClickFailed
	}
	return CodeNone
}

// IsTransient reports whether err looks like a timeout or transport failure,
// the class of errors that degrades to cached state instead of surfacing.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var entErr *EntitlementError
	if errors.As(err, &entErr) {
		if entErr.Type == ErrorTypeTimeout || entErr.Type == ErrorTypeNetwork {
			return true
		}
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
