package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced by the sync engine.
type ErrorCode string

const (
	CodeTransport            ErrorCode = "transport"
	CodeHTTP                 ErrorCode = "http"
	CodeDecode               ErrorCode = "decode"
	CodeValidation           ErrorCode = "validation"
	CodeMissingReceipt       ErrorCode = "missing_receipt"
	CodeUnexpectedResponse   ErrorCode = "unexpected_response"
	CodeUserCancelled        ErrorCode = "user_cancelled"
	CodePaymentDeferred      ErrorCode = "payment_deferred"
	CodeOperationInProgress  ErrorCode = "operation_in_progress"
	CodeUnchangedUncacheable ErrorCode = "unchanged_uncacheable"
	CodeNotFound             ErrorCode = "not_found"
	CodeStore                ErrorCode = "store"
	CodePurchaseFailed       ErrorCode = "purchase_failed"
)

// Error is the typed error returned across package boundaries.
// StatusCode and BackendCode are only set for backend responses.
type Error struct {
	Code        ErrorCode
	Message     string
	StatusCode  int
	BackendCode int
	Cause       error
}

var (
	ErrTransport            = &Error{Code: CodeTransport, Message: "network transport error"}
	ErrHTTP                 = &Error{Code: CodeHTTP, Message: "backend returned an error status"}
	ErrDecode               = &Error{Code: CodeDecode, Message: "malformed response body"}
	ErrValidation           = &Error{Code: CodeValidation, Message: "invalid input"}
	ErrMissingReceipt       = &Error{Code: CodeMissingReceipt, Message: "receipt is missing"}
	ErrUnexpectedResponse   = &Error{Code: CodeUnexpectedResponse, Message: "unexpected backend response"}
	ErrUserCancelled        = &Error{Code: CodeUserCancelled, Message: "purchase was cancelled by the user"}
	ErrPaymentDeferred      = &Error{Code: CodePaymentDeferred, Message: "payment is awaiting approval"}
	ErrOperationInProgress  = &Error{Code: CodeOperationInProgress, Message: "operation already in progress"}
	ErrUnchangedUncacheable = &Error{Code: CodeUnchangedUncacheable, Message: "resource unchanged but no cached copy exists"}
	ErrNotFound             = &Error{Code: CodeNotFound, Message: "not found"}
	ErrPurchaseFailed       = &Error{Code: CodePurchaseFailed, Message: "purchase failed"}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d", msg, e.StatusCode)
		if e.BackendCode != 0 {
			msg = fmt.Sprintf("%s, code %d", msg, e.BackendCode)
		}
		msg += ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so the package sentinels
// work with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func NewTransportError(cause error) *Error {
	return &Error{Code: CodeTransport, Message: "network transport error", Cause: cause}
}

func NewHTTPError(statusCode, backendCode int, message string) *Error {
	if message == "" {
		message = "backend returned an error status"
	}
	return &Error{Code: CodeHTTP, Message: message, StatusCode: statusCode, BackendCode: backendCode}
}

func NewDecodeError(cause error) *Error {
	return &Error{Code: CodeDecode, Message: "malformed response body", Cause: cause}
}

func NewValidationError(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

func NewUnexpectedResponseError(cause error) *Error {
	return &Error{Code: CodeUnexpectedResponse, Message: "unexpected backend response", Cause: cause}
}

func NewStoreError(op string, cause error) *Error {
	return &Error{Code: CodeStore, Message: op, Cause: cause}
}

// NewPurchaseError wraps an error reported by the commerce layer.
func NewPurchaseError(cause error) *Error {
	return &Error{Code: CodePurchaseFailed, Message: "purchase failed", Cause: cause}
}

// StatusCodeOf returns the HTTP status attached to err, or 0.
func StatusCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// CodeOf returns the error code attached to err, or an empty code.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func NewMissingReceiptError(cause error) *Error {
	return &Error{Code: CodeMissingReceipt, Message: "receipt is missing", Cause: cause}
}
