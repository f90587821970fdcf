package core

import (
	"errors"
	"maps"
	"net/http"
)

type ErrorCode int

const (
	ErrorCodeInternal ErrorCode = iota
	ErrorCodeValidation
	ErrorCodeConflict
	ErrorCodeNotFound
	// ErrorCodeFetch covers network/transport/decoding failures while
	// retrieving the remote list. Retryable.
	ErrorCodeFetch
	// ErrorCodeDispatch covers failed or timed-out filtering-process
	// reloads. Undispatched entries stay pending. Retryable.
	ErrorCodeDispatch
	// ErrorCodeStore covers a failed persistence transaction. Fatal for
	// the current operation, never a partial commit.
	ErrorCodeStore
	// ErrorCodePrecondition is the "filter not enabled" condition: not a
	// transient error, requires user action outside this core.
	ErrorCodePrecondition
)

type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	Operation string
	Meta      map[string]string
	// RetryPolicy marks errors a re-run of the pipeline may clear.
	RetryPolicy bool
	// SafeToShow indicates the message may be surfaced to users.
	SafeToShow bool
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); !ok {
		return false
	} else {
		return e.Code == t.Code
	}
}

func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func (e *AppError) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case ErrorCodeValidation:
		return http.StatusBadRequest
	case ErrorCodeConflict:
		return http.StatusConflict
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeFetch:
		return http.StatusBadGateway
	case ErrorCodeDispatch:
		return http.StatusServiceUnavailable
	case ErrorCodePrecondition:
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

func (e *AppError) PublicMessage() string {
	if e == nil {
		return "internal error"
	}
	if e.SafeToShow {
		return e.Message
	}
	return "internal error"
}

// Clone performs a copy of the error + deep-copy of Meta.
func (e *AppError) Clone() *AppError {
	if e == nil {
		return nil
	}
	c := *e
	if e.Meta == nil {
		return &c
	}

	c.Meta = make(map[string]string, len(e.Meta))
	maps.Copy(c.Meta, e.Meta)

	return &c
}

// WithOper returns a copy of the error with the operation set.
func (e *AppError) WithOper(o string) *AppError {
	if e == nil {
		return nil
	}
	c := e.Clone()
	c.Operation = o

	return c
}

// WithMeta returns a copy of the error with a key-value meta added.
func (e *AppError) WithMeta(k, v string) *AppError {
	if e == nil {
		return nil
	}
	c := e.Clone()
	if c.Meta == nil {
		c.Meta = make(map[string]string, 1)
	}
	c.Meta[k] = v
	return c
}

func AsAppError(err error) (*AppError, bool) {
	if err == nil {
		return nil, false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Retryable reports whether re-running the pipeline may clear err.
func Retryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.RetryPolicy
	}
	return false
}

type AppErrorBuilder struct {
	code    ErrorCode
	message string
	err     error

	operation   string
	meta        map[string]string
	retryPolicy bool
	safeToShow  bool
}

func NewAppErrorBuilder(code ErrorCode) *AppErrorBuilder {
	return &AppErrorBuilder{
		code: code,
	}
}
func (b *AppErrorBuilder) Message(m string) *AppErrorBuilder {
	b.message = m
	return b
}
func (b *AppErrorBuilder) Err(e error) *AppErrorBuilder {
	b.err = e
	return b
}
func (b *AppErrorBuilder) Oper(o string) *AppErrorBuilder {
	b.operation = o
	return b
}
func (b *AppErrorBuilder) Meta(k, v string) *AppErrorBuilder {
	if b.meta == nil {
		b.meta = make(map[string]string, 1)
	}
	b.meta[k] = v
	return b
}
func (b *AppErrorBuilder) RetryPolicy(r bool) *AppErrorBuilder {
	b.retryPolicy = r
	return b
}
func (b *AppErrorBuilder) SafeToShow(safe bool) *AppErrorBuilder {
	b.safeToShow = safe
	return b
}
func (b *AppErrorBuilder) Build() *AppError {
	meta := b.meta
	b.meta = nil // if builder is reused
	return &AppError{
		Code:        b.code,
		Message:     b.message,
		Err:         b.err,
		Operation:   b.operation,
		Meta:        meta,
		RetryPolicy: b.retryPolicy,
		SafeToShow:  b.safeToShow,
	}
}

// Some useful constructors.

func NewInternalError(message string, err error, op string) *AppError {
	return NewAppErrorBuilder(ErrorCodeInternal).
		Message(message).
		Err(err).
		Oper(op).
		SafeToShow(false).
		Build()
}

func NewPatternValidationError(pattern, reason string, op string) *AppError {
	return NewAppErrorBuilder(ErrorCodeValidation).
		Message("invalid pattern " + pattern + ": " + reason).
		Oper(op).
		SafeToShow(true).
		Build()
}

func NewFetchError(message string, err error, op string) *AppError {
	return NewAppErrorBuilder(ErrorCodeFetch).
		Message(message).
		Err(err).
		Oper(op).
		RetryPolicy(true).
		SafeToShow(true).
		Build()
}

func NewDispatchError(message string, err error, op string) *AppError {
	return NewAppErrorBuilder(ErrorCodeDispatch).
		Message(message).
		Err(err).
		Oper(op).
		RetryPolicy(true).
		SafeToShow(true).
		Build()
}

func NewStoreError(message string, err error, op string) *AppError {
	return NewAppErrorBuilder(ErrorCodeStore).
		Message(message).
		Err(err).
		Oper(op).
		SafeToShow(false).
		Build()
}

func NewEntryConflictError(id string, op string) *AppError {
	return NewAppErrorBuilder(ErrorCodeConflict).
		Message("entry " + id + " already exists").
		Oper(op).
		SafeToShow(true).
		Build()
}

func NewEntryNotFoundError(id string, op string) *AppError {
	return NewAppErrorBuilder(ErrorCodeNotFound).
		Message("entry " + id + " not found").
		Oper(op).
		SafeToShow(true).
		Build()
}

func NewNotEnabledError(op string) *AppError {
	return NewAppErrorBuilder(ErrorCodePrecondition).
		Message("call filtering is not enabled on this device").
		Oper(op).
		SafeToShow(true).
		Build()
}
