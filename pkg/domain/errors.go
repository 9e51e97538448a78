package domain

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error classification.
type Code string

const (
	CodeDuplicateID        Code = "DuplicateId"
	CodeNotFound           Code = "NotFound"
	CodeAttributeNotFound  Code = "AttributeNotFound"
	CodeUnauthorized       Code = "Unauthorized"
	CodePersistenceFailure Code = "PersistenceFailure"
	CodeProtocolError      Code = "ProtocolError"
	CodeInternal           Code = "Internal"
)

// Error carries a Code alongside a human readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrDuplicateID        = &Error{Code: CodeDuplicateID, Message: "duplicate id"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAttributeNotFound  = &Error{Code: CodeAttributeNotFound, Message: "attribute not found"}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrPersistenceFailure = &Error{Code: CodePersistenceFailure, Message: "persistence failure"}
	ErrProtocol           = &Error{Code: CodeProtocolError, Message: "protocol error"}
)

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
