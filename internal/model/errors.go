package model

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a model failure class. The admin API reports these
// codes verbatim as CallError statuses, so the values are part of the wire
// contract.
type ErrorCode string

const (
	ErrCodeNoSuchCharger             ErrorCode = "NoSuchCharger"
	ErrCodeNoSuchGroup               ErrorCode = "NoSuchGroup"
	ErrCodeNoSuchTag                 ErrorCode = "NoSuchTag"
	ErrCodeNoSuchConnector           ErrorCode = "NoSuchConnector"
	ErrCodeNoSuchComponent           ErrorCode = "NoSuchComponent"
	ErrCodeTagExists                 ErrorCode = "TagExists"
	ErrCodeChargerAlreadyExists      ErrorCode = "ChargerAlreadyExists"
	ErrCodeConnectorNotInTransaction ErrorCode = "ConnectorNotInTransaction"
	ErrCodeChargerNotConnected       ErrorCode = "ChargerNotConnected"
	ErrCodeNotAllocationGroup        ErrorCode = "NotAllocationGroup"
	ErrCodePriorityNotSupplied       ErrorCode = "PriorityNotSupplied"
	ErrCodeIllegalArguments          ErrorCode = "IllegalArguments"
	ErrCodeNotAuthorized             ErrorCode = "NotAuthorized"
	ErrCodeInvalidLogin              ErrorCode = "InvalidLogin"
	ErrCodeProtocolError             ErrorCode = "ProtocolError"
)

// Error is the error type returned by model operations.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a model error with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err, or ProtocolError when err is not a
// model error.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ErrCodeProtocolError
}

// IsCode reports whether err carries the given model error code.
func IsCode(err error, code ErrorCode) bool {
	var me *Error
	return errors.As(err, &me) && me.Code == code
}
