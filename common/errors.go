package common

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrCode int

const (
	TransportError ErrCode = iota + 1000
	ProtocolError
	DaemonError
	InvalidPath
	PoolFailed
	InvalidConfiguration ErrCode = iota + 3000
	InternalError        ErrCode = iota + 5000
)

func NewStoreErrorf(errorCode ErrCode, msgFormat string, args ...interface{}) StoreError {
	msg := fmt.Sprintf(msgFormat, args...)
	return NewStoreError(errorCode, msg)
}

func NewStoreError(errorCode ErrCode, msg string) StoreError {
	return StoreError{Code: errorCode, Msg: msg}
}

// NewDaemonError wraps an error message reported by the daemon at a frame
// boundary. Status is the daemon's exit status for the failed operation.
func NewDaemonError(msg string, status int) StoreError {
	return StoreError{Code: DaemonError, Msg: msg, Status: status}
}

func NewInvalidPathErrorf(msgFormat string, args ...interface{}) StoreError {
	return StoreError{Code: InvalidPath, Msg: fmt.Sprintf(msgFormat, args...), Status: 1}
}

func IsStoreErrorWithCode(err error, code ErrCode) bool {
	var serr StoreError
	if errors.As(err, &serr) {
		if serr.Code == code {
			return true
		}
	}
	return false
}

// IsDaemonError reports whether err was reported by the daemon itself, i.e.
// the wire remained at a message boundary when it was raised.
func IsDaemonError(err error) bool {
	return IsStoreErrorWithCode(err, DaemonError) || IsStoreErrorWithCode(err, InvalidPath)
}

func IsInvalidPath(err error) bool {
	return IsStoreErrorWithCode(err, InvalidPath)
}

type StoreError struct {
	Code   ErrCode
	Msg    string
	Status int
}

func (u StoreError) Error() string {
	return u.Msg
}
