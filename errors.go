package nvme

import (
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
)

// Error is the structured error returned by every layer of the data path.
// Op names the failing step, Queue and Tag locate the command (-1 when not
// applicable) and Status carries the controller status for device errors.
type Error = ioerr.Error

// ErrorCode is a high-level error category
type ErrorCode = ioerr.Code

const (
	ErrCodeNoMemory      = ioerr.CodeNoMemory
	ErrCodeIO            = ioerr.CodeIO
	ErrCodeUnsupported   = ioerr.CodeUnsupported
	ErrCodeInvalidPRP    = ioerr.CodeInvalidPRP
	ErrCodeInvalidParams = ioerr.CodeInvalidParams
	ErrCodeDeviceStatus  = ioerr.CodeDeviceStatus
	ErrCodeTimeout       = ioerr.CodeTimeout
	ErrCodeBusy          = ioerr.CodeBusy
	ErrCodeNotReady      = ioerr.CodeNotReady
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrNoMemory      = ioerr.ErrNoMemory
	ErrIO            = ioerr.ErrIO
	ErrUnsupported   = ioerr.ErrUnsupported
	ErrInvalidPRP    = ioerr.ErrInvalidPRP
	ErrInvalidParams = ioerr.ErrInvalidParams
	ErrDeviceStatus  = ioerr.ErrDeviceStatus
	ErrTimeout       = ioerr.ErrTimeout
	ErrBusy          = ioerr.ErrBusy
	ErrNotReady      = ioerr.ErrNotReady
)

// NewError creates a structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return ioerr.New(op, code, msg)
}

// WrapError wraps an existing error with operation context
func WrapError(op string, inner error) *Error {
	return ioerr.Wrap(op, inner)
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	return ioerr.IsCode(err, code)
}

// IsIO reports whether err is in the I/O error family: a failed transfer,
// an unsupported operation, a bad descriptor layout or a controller status.
func IsIO(err error) bool {
	return ioerr.IsIO(err)
}

// StatusOf returns the controller status carried by err, or 0
func StatusOf(err error) uint16 {
	return ioerr.StatusOf(err)
}
