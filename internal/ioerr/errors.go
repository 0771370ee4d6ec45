// Package ioerr defines the structured error type shared by the data path
// and the public API.
package ioerr

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Code represents a high-level error category
type Code string

const (
	CodeNoMemory      Code = "insufficient memory"
	CodeIO            Code = "I/O error"
	CodeUnsupported   Code = "unsupported operation"
	CodeInvalidPRP    Code = "invalid descriptor layout"
	CodeInvalidParams Code = "invalid parameters"
	CodeDeviceStatus  Code = "device reported error status"
	CodeTimeout       Code = "timeout"
	CodeBusy          Code = "busy"
	CodeNotReady      Code = "controller not ready"
)

// Error represents a structured data-path error
type Error struct {
	Op     string        // operation that failed (e.g. "dispatch", "create_sq")
	Queue  int           // queue id (-1 if not applicable)
	Tag    int           // command id (-1 if not applicable)
	Code   Code          // high-level category
	Status uint16        // NVMe status code (status field >> 1)
	Errno  syscall.Errno // platform errno (0 if not applicable)
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("qid=%d", e.Queue))
	}
	if e.Tag >= 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", e.Tag))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%#x", e.Status))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("nvme: %s (%s)", msg, strings.Join(parts, " "))
	}
	return "nvme: " + msg
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on Code, so errors.Is(err, ErrNoMemory) holds for any
// insufficient-memory error regardless of context.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok || te == nil {
		return false
	}
	return e.Code == te.Code
}

// Sentinels for errors.Is
var (
	ErrNoMemory      = &Error{Code: CodeNoMemory, Queue: -1, Tag: -1}
	ErrIO            = &Error{Code: CodeIO, Queue: -1, Tag: -1}
	ErrUnsupported   = &Error{Code: CodeUnsupported, Queue: -1, Tag: -1}
	ErrInvalidPRP    = &Error{Code: CodeInvalidPRP, Queue: -1, Tag: -1}
	ErrInvalidParams = &Error{Code: CodeInvalidParams, Queue: -1, Tag: -1}
	ErrDeviceStatus  = &Error{Code: CodeDeviceStatus, Queue: -1, Tag: -1}
	ErrTimeout       = &Error{Code: CodeTimeout, Queue: -1, Tag: -1}
	ErrBusy          = &Error{Code: CodeBusy, Queue: -1, Tag: -1}
	ErrNotReady      = &Error{Code: CodeNotReady, Queue: -1, Tag: -1}
)

// New creates a structured error without queue context
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Queue: -1, Tag: -1, Code: code, Msg: msg}
}

// NewQueueError creates a structured error bound to a queue and tag
func NewQueueError(op string, qid uint16, tag uint16, code Code, msg string) *Error {
	return &Error{Op: op, Queue: int(qid), Tag: int(tag), Code: code, Msg: msg}
}

// NewStatusError reports a non-zero completion status
func NewStatusError(op string, qid uint16, tag uint16, status uint16) *Error {
	return &Error{
		Op:     op,
		Queue:  int(qid),
		Tag:    int(tag),
		Code:   CodeDeviceStatus,
		Status: status,
		Msg:    fmt.Sprintf("command failed with status %#x", status),
	}
}

// Wrap wraps an existing error with operation context
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		return &Error{
			Op:     op,
			Queue:  se.Queue,
			Tag:    se.Tag,
			Code:   se.Code,
			Status: se.Status,
			Errno:  se.Errno,
			Msg:    se.Msg,
			Inner:  inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Tag:   -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Queue: -1, Tag: -1, Code: CodeIO, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeNoMemory
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidParams
	case syscall.EOPNOTSUPP, syscall.ENOSYS:
		return CodeUnsupported
	case syscall.ETIMEDOUT:
		return CodeTimeout
	case syscall.EBUSY, syscall.EAGAIN:
		return CodeBusy
	default:
		return CodeIO
	}
}

// IsCode checks if an error carries a specific code
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsIO reports whether err belongs to the I/O error family surfaced to the
// block layer: generic I/O, unsupported op, device status and descriptor
// format failures all end a request with an I/O error.
func IsIO(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case CodeIO, CodeUnsupported, CodeDeviceStatus, CodeInvalidPRP:
		return true
	}
	return false
}

// StatusOf extracts the NVMe status code from err, or 0
func StatusOf(err error) uint16 {
	var se *Error
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
