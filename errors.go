package ocr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ocr-go/ocr/internal/guid"
)

// OCRError is a structured runtime error carrying the offending
// operation, a coarse ErrorCode, and (when relevant) the GUID of the
// object involved. Generalized from the teacher's *Error
// (Op/DevID/Queue/Code/Errno/Msg/Inner): the ublk-specific
// DevID/Queue/Errno fields collapse into a single GUID field, since
// every OCR object is named by GUID rather than by device/queue
// number or kernel errno.
type OCRError struct {
	Op    string // operation that failed, e.g. "EdtCreate", "DbAcquire"
	GUID  guid.GUID
	Code  ErrorCode
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *OCRError) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if !e.GUID.IsNull() {
		parts = append(parts, fmt.Sprintf("guid=%s", e.GUID.String()))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ocr: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("ocr: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *OCRError) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, including against the legacy
// sentinel-string RuntimeError values.
func (e *OCRError) Is(target error) bool {
	if target == nil {
		return false
	}
	if re, ok := target.(RuntimeError); ok {
		code, known := runtimeErrorCode[re]
		return known && e.Code == code
	}
	if te, ok := target.(*OCRError); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category, mapping 1:1 onto the
// user-facing error codes of the public API.
type ErrorCode string

const (
	CodeEInval      ErrorCode = "EINVAL"
	CodeENoMem      ErrorCode = "ENOMEM"
	CodeEBusy       ErrorCode = "EBUSY"
	CodeEAccess     ErrorCode = "EACCES"
	CodeEPerm       ErrorCode = "EPERM"
	CodeEGUIDExists ErrorCode = "EGUIDEXISTS"
	CodeECanceled   ErrorCode = "ECANCELED"
	CodeENoSys      ErrorCode = "ENOSYS"
)

// RuntimeError is a legacy sentinel-string error type kept for simple
// equality comparisons, mirroring the teacher's UblkError.
type RuntimeError string

func (e RuntimeError) Error() string { return string(e) }

const (
	ErrInvalidParameters RuntimeError = "invalid parameters"
	ErrOutOfMemory       RuntimeError = "insufficient memory"
	ErrBusy              RuntimeError = "object busy"
	ErrAccessDenied      RuntimeError = "access denied"
	ErrPermission        RuntimeError = "operation not permitted"
	ErrGUIDExists        RuntimeError = "guid already registered"
	ErrCanceled          RuntimeError = "operation canceled"
	ErrNotImplemented    RuntimeError = "not implemented"
)

// runtimeErrorCode maps each legacy sentinel to the ErrorCode it
// corresponds to, so OCRError.Is can bridge errors.Is comparisons
// between the two error schemes.
var runtimeErrorCode = map[RuntimeError]ErrorCode{
	ErrInvalidParameters: CodeEInval,
	ErrOutOfMemory:       CodeENoMem,
	ErrBusy:              CodeEBusy,
	ErrAccessDenied:      CodeEAccess,
	ErrPermission:        CodeEPerm,
	ErrGUIDExists:        CodeEGUIDExists,
	ErrCanceled:          CodeECanceled,
	ErrNotImplemented:    CodeENoSys,
}

// NewError creates a structured error with no GUID context.
func NewError(op string, code ErrorCode, msg string) *OCRError {
	return &OCRError{Op: op, Code: code, Msg: msg}
}

// NewGUIDError creates a structured error naming the offending object.
func NewGUIDError(op string, g guid.GUID, code ErrorCode, msg string) *OCRError {
	return &OCRError{Op: op, GUID: g, Code: code, Msg: msg}
}

// WrapError wraps an existing error with OCR operation context,
// preserving a nested OCRError's Code/GUID rather than flattening it.
func WrapError(op string, inner error) *OCRError {
	if inner == nil {
		return nil
	}
	if oe, ok := inner.(*OCRError); ok {
		return &OCRError{Op: op, GUID: oe.GUID, Code: oe.Code, Msg: oe.Msg, Inner: oe.Inner}
	}
	return &OCRError{Op: op, Code: CodeEInval, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is an *OCRError (directly, or reachable
// by unwrapping) with the given code.
func IsCode(err error, code ErrorCode) bool {
	var oe *OCRError
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}
