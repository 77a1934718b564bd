package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind uint8

const (
	// KindProtocol errors abandon the connection's framing.
	KindProtocol Kind = iota + 1
	// KindNotFound is a call naming a function the provider does not export.
	KindNotFound
	// KindApplication is a failure raised or reported by a function.
	KindApplication
	// KindUnhandled is any failure that fits no other kind.
	KindUnhandled
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindNotFound:
		return "not_found"
	case KindApplication:
		return "application"
	case KindUnhandled:
		return "unhandled"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Failure codes sent to the supervisor.
const (
	CodeInvalidVersion     = "invalid_ipc_version"
	CodeInvalidReserved    = "invalid_ipc_reserved"
	CodeInvalidCode        = "invalid_ipc_code"
	CodeUnsupportedCode    = "unsupported_ipc_code"
	CodeFunctionNotFound   = "function_not_found"
	CodeUnhandledError     = "unhandled_error"
	CodeInvalidFunctionMsg = "invalid_function_message"
	CodeInvalidArgument    = "invalid_argument"
	CodeInvalidArgCount    = "invalid_argument_count"
)

var templates = map[string]string{
	CodeInvalidVersion:   "Invalid IPC version (%v)",
	CodeInvalidReserved:  "Invalid IPC reserved byte value (%v)",
	CodeInvalidCode:      "Invalid IPC message code (%v)",
	CodeUnsupportedCode:  "Unsupported IPC message code (%v)",
	CodeFunctionNotFound: "Function not found (%v)",
}

// Error is the single error shape of the provider: every failure carries a
// machine-readable code and a human-readable message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// ErrorCode exposes the failure code without a type assertion.
func (e *Error) ErrorCode() string { return e.Code }

func templated(kind Kind, code string, v any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(templates[code], v)}
}

func InvalidVersion(v byte) *Error  { return templated(KindProtocol, CodeInvalidVersion, v) }
func InvalidReserved(v byte) *Error { return templated(KindProtocol, CodeInvalidReserved, v) }
func InvalidCode(v byte) *Error     { return templated(KindProtocol, CodeInvalidCode, v) }
func UnsupportedCode(c Code) *Error { return templated(KindProtocol, CodeUnsupportedCode, byte(c)) }

// FunctionNotFound reports a call to a name absent from the function table.
func FunctionNotFound(name string) *Error {
	return templated(KindNotFound, CodeFunctionNotFound, name)
}

// AppError is a failure reported by application code.
func AppError(code, message string) *Error {
	return &Error{Kind: KindApplication, Code: code, Message: message}
}

// Unhandled wraps a failure that carries no code of its own.
func Unhandled(message string) *Error {
	return &Error{Kind: KindUnhandled, Code: CodeUnhandledError, Message: message}
}

// IsFatal reports whether err abandons the connection's framing.
func IsFatal(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindProtocol
}
