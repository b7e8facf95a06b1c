// Package errs defines the error taxonomy shared by the gateway, the actor
// runtime and the remote transport: numeric wire codes, the policy kind
// attached to each code, and the typed Error that handlers return to surface
// a specific code to the client.
package errs

import (
	"errors"
	"fmt"
)

// Wire error codes. Grouped by policy family: 1xx system, 2xx authorization,
// 4xx business, 5xx transient-remote, 6xx capacity.
const (
	CodeSuccess uint32 = 0

	CodeSystemError   uint32 = 100
	CodeFrameOverflow uint32 = 101
	CodeParseError    uint32 = 102

	CodeTokenInvalid uint32 = 201
	CodeForbidden    uint32 = 202

	CodeIllegalOperation  uint32 = 400
	CodeValidation        uint32 = 401
	CodeResourceMissing   uint32 = 402
	CodeNotEnoughCurrency uint32 = 403
	CodeDuplicate         uint32 = 404

	CodeRPCTimeout         uint32 = 501
	CodeCircuitOpen        uint32 = 502
	CodeServiceUnavailable uint32 = 503

	CodeMailboxFull        uint32 = 601
	CodeSessionPendingFull uint32 = 602
)

// Kind classifies a code for dispatch policy (see KindOf).
type Kind int

const (
	KindSystem Kind = iota
	KindProtocol
	KindAuth
	KindBusiness
	KindRemote
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindBusiness:
		return "business"
	case KindRemote:
		return "remote"
	case KindCapacity:
		return "capacity"
	default:
		return "system"
	}
}

// CloseConnection reports whether the owning connection must be closed after
// surfacing an error of this kind. Only protocol violations close the pipe;
// everything else answers with a typed code and keeps the session alive.
func (k Kind) CloseConnection() bool {
	return k == KindProtocol
}

// Error is a typed error carrying a wire code. Handlers return it (directly
// or wrapped) to control the error code of the RESPONSE frame.
type Error struct {
	Code    uint32
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// New builds a typed error with the given code.
func New(code uint32, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a typed error with a formatted message.
func Newf(code uint32, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from err. Untyped errors map to
// CodeSystemError; nil maps to CodeSuccess.
func CodeOf(err error) uint32 {
	if err == nil {
		return CodeSuccess
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeSystemError
}

// MessageOf returns the client-visible message for err. Untyped errors are
// masked behind a generic message so internals never leak to the wire.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return "internal error"
}

// KindOf maps a wire code to its policy kind.
func KindOf(code uint32) Kind {
	switch {
	case code == CodeFrameOverflow || code == CodeParseError:
		return KindProtocol
	case code >= 200 && code < 300:
		return KindAuth
	case code >= 400 && code < 500:
		return KindBusiness
	case code >= 500 && code < 600:
		return KindRemote
	case code >= 600 && code < 700:
		return KindCapacity
	default:
		return KindSystem
	}
}
