package faults

import (
	"errors"
	"fmt"

	"github.com/putao520/warden-lab/internal/codes"
)

type Kind string

const (
	KindStartup   Kind = "startup"
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
	KindClosed    Kind = "closed"
	KindProtocol  Kind = "protocol"
)

// Error is the taxonomy shared by the supervisor, the transport and the
// scenarios. Diagnostic fields are optional; a zero value means "unknown".
type Error struct {
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Set on closed errors when the subject's exit status is known.
	ExitCode *int `json:"exitCode,omitempty"`
	// Last stderr lines of the subject at the time of failure.
	StderrTail []string `json:"stderrTail,omitempty"`
	// Bytes read but not yet framed when a timeout fired.
	BufferedBytes int64 `json:"bufferedBytes,omitempty"`

	Underlying error `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "harness error"
	}
	msg := e.Message
	if e.Underlying != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Underlying)
	}
	if e.Code == "" {
		return msg
	}
	if msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Underlying
}

func CodeForKind(kind Kind) string {
	switch kind {
	case KindStartup:
		return codes.SubjectStartup
	case KindTransport:
		return codes.Transport
	case KindTimeout:
		return codes.Timeout
	case KindClosed:
		return codes.SubjectExited
	case KindProtocol:
		return codes.Protocol
	default:
		return codes.Protocol
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Code: CodeForKind(kind), Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return New(kind, message)
	}
	return &Error{Code: CodeForKind(kind), Kind: kind, Message: message, Underlying: err}
}

func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err is a harness error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
