package valve

import (
	"errors"
	"fmt"
)

// Error categories. Every *Error matches exactly one of these with errors.Is.
var (
	// ErrConnectivity means the valve never answered; the driver is unusable.
	ErrConnectivity = errors.New("valve connectivity error")
	// ErrProtocol means the valve answered with something the driver cannot use.
	ErrProtocol = errors.New("valve protocol error")
	// ErrDomain means the caller asked for a port that does not exist.
	ErrDomain = errors.New("valve domain error")
	// ErrConfiguration means the driver was set up with invalid options.
	ErrConfiguration = errors.New("valve configuration error")
)

// Kind identifies the category of an *Error.
type Kind int

const (
	KindConnectivity Kind = iota
	KindProtocol
	KindDomain
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindProtocol:
		return "protocol"
	case KindDomain:
		return "domain"
	case KindConfiguration:
		return "configuration"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConnectivity:
		return ErrConnectivity
	case KindProtocol:
		return ErrProtocol
	case KindDomain:
		return ErrDomain
	default:
		return ErrConfiguration
	}
}

// Error describes a failed valve operation.
type Error struct {
	Kind Kind
	// Op is the operation or command that failed, e.g. "NP" or "select".
	Op  string
	Msg string
	// Err is an optional underlying cause.
	Err error
}

func (e *Error) Error() string {
	s := e.Msg
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the category sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func protocolError(op, msg string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Msg: msg, Err: err}
}

func domainError(op, msg string) *Error {
	return &Error{Kind: KindDomain, Op: op, Msg: msg}
}

func configError(msg string) *Error {
	return &Error{Kind: KindConfiguration, Msg: msg}
}

// KindOf returns the category of err and whether err is a valve error at all.
func KindOf(err error) (Kind, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return 0, false
}
