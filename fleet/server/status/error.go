package status

import (
	"errors"
	"fmt"
)

const (
	// NoCapacity indicates that no eligible server or domain exists for placement
	NoCapacity Type = 1

	// RemoteUnreachable indicates a timeout or connection error against an external collaborator
	RemoteUnreachable Type = 2

	// RemoteRejected indicates a non-timeout error response from an external collaborator
	RemoteRejected Type = 3

	// Inconsistent indicates that remote side effects were applied but the local state could not follow
	Inconsistent Type = 4

	// NotFound indicates that the object wasn't found in the store
	NotFound Type = 5

	// InvalidArgument indicates some generic invalid argument error
	InvalidArgument Type = 6

	// PreconditionFailed indicates that some pre-condition for the operation hasn't been fulfilled
	PreconditionFailed Type = 7

	// Internal indicates some generic internal error
	Internal Type = 8
)

// Type is a type of the Error
type Type int32

func (t Type) String() string {
	switch t {
	case NoCapacity:
		return "no_capacity"
	case RemoteUnreachable:
		return "remote_unreachable"
	case RemoteRejected:
		return "remote_rejected"
	case Inconsistent:
		return "inconsistent"
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case PreconditionFailed:
		return "precondition_failed"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Error is an internal error
type Error struct {
	ErrorType Type
	Message   string
	// RemoteStatus is the HTTP status reported by a remote collaborator, 0 when not applicable
	RemoteStatus int
	// RemoteBody is the response body of a rejected remote call
	RemoteBody string
	// Detail carries structured context for manual reconciliation, e.g. applied saga steps
	Detail map[string]any
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

// Error is an error string
func (e *Error) Error() string {
	return e.Message
}

// Errorf returns Error(ErrorType, fmt.Sprintf(format, a...)).
func Errorf(errorType Type, format string, a ...interface{}) error {
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
	}
}

// FromError returns Error, true if the provided error is of type of Error. nil, false otherwise
func FromError(err error) (s *Error, ok bool) {
	if err == nil {
		return nil, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsType reports whether err carries the given error type anywhere in its chain
func IsType(err error, t Type) bool {
	if err == nil {
		return false
	}
	e, ok := FromError(err)
	return ok && e.ErrorType == t
}

// NewRemoteUnreachableError wraps a transport failure against host
func NewRemoteUnreachableError(host string, cause error) error {
	return &Error{
		ErrorType: RemoteUnreachable,
		Message:   fmt.Sprintf("remote %s unreachable: %v", host, cause),
	}
}

// NewRemoteRejectedError creates an error for a non-2xx response from host
func NewRemoteRejectedError(host string, code int, body string) error {
	return &Error{
		ErrorType:    RemoteRejected,
		Message:      fmt.Sprintf("remote %s rejected request with status %d: %s", host, code, body),
		RemoteStatus: code,
		RemoteBody:   body,
	}
}

// NewInconsistentError creates an error describing side effects the local store does not reflect
func NewInconsistentError(msg string, detail map[string]any) error {
	return &Error{
		ErrorType: Inconsistent,
		Message:   msg,
		Detail:    detail,
	}
}

// NewNoCapacityError creates a new Error with NoCapacity type
func NewNoCapacityError() error {
	return Errorf(NoCapacity, "there is no server with free capacity for a new account")
}

// NewServerNotFoundError creates a new Error with NotFound type for a missing server
func NewServerNotFoundError(ip string) error {
	return Errorf(NotFound, "server not found: %s", ip)
}

// NewDomainNotFoundError creates a new Error with NotFound type for a missing domain
func NewDomainNotFoundError(ref string) error {
	return Errorf(NotFound, "domain not found: %s", ref)
}

// NewAccountNotFoundError creates a new Error with NotFound type for a missing account
func NewAccountNotFoundError(ref string) error {
	return Errorf(NotFound, "account not found: %s", ref)
}

// NewPlanNotFoundError creates a new Error with NotFound type for a missing plan
func NewPlanNotFoundError(id uint) error {
	return Errorf(NotFound, "plan not found: %d", id)
}
