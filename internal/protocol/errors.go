package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotInitialized is returned for a message received before Init
	ErrNotInitialized = errors.New("channel has not been initialized")
	// ErrAlreadyInitialized is returned for a second Init
	ErrAlreadyInitialized = errors.New("channel has already been initialized")
	// ErrRegistryFrozen is returned by Register once the registry is in use
	ErrRegistryFrozen = errors.New("protocol registry is frozen")
)

// Error is a protocol failure carrying the gRPC code reported to the client
type Error struct {
	Code  codes.Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// GRPCStatus lets status.FromError and status.Code recognise the error
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

// IllegalState reports an operation invalid in the channel's current state
func IllegalState(cause error) *Error {
	return &Error{Code: codes.FailedPrecondition, Msg: "illegal state", Cause: cause}
}

// Precondition reports a request the server cannot satisfy as sent
func Precondition(format string, args ...any) *Error {
	return &Error{Code: codes.FailedPrecondition, Msg: fmt.Sprintf(format, args...)}
}

// InvalidArgument reports a malformed request
func InvalidArgument(cause error, format string, args ...any) *Error {
	return &Error{Code: codes.InvalidArgument, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Unsupported reports an envelope kind or operation the server does not implement
func Unsupported(format string, args ...any) *Error {
	return &Error{Code: codes.Unimplemented, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when no provider is registered for a protocol name
type NotFoundError struct {
	Protocol string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no protocol registered for name %q", e.Protocol)
}

func (e *NotFoundError) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// NegotiationError describes a version mismatch between client and server
type NegotiationError struct {
	Protocol        string
	ServerVersion   int32
	ServerSupported int32
	ClientVersion   int32
	ClientSupported int32
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("protocol %s: cannot negotiate version, server version=%d supported=%d, client version=%d supported=%d",
		e.Protocol, e.ServerVersion, e.ServerSupported, e.ClientVersion, e.ClientSupported)
}

func (e *NegotiationError) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// CodeOf maps err to the gRPC code sent to the client.
// Errors without a code are reported as Internal.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	var gs interface{ GRPCStatus() *status.Status }
	if errors.As(err, &gs) {
		return gs.GRPCStatus().Code()
	}
	switch {
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrAlreadyInitialized):
		return codes.FailedPrecondition
	}
	return codes.Internal
}
