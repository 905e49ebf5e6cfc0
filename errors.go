package minimux

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg        = errors.New("minimux: invalid options")
	ErrAlreadyConnected  = errors.New("minimux: already connected")
	ErrHandshake         = errors.New("minimux: handshake failed")
	ErrClosed            = errors.New("minimux: coordinator closed")
	ErrDisconnected      = errors.New("minimux: disconnected by user")
	ErrTransportClosed   = errors.New("minimux: transport closed unexpectedly")
	ErrWorkerGone        = errors.New("minimux: worker shut down")
	ErrProtocolViolation = errors.New("minimux: protocol violation")

	// errRegistryClosed is returned by resolve once nothing must be
	// delivered anymore.
	errRegistryClosed = errors.New("minimux: registry closed")
)

const (
	ClosedByUnknown ClosedBy = iota
	ClosedByUser
	ClosedByRemote
	ClosedByTransport
	ClosedByViolation
)

// ClosedBy tells which party ended a connection.
type ClosedBy uint8

func (cause ClosedBy) String() string {
	switch cause {
	case ClosedByUser:
		return "explicit user disconnect"
	case ClosedByRemote:
		return "worker"
	case ClosedByTransport:
		return "transport failure"
	case ClosedByViolation:
		return "protocol violation"
	default:
		return "unknown"
	}
}

// ClosedError is the error received by every callback still waiting when
// the connection ended, and by requests submitted afterwards.
//
// It matches ErrClosed with errors.Is, and unwraps to the reason of the
// closure, e.g. ErrDisconnected or ErrTransportClosed.
type ClosedError struct {
	Cause ClosedBy
	Err   error
}

func (closeErr *ClosedError) Error() string {
	return fmt.Sprintf("connection closed by %s: %s", closeErr.Cause, closeErr.Err)
}

func (closeErr *ClosedError) Unwrap() error {
	return closeErr.Err
}

func (closeErr *ClosedError) Is(target error) bool {
	return target == ErrClosed
}

// UnknownHashError is returned when a worker answers a hash nobody is
// waiting for.
type UnknownHashError struct {
	Hash string
}

func (hashErr *UnknownHashError) Error() string {
	return fmt.Sprintf("%s: result for unknown hash %q", ErrProtocolViolation, hashErr.Hash)
}

func (hashErr *UnknownHashError) Unwrap() error {
	return ErrProtocolViolation
}
