// Package flow provides the message transport used between a minimux
// coordinator and its worker.
//
// A [Raw] flow is a pair of one-way raw flows, one per direction. Raw flows
// are blocking and not thread-safe; most users wrap each direction in a
// [Sender] and a [Receiver], which are buffered, typed and safe for
// concurrent use.
//
// Three raw flow implementations are provided:
//
//   - [Pipe], an in-process flow built on Go channels. Values are passed
//     through [Encoder.ProcessLocal] and never serialised.
//   - [StartProcess], a subprocess speaking length-prefixed frames over its
//     stdin and stdout.
//   - [DialQUIC] and [ListenQUIC], a bidirectional QUIC stream.
package flow

import (
	"errors"
	"io"
)

var (
	ErrFlowClosed    = errors.New("flow: closed")
	ErrTooLargeFrame = errors.New("flow: frame exceeds the maximum size")
	ErrTypeMismatch  = errors.New("flow: unexpected message type")
	ErrNoTLSConfig   = errors.New("flow: a tls.Config is required")
)

// Raw is a bidirectional raw flow.
//
// Most users should not use it directly but wrap it
// in a [Sender] and [Receiver] for a better DX.
type Raw struct {
	RawReceiver
	RawSender

	// Conn, when set, owns the resources shared by both directions (a QUIC
	// connection, a child process). It is closed after both directions.
	Conn io.Closer
}

// Close closes both directions, then the shared connection. The flows of
// this package may be closed more than once: only the first call releases
// anything.
func (r Raw) Close() error {
	var errs []error
	if r.RawReceiver != nil {
		errs = append(errs, r.RawReceiver.Close())
	}
	if r.RawSender != nil {
		errs = append(errs, r.RawSender.Close())
	}
	if r.Conn != nil {
		errs = append(errs, r.Conn.Close())
	}
	return errors.Join(errs...)
}

// Codec can both encode and decode messages.
type Codec interface {
	Encoder
	Decoder
}
