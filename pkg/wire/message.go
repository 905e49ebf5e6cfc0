// Package wire defines the messages exchanged between a minimux
// coordinator and its worker.
//
// On the transport, every message is a single dynamically typed value
// ([structpb.Value]), so workers written in any language can speak the
// protocol through the JSON codec:
//
//	coordinator -> worker  "initialize"                           Initialize
//	worker -> coordinator  "<config identity>"                    ConfigIdentity
//	coordinator -> worker  {hash, code, nameForMap?, externals?}  Request
//	worker -> coordinator  {hash, error?, code?, map?}            Result
//	worker -> coordinator  <number>                               Heartbeat
//	worker -> coordinator  false                                  Goodbye
//
// In Go, each shape is a distinct type implementing [Message].
package wire

import (
	"fmt"
)

// Message is one of the variants of the protocol.
type Message interface {
	// Kind is a short stable name of the variant, used in logs and metrics.
	Kind() string
}

// Initialize opens the handshake. It is the first message a coordinator
// sends.
type Initialize struct{}

func (Initialize) Kind() string { return "initialize" }

// ConfigIdentity answers Initialize. Hash identifies the minification
// settings of the worker: results obtained under another identity must
// not be reused.
type ConfigIdentity struct {
	Hash string
}

func (ConfigIdentity) Kind() string { return "config_identity" }

// Request asks for Code to be minified.
//
// Hash identifies the request. It must be a deterministic function of Code
// and of any context influencing the output, since requests sharing a Hash
// are answered once.
type Request struct {
	Hash string
	Code string
	// NameForMap is the file name used in the source map, empty when no
	// source map is wanted.
	NameForMap string
	// Externals are identifiers the minifier must not rename, nil when
	// unspecified.
	Externals []string
}

func (Request) Kind() string { return "request" }

// Result answers the Request with the same Hash.
//
// When Err is nil, the minification succeeded, Code holds the output and
// Map the optional source map. Otherwise, Code and Map are empty.
type Result struct {
	Hash string
	Err  error
	Code string
	Map  map[string]interface{}
}

func (Result) Kind() string { return "result" }

// Failed reports whether the worker could not minify the code.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Heartbeat is sent periodically by a worker, Pending is the number of
// requests it is processing.
type Heartbeat struct {
	Pending int
}

func (Heartbeat) Kind() string { return "heartbeat" }

// Goodbye announces that the worker is shutting down and will not answer
// any more request.
type Goodbye struct{}

func (Goodbye) Kind() string { return "goodbye" }

// WorkerError is a minification failure reported by a worker. The
// coordinator hands it to callers untouched.
type WorkerError struct {
	Message string
	// Stack is the stack trace of the worker, if it sent one.
	Stack string
}

func (werr *WorkerError) Error() string {
	return fmt.Sprintf("worker: %s", werr.Message)
}
