// Package minimux coordinates minification requests sent to an external
// worker, deduplicating them by content hash.
//
// ## How it works
//
// A `Coordinator` owns one flow to a worker. The worker can live in the
// same process (`NewInProcess`), in a child process talking over
// stdin/stdout (`Spawn`) or behind a QUIC connection (`Dial`). Remote
// workers can be discovered through gossip, see `pkg/discovery`.
//
// `Coordinator.Connect` performs the handshake: the coordinator sends
// `initialize` and the worker answers with the hash of its configuration,
// so callers know which settings produced the code they will receive.
//
// Then, every `Coordinator.Minify` call is keyed by the hash of the
// content. The first caller for a hash dispatches the request, the
// following ones simply wait in line. When the worker answers, every
// waiting callback receives the result, in the order they called, and
// the hash is forgotten: minimux is NOT a cache.
//
// ## Failures
//
// A result for a hash nobody waits for means the worker and the
// coordinator disagree on the protocol: the connection is closed.
// Whatever closes the connection, a disconnection, the worker leaving or
// a broken transport, every pending callback is completed with a
// `*ClosedError` telling who closed it. Callbacks are never silently
// dropped.
//
// ## Wire format
//
// Messages are `google.protobuf.Value`s, length-prefixed on byte streams.
// Binary protobuf is the default, `flow.NewProtoJSONCodec` is available for
// workers which only speak JSON.
package minimux
