package flow

import (
	"context"
	"io"
	"sync"
)

// RawSender is a non-thread safe and blocking flow which should
// only be used by power users.
//
// Methods MUST NOT be called concurrently.
type RawSender interface {
	Send(Encoder, interface{}) error
	Close() error
}

// Encoder can encode messages on a stream.
// It is supposed to return an error only when a final error is
// encountered.
type Encoder interface {
	Encode(io.Writer, interface{}) error
	ProcessLocal(interface{}) (interface{}, error)
}

type Clonable interface {
	Clone() interface{}
}

// Sender is a thread-safe and typed flow writer.
//
// Messages are queued in a buffer and written by a background goroutine,
// so Send only waits when the buffer is full.
type Sender[T any] struct {
	raw RawSender
	enc Encoder

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writers      sync.WaitGroup
	err          error
	lk           sync.Mutex
	writeOnce    sync.Once
	rawCloseOnce sync.Once
	rawCloseErr  error
}

func NewSender[T any](raw RawSender, enc Encoder, bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		raw: raw,
		enc: enc,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

// Send queues msg. The sender owns msg from then on: it is encoded, or
// copied by [Encoder.ProcessLocal], later on by the writer goroutine, so
// callers must not mutate it after Send.
func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		err := w.err
		w.lk.Unlock()
		return err
	}
	w.writers.Add(1)
	defer w.writers.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.Err()
	case w.writeCh <- msg:
	}

	return nil
}

// Err returns why the sender stopped accepting messages, or nil.
func (w *Sender[T]) Err() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.err
}

// Close stops accepting messages, flushes the ones already queued and
// closes the raw flow.
func (w *Sender[T]) Close() error {
	w.markClosed(ErrFlowClosed)
	w.writeOnce.Do(func() {
		// writers are woken up by closeCh, none can start anymore.
		w.writers.Wait()
		close(w.writeCh)
	})
	w.mainLoopWg.Wait()
	return w.rawCloseErr
}

func (w *Sender[T]) markClosed(cause error) {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.err != nil {
		return
	}
	w.err = cause
	close(w.closeCh)
}

func (w *Sender[T]) closeRaw() {
	w.rawCloseOnce.Do(func() {
		w.rawCloseErr = w.raw.Close()
	})
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	defer w.closeRaw()

	failed := false
	for msg := range w.writeCh {
		if failed {
			// drop what was queued before the failure.
			continue
		}

		err := w.raw.Send(w.enc, msg)
		if err != nil {
			w.markClosed(err)
			w.closeRaw()
			failed = true
		}
	}
}
