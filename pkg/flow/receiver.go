package flow

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
)

// RawReceiver is a non-thread safe and blocking flow which should
// only be used by power users.
//
// Methods MUST NOT be called concurrently.
type RawReceiver interface {
	Recv(Decoder) (interface{}, error)
	Close() error
}

// Decoder can decode messages from a stream.
// It is supposed to return an error only when a final error is
// encountered.
type Decoder interface {
	Decode(io.Reader) (interface{}, error)
}

// Receiver is a thread-safe and typed flow reader.
//
// A background goroutine reads ahead into a buffer. Messages read before
// the flow failed are still returned by Recv, the failure is reported
// once the buffer is drained.
type Receiver[T any] struct {
	raw RawReceiver
	dec Decoder

	readCh     chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	err          error
	lk           sync.Mutex
	rawCloseOnce sync.Once
	rawCloseErr  error
}

func NewReceiver[T any](raw RawReceiver, dec Decoder, bufferSize uint) *Receiver[T] {
	r := &Receiver[T]{
		raw: raw,
		dec: dec,

		readCh:  make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	r.mainLoopWg.Add(1)
	go r.run()

	return r
}

func (r *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem, ok := <-r.readCh:
		if !ok {
			return result, r.Err()
		}
		return elem, nil
	}
}

// Err returns why the receiver stopped, or nil.
func (r *Receiver[T]) Err() error {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.err
}

func (r *Receiver[T]) Close() error {
	r.markClosed(ErrFlowClosed)
	r.closeRaw()
	r.mainLoopWg.Wait()
	return r.rawCloseErr
}

func (r *Receiver[T]) markClosed(cause error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.err != nil {
		return
	}
	r.err = cause
	close(r.closeCh)
}

func (r *Receiver[T]) closeRaw() {
	r.rawCloseOnce.Do(func() {
		r.rawCloseErr = r.raw.Close()
	})
}

func (r *Receiver[T]) run() {
	defer r.mainLoopWg.Done()
	defer close(r.readCh)

	for {
		elem, err := r.raw.Recv(r.dec)
		if err != nil {
			r.markClosed(err)
			r.closeRaw()
			return
		}

		msg, ok := elem.(T)
		if !ok {
			r.markClosed(fmt.Errorf(
				"%w: decoder returned %s instead of %s",
				ErrTypeMismatch,
				reflect.TypeOf(elem),
				reflect.TypeFor[T](),
			))
			r.closeRaw()
			return
		}

		select {
		case <-r.closeCh:
			return
		case r.readCh <- msg:
		}
	}
}
