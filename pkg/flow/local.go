package flow

import "sync"

// LocalFlow is a one-way in-process raw flow. It implements both
// [RawSender] and [RawReceiver]: one end sends, the other receives.
type LocalFlow struct {
	data    chan interface{}
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

var (
	_ RawSender   = (*LocalFlow)(nil)
	_ RawReceiver = (*LocalFlow)(nil)
)

func NewLocalFlow(bufferSize uint) *LocalFlow {
	return &LocalFlow{
		data:    make(chan interface{}, bufferSize),
		closeCh: make(chan struct{}),
	}
}

// Pipe returns the two ends of an in-process bidirectional flow.
// Whatever is sent on one end is received on the other.
func Pipe(bufferSize uint) (client Raw, server Raw) {
	outbound := NewLocalFlow(bufferSize)
	inbound := NewLocalFlow(bufferSize)
	client = Raw{
		RawSender:   outbound,
		RawReceiver: inbound,
	}
	server = Raw{
		RawSender:   inbound,
		RawReceiver: outbound,
	}
	return
}

// Recv drains buffered messages even after Close, then reports
// ErrFlowClosed.
func (fl *LocalFlow) Recv(_ Decoder) (interface{}, error) {
	elem, ok := <-fl.data
	if !ok {
		return nil, ErrFlowClosed
	}
	return elem, nil
}

func (fl *LocalFlow) Send(encoder Encoder, msg interface{}) error {
	fl.lk.Lock()
	if fl.closed {
		fl.lk.Unlock()
		return ErrFlowClosed
	}
	fl.wg.Add(1)
	defer fl.wg.Done()
	fl.lk.Unlock()

	toSend, err := encoder.ProcessLocal(msg)
	if err != nil {
		return err
	}

	select {
	case fl.data <- toSend:
		return nil
	case <-fl.closeCh:
		return ErrFlowClosed
	}
}

func (fl *LocalFlow) Close() error {
	fl.lk.Lock()
	defer fl.lk.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	close(fl.closeCh)
	fl.wg.Wait()
	close(fl.data)
	return nil
}
