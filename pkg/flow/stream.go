package flow

import (
	"bufio"
	"io"
	"sync"
)

// StreamSender writes frames on any byte stream, such as the stdin of a
// child process or the send side of a QUIC stream.
type StreamSender struct {
	io.WriteCloser
}

var _ RawSender = StreamSender{}

// NewStreamSender returns a StreamSender which can be closed more than once.
func NewStreamSender(wc io.WriteCloser) StreamSender {
	return StreamSender{
		WriteCloser: onceWriteCloser{
			Writer:     wc,
			onceCloser: &onceCloser{closer: wc},
		},
	}
}

func (s StreamSender) Send(enc Encoder, msg interface{}) error {
	return enc.Encode(s.WriteCloser, msg)
}

// StreamReceiver reads frames from any byte stream.
type StreamReceiver struct {
	buf    *bufio.Reader
	closer io.Closer
}

var _ RawReceiver = StreamReceiver{}

func NewStreamReceiver(rc io.ReadCloser) StreamReceiver {
	return StreamReceiver{
		buf:    bufio.NewReader(rc),
		closer: &onceCloser{closer: rc},
	}
}

func (r StreamReceiver) Recv(dec Decoder) (interface{}, error) {
	return dec.Decode(r.buf)
}

func (r StreamReceiver) Close() error {
	return r.closer.Close()
}

// NopCloser wraps a writer which has nothing to release, such as
// os.Stdout for a worker serving on its standard streams.
func NopCloser(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Stdio returns the raw flow of a worker process: it receives on stdin
// and sends on stdout.
func Stdio(stdin io.ReadCloser, stdout io.Writer) Raw {
	return Raw{
		RawReceiver: NewStreamReceiver(stdin),
		RawSender:   StreamSender{WriteCloser: NopCloser(stdout)},
	}
}

// onceCloser only closes the first time, later calls return the same error.
// A Raw is closed by its owner and by the Sender and Receiver wrapping it.
type onceCloser struct {
	closer io.Closer
	once   sync.Once
	err    error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() {
		c.err = c.closer.Close()
	})
	return c.err
}

type onceWriteCloser struct {
	io.Writer
	*onceCloser
}
