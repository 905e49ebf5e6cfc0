package flow

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize = 64 << 20

// BytesCodec is a simple framing codec using length-prefixed frames
// to exchange []byte over a flow.
type BytesCodec struct {
	copyBuffers  bool
	maxFrameSize uint64
}

var _ Codec = BytesCodec{}

func NewBytesCodec(localCopy bool) BytesCodec {
	return BytesCodec{
		copyBuffers:  localCopy,
		maxFrameSize: DefaultMaxFrameSize,
	}
}

// WithMaxFrameSize returns a copy of the codec accepting frames up to size
// bytes. Zero restores the default.
func (enc BytesCodec) WithMaxFrameSize(size uint64) BytesCodec {
	if size == 0 {
		size = DefaultMaxFrameSize
	}
	enc.maxFrameSize = size
	return enc
}

func (enc BytesCodec) limit() uint64 {
	if enc.maxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return enc.maxFrameSize
}

func (enc BytesCodec) Encode(w io.Writer, msg interface{}) error {
	buf, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf(
			"%w: got %s instead of []byte",
			ErrTypeMismatch,
			reflect.TypeOf(msg),
		)
	}

	if uint64(len(buf)) > enc.limit() {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf))
	}

	varintBuf := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(varintBuf)+len(buf))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

func (enc BytesCodec) ProcessLocal(msg interface{}) (interface{}, error) {
	if !enc.copyBuffers {
		return msg, nil
	}

	buf, ok := msg.([]byte)
	if !ok {
		return nil, fmt.Errorf(
			"%w: got %s instead of []byte",
			ErrTypeMismatch,
			reflect.TypeOf(msg),
		)
	}

	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned, nil
}

func (enc BytesCodec) Decode(r io.Reader) (interface{}, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if err != nil {
			if n > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if m != 0 {
			byteRead := buf[n]
			n = m + n
			if byteRead < 0x80 {
				break
			}
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, err
	}

	if prefix > enc.limit() {
		return nil, fmt.Errorf("%w: peer announced %d bytes", ErrTooLargeFrame, prefix)
	}

	buf = make([]byte, prefix)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}
