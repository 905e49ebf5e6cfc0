package flow

import (
	"fmt"
	"io"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec exchanges protobuf messages in length-prefixed frames.
type ProtoCodec[Msg proto.Message] struct {
	inner BytesCodec
}

func NewProtoCodec[Msg proto.Message](localCopy bool) ProtoCodec[Msg] {
	return ProtoCodec[Msg]{
		inner: NewBytesCodec(localCopy),
	}
}

func (enc ProtoCodec[Msg]) Encode(w io.Writer, msg interface{}) error {
	message, err := castProto[Msg](msg)
	if err != nil {
		return err
	}

	buf, err := proto.Marshal(message)
	if err != nil {
		return err
	}

	return enc.inner.Encode(w, buf)
}

func (enc ProtoCodec[Msg]) ProcessLocal(msg interface{}) (interface{}, error) {
	if !enc.inner.copyBuffers {
		return msg, nil
	}

	message, err := castProto[Msg](msg)
	if err != nil {
		return nil, err
	}

	return proto.Clone(message), nil
}

func (enc ProtoCodec[Msg]) Decode(r io.Reader) (interface{}, error) {
	buf, err := enc.inner.Decode(r)
	if err != nil {
		return nil, err
	}

	allocated := newProto[Msg]()
	err = proto.Unmarshal(buf.([]byte), allocated)
	return allocated, err
}

func castProto[Msg proto.Message](msg interface{}) (Msg, error) {
	message, ok := msg.(Msg)
	if !ok {
		return message, fmt.Errorf(
			"%w: got %s instead of %s",
			ErrTypeMismatch,
			reflect.TypeOf(msg),
			reflect.TypeFor[Msg](),
		)
	}
	return message, nil
}

func newProto[Msg proto.Message]() Msg {
	var allocated Msg
	return allocated.ProtoReflect().New().Interface().(Msg)
}
