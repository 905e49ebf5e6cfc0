package flow

import (
	"io"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ProtoJSONCodec exchanges protobuf messages as their canonical JSON
// mapping, in length-prefixed frames. It lets workers written in languages
// without a protobuf runtime speak the protocol with a plain JSON parser.
type ProtoJSONCodec[Msg proto.Message] struct {
	inner BytesCodec
}

func NewProtoJSONCodec[Msg proto.Message](localCopy bool) ProtoJSONCodec[Msg] {
	return ProtoJSONCodec[Msg]{
		inner: NewBytesCodec(localCopy),
	}
}

func (enc ProtoJSONCodec[Msg]) Encode(w io.Writer, msg interface{}) error {
	message, err := castProto[Msg](msg)
	if err != nil {
		return err
	}

	buf, err := protojson.Marshal(message)
	if err != nil {
		return err
	}

	return enc.inner.Encode(w, buf)
}

func (enc ProtoJSONCodec[Msg]) ProcessLocal(msg interface{}) (interface{}, error) {
	if !enc.inner.copyBuffers {
		return msg, nil
	}

	clonable, ok := msg.(Clonable)
	if ok {
		return clonable.Clone(), nil
	}

	message, err := castProto[Msg](msg)
	if err != nil {
		return nil, err
	}

	return proto.Clone(message), nil
}

func (enc ProtoJSONCodec[Msg]) Decode(r io.Reader) (interface{}, error) {
	buf, err := enc.inner.Decode(r)
	if err != nil {
		return nil, err
	}

	allocated := newProto[Msg]()
	err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(buf.([]byte), allocated)
	return allocated, err
}
