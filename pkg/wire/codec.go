package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

const initializeLiteral = "initialize"

const (
	fieldHash       = "hash"
	fieldCode       = "code"
	fieldNameForMap = "nameForMap"
	fieldExternals  = "externals"
	fieldError      = "error"
	fieldMap        = "map"
	fieldMessage    = "message"
	fieldStack      = "stack"
)

var (
	ErrMalformed         = errors.New("wire: malformed message")
	ErrUnexpectedMessage = errors.New("wire: message not expected in this direction")
)

// Encode converts msg to its wire representation.
func Encode(msg Message) (*structpb.Value, error) {
	switch m := msg.(type) {
	case Initialize:
		return structpb.NewStringValue(initializeLiteral), nil

	case ConfigIdentity:
		return structpb.NewStringValue(m.Hash), nil

	case Request:
		fields := map[string]*structpb.Value{
			fieldHash: structpb.NewStringValue(m.Hash),
			fieldCode: structpb.NewStringValue(m.Code),
		}
		if m.NameForMap != "" {
			fields[fieldNameForMap] = structpb.NewStringValue(m.NameForMap)
		}
		if m.Externals != nil {
			externals := make([]*structpb.Value, len(m.Externals))
			for i, ext := range m.Externals {
				externals[i] = structpb.NewStringValue(ext)
			}
			fields[fieldExternals] = structpb.NewListValue(&structpb.ListValue{Values: externals})
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil

	case Result:
		fields := map[string]*structpb.Value{
			fieldHash: structpb.NewStringValue(m.Hash),
		}
		if m.Err != nil {
			fields[fieldError] = encodeError(m.Err)
		} else {
			fields[fieldCode] = structpb.NewStringValue(m.Code)
			if m.Map != nil {
				sourceMap, err := structpb.NewStruct(m.Map)
				if err != nil {
					return nil, fmt.Errorf("%w: source map of %s: %w", ErrMalformed, m.Hash, err)
				}
				fields[fieldMap] = structpb.NewStructValue(sourceMap)
			}
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil

	case Heartbeat:
		return structpb.NewNumberValue(float64(m.Pending)), nil

	case Goodbye:
		return structpb.NewBoolValue(false), nil

	default:
		return nil, fmt.Errorf("%w: unknown variant %T", ErrMalformed, msg)
	}
}

func encodeError(err error) *structpb.Value {
	var werr *WorkerError
	if !errors.As(err, &werr) {
		return structpb.NewStringValue(err.Error())
	}

	fields := map[string]*structpb.Value{
		fieldMessage: structpb.NewStringValue(werr.Message),
	}
	if werr.Stack != "" {
		fields[fieldStack] = structpb.NewStringValue(werr.Stack)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// DecodeInbound parses a message sent by a worker: a ConfigIdentity,
// a Result, a Heartbeat or a Goodbye.
func DecodeInbound(v *structpb.Value) (Message, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return ConfigIdentity{Hash: kind.StringValue}, nil

	case *structpb.Value_StructValue:
		return decodeResult(kind.StructValue)

	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 || n != math.Trunc(n) {
			return nil, fmt.Errorf("%w: heartbeat must be a natural number, got %v", ErrMalformed, n)
		}
		if n > math.MaxInt32 {
			return nil, fmt.Errorf("%w: heartbeat %v is out of range", ErrMalformed, n)
		}
		return Heartbeat{Pending: int(n)}, nil

	case *structpb.Value_BoolValue:
		if kind.BoolValue {
			return nil, fmt.Errorf("%w: only false is a valid boolean message", ErrMalformed)
		}
		return Goodbye{}, nil

	default:
		return nil, fmt.Errorf("%w: %s from a worker", ErrUnexpectedMessage, describe(v))
	}
}

// DecodeOutbound parses a message sent by a coordinator: an Initialize or
// a Request.
func DecodeOutbound(v *structpb.Value) (Message, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if kind.StringValue != initializeLiteral {
			return nil, fmt.Errorf("%w: unknown control message %q", ErrMalformed, kind.StringValue)
		}
		return Initialize{}, nil

	case *structpb.Value_StructValue:
		return decodeRequest(kind.StructValue)

	default:
		return nil, fmt.Errorf("%w: %s from a coordinator", ErrUnexpectedMessage, describe(v))
	}
}

func decodeRequest(s *structpb.Struct) (Message, error) {
	hash, err := requiredString(s, fieldHash)
	if err != nil {
		return nil, err
	}
	code, err := requiredString(s, fieldCode)
	if err != nil {
		return nil, err
	}
	req := Request{Hash: hash, Code: code}

	if req.NameForMap, err = optionalString(s, fieldNameForMap); err != nil {
		return nil, err
	}

	if ext, ok := present(s, fieldExternals); ok {
		list := ext.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%w: %s must be a list of strings", ErrMalformed, fieldExternals)
		}
		req.Externals = make([]string, len(list.GetValues()))
		for i, item := range list.GetValues() {
			str, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings", ErrMalformed, fieldExternals)
			}
			req.Externals[i] = str.StringValue
		}
	}

	return req, nil
}

func decodeResult(s *structpb.Struct) (Message, error) {
	hash, err := requiredString(s, fieldHash)
	if err != nil {
		return nil, err
	}
	res := Result{Hash: hash}

	if errValue, ok := present(s, fieldError); ok {
		werr, err := decodeError(errValue)
		if err != nil {
			return nil, err
		}
		res.Err = werr
		return res, nil
	}

	if res.Code, err = optionalString(s, fieldCode); err != nil {
		return nil, err
	}

	if sourceMap, ok := present(s, fieldMap); ok {
		obj := sourceMap.GetStructValue()
		if obj == nil {
			return nil, fmt.Errorf("%w: %s must be an object", ErrMalformed, fieldMap)
		}
		res.Map = obj.AsMap()
	}

	return res, nil
}

func decodeError(v *structpb.Value) (*WorkerError, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return &WorkerError{Message: kind.StringValue}, nil

	case *structpb.Value_StructValue:
		msg, err := requiredString(kind.StructValue, fieldMessage)
		if err != nil {
			return nil, err
		}
		stack, err := optionalString(kind.StructValue, fieldStack)
		if err != nil {
			return nil, err
		}
		return &WorkerError{Message: msg, Stack: stack}, nil

	default:
		return nil, fmt.Errorf("%w: %s must be a string or an object", ErrMalformed, fieldError)
	}
}

// present returns a field unless it is missing or null.
func present(s *structpb.Struct, field string) (*structpb.Value, bool) {
	v, ok := s.GetFields()[field]
	if !ok || v == nil {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

func requiredString(s *structpb.Struct, field string) (string, error) {
	v, ok := present(s, field)
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, field)
	}
	return str.StringValue, nil
}

func optionalString(s *structpb.Struct, field string) (string, error) {
	if _, ok := present(s, field); !ok {
		return "", nil
	}
	return requiredString(s, field)
}

func describe(v *structpb.Value) string {
	switch v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "null"
	case *structpb.Value_ListValue:
		return "list"
	case nil:
		return "empty value"
	default:
		return fmt.Sprintf("%T", v.GetKind())
	}
}
