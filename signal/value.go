package signal

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// node values are protobuf `Value`s so that every node payload has one wire form
// and one notion of equality
// a nil value is the same as a null value

func NullValue() *structpb.Value {
	return structpb.NewNullValue()
}

func NumberValue(v float64) *structpb.Value {
	return structpb.NewNumberValue(v)
}

func StringValue(v string) *structpb.Value {
	return structpb.NewStringValue(v)
}

func BoolValue(v bool) *structpb.Value {
	return structpb.NewBoolValue(v)
}

func IsNullValue(v *structpb.Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.GetKind().(*structpb.Value_NullValue)
	return ok
}

func ValueEqual(a *structpb.Value, b *structpb.Value) bool {
	if IsNullValue(a) || IsNullValue(b) {
		return IsNullValue(a) && IsNullValue(b)
	}
	return proto.Equal(a, b)
}

// returns the number and true if the value is numeric
func NumberOf(v *structpb.Value) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return kind.NumberValue, true
	default:
		return 0, false
	}
}

// converts any json encodable value into a node value
func ToValue[T any](v T) (*structpb.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	value := &structpb.Value{}
	if err := protojson.Unmarshal(b, value); err != nil {
		return nil, err
	}
	return value, nil
}

func RequireToValue[T any](v T) *structpb.Value {
	value, err := ToValue(v)
	if err != nil {
		panic(err)
	}
	return value
}

// a null value decodes to the zero `T`
func FromValue[T any](value *structpb.Value) (T, error) {
	var v T
	if IsNullValue(value) {
		return v, nil
	}
	b, err := protojson.Marshal(value)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, err
	}
	return v, nil
}
