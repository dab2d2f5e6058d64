package wire

import "fmt"

// cborNull is the single-byte CBOR encoding of null.
var cborNull = []byte{0xf6}

// Value is a still-encoded value embedded in an envelope. The bytes are in the
// encoding of the codec that produced the frame, so a Value must be decoded
// with that same codec.
type Value []byte

// NewValue encodes v with codec.
func NewValue(codec Codec, v any) (Value, error) {
	if raw, ok := v.(Value); ok {
		return raw, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - encode value: %w", logPrefix, err)
	}
	return Value(data), nil
}

// NewValues encodes each element of args with codec.
func NewValues(codec Codec, args []any) ([]Value, error) {
	out := make([]Value, len(args))
	for i, arg := range args {
		v, err := NewValue(codec, arg)
		if err != nil {
			return nil, fmt.Errorf("%s - arg %d: %w", logPrefix, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Decode unmarshals the value into target. An empty Value leaves target
// untouched.
func (v Value) Decode(codec Codec, target any) error {
	if len(v) == 0 {
		return nil
	}
	return codec.Unmarshal(v, target)
}

// IsEmpty reports whether the value carries no bytes at all.
func (v Value) IsEmpty() bool {
	return len(v) == 0
}

// MarshalJSON emits the raw bytes; an empty Value encodes as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON keeps a copy of the raw JSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}

// MarshalCBOR emits the raw bytes; an empty Value encodes as null.
func (v Value) MarshalCBOR() ([]byte, error) {
	if len(v) == 0 {
		return cborNull, nil
	}
	return v, nil
}

// UnmarshalCBOR keeps a copy of the raw CBOR item.
func (v *Value) UnmarshalCBOR(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}
