package perfetto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one top-level protobuf field of a message.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	// Varint is set for VarintType fields.
	Varint uint64
	// Bytes is set for BytesType fields and aliases the parsed buffer.
	Bytes []byte
	// Raw is the complete encoding of the field, tag included.
	Raw []byte
}

// ParseFields splits b into its top-level fields.
func ParseFields(b []byte) ([]Field, error) {
	var fields []Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("field tag: %w", protowire.ParseError(n))
		}

		f := Field{Num: num, Type: typ}
		var m int
		switch typ {
		case protowire.VarintType:
			f.Varint, m = protowire.ConsumeVarint(b[n:])
		case protowire.BytesType:
			f.Bytes, m = protowire.ConsumeBytes(b[n:])
		default:
			m = protowire.ConsumeFieldValue(num, typ, b[n:])
		}
		if m < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}

		f.Raw = b[:n+m]
		fields = append(fields, f)
		b = b[n+m:]
	}
	return fields, nil
}

// Marshal concatenates the encodings of fields.
func Marshal(fields ...Field) []byte {
	size := 0
	for _, f := range fields {
		size += len(f.Raw)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = append(out, f.Raw...)
	}
	return out
}

// VarintField builds a varint field.
func VarintField(num protowire.Number, v uint64) Field {
	raw := protowire.AppendTag(nil, num, protowire.VarintType)
	raw = protowire.AppendVarint(raw, v)
	return Field{Num: num, Type: protowire.VarintType, Varint: v, Raw: raw}
}

// Int32Field builds an int32 field. Negative values are sign-extended to ten
// bytes as protobuf requires.
func Int32Field(num protowire.Number, v int32) Field {
	return VarintField(num, uint64(int64(v)))
}

// BoolField builds a bool field.
func BoolField(num protowire.Number, v bool) Field {
	return VarintField(num, protowire.EncodeBool(v))
}

// BytesField builds a length-delimited field (bytes, string or message).
func BytesField(num protowire.Number, b []byte) Field {
	raw := protowire.AppendTag(nil, num, protowire.BytesType)
	raw = protowire.AppendBytes(raw, b)
	return Field{Num: num, Type: protowire.BytesType, Bytes: raw[len(raw)-len(b):], Raw: raw}
}

// StringField builds a string field.
func StringField(num protowire.Number, s string) Field {
	return BytesField(num, []byte(s))
}

// Int32 reads a varint field as int32.
func (f Field) Int32() int32 {
	return int32(f.Varint)
}

// Uint64s reads a repeated uint64 field occurrence. Both the packed and the
// unpacked encodings are accepted.
func (f Field) Uint64s() ([]uint64, error) {
	switch f.Type {
	case protowire.VarintType:
		return []uint64{f.Varint}, nil
	case protowire.BytesType:
		var out []uint64
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packed field %d: %w", f.Num, protowire.ParseError(n))
			}
			out = append(out, v)
			b = b[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %d: unexpected wire type %d for repeated uint64", f.Num, f.Type)
	}
}

// PackedUint64s builds a packed repeated uint64 field.
func PackedUint64s(num protowire.Number, vs []uint64) Field {
	var b []byte
	for _, v := range vs {
		b = protowire.AppendVarint(b, v)
	}
	return BytesField(num, b)
}

// Rewrite parses msg, passes every field through fn and re-encodes the
// result. fn returns the fields that replace the one it was given; returning
// no fields drops it.
func Rewrite(msg []byte, fn func(Field) ([]Field, error)) ([]byte, error) {
	fields, err := ParseFields(msg)
	if err != nil {
		return nil, err
	}
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		repl, err := fn(f)
		if err != nil {
			return nil, err
		}
		out = append(out, repl...)
	}
	return Marshal(out...), nil
}

// Keep is the identity replacement for Rewrite callbacks.
func Keep(f Field) []Field {
	return []Field{f}
}

// AppendTracePacket frames packet as a Trace.packet entry and appends it to b.
func AppendTracePacket(b, packet []byte) []byte {
	b = protowire.AppendTag(b, TracePacketField, protowire.BytesType)
	return protowire.AppendBytes(b, packet)
}

// SplitTrace returns the packets of an encoded Trace message.
func SplitTrace(b []byte) ([][]byte, error) {
	fields, err := ParseFields(b)
	if err != nil {
		return nil, err
	}
	packets := make([][]byte, 0, len(fields))
	for _, f := range fields {
		if f.Num != TracePacketField || f.Type != protowire.BytesType {
			return nil, fmt.Errorf("unexpected trace field %d (wire type %d)", f.Num, f.Type)
		}
		packets = append(packets, f.Bytes)
	}
	return packets, nil
}
