// Package wire holds the small amount of protobuf wire-format plumbing shared
// by the launch config and remote API envelopes.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field is a single decoded field. Only one of Varint or Bytes is meaningful,
// depending on Type.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// String returns the field as a string, failing on a wire type mismatch.
func (f Field) String() (string, error) {
	b, err := f.Raw()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Raw returns the length-delimited payload of the field.
func (f Field) Raw() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("field %d: expected length-delimited value, got wire type %d", f.Num, f.Type)
	}
	return f.Bytes, nil
}

// Int returns the varint payload of the field.
func (f Field) Int() (int64, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("field %d: expected varint, got wire type %d", f.Num, f.Type)
	}
	return int64(f.Varint), nil
}

// Walk decodes every top-level field in b and hands it to fn. Groups and
// fixed-width values are skipped.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		field := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			field.Varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			field.Bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]

		if err := fn(field); err != nil {
			return err
		}
	}
	return nil
}

// AppendString appends a string field, omitting empty values.
func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendBytes appends a bytes field, omitting empty values.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage appends an embedded message. Unlike AppendBytes, an empty
// message is still written so that presence survives a round trip.
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// AppendVarint appends a varint field, omitting zero.
func AppendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}
