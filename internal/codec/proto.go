package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one decoded field of a protobuf message. Varint holds the value
// of varint and fixed-width fields; Bytes holds length-delimited ones.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// RangeFields calls fn for every field of the encoded message b, in wire
// order. Groups are skipped. Iteration stops at the first error.
func RangeFields(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("codec: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Varint = uint64(v)
		case protowire.Fixed64Type:
			f.Varint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("codec: field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.StartGroupType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// MapEntry splits an encoded map<string, V> entry into its key and the
// encoded value. A missing value decodes as an empty message.
func MapEntry(b []byte) (key string, value []byte, err error) {
	err = RangeFields(b, func(f Field) error {
		switch f.Num {
		case 1:
			key = string(f.Bytes)
		case 2:
			value = f.Bytes
		}
		return nil
	})
	return key, value, err
}

// AppendVarint appends field num as a varint.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends field num as a bool.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	return AppendVarint(b, num, protowire.EncodeBool(v))
}

// AppendString appends field num as a length-delimited string.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendMessage appends field num holding the encoded message body.
func AppendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// AppendMapEntry appends one entry of a map<string, V> field.
func AppendMapEntry(b []byte, num protowire.Number, key string, value []byte) []byte {
	entry := AppendString(nil, 1, key)
	entry = AppendMessage(entry, 2, value)
	return AppendMessage(b, num, entry)
}
