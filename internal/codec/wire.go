package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// Row wire format, shared by the FFI boundary and the object column:
//
//	row   = { 1: bytes(value) }*
//	value = 1: kind, [2: null], [3: word | 4: bytes]
const (
	fieldRowValue protowire.Number = 1

	fieldKind protowire.Number = 1
	fieldNull protowire.Number = 2
	fieldWord protowire.Number = 3
	fieldData protowire.Number = 4
)

// EncodeRow serializes row into its length-prefixed binary form.
func EncodeRow(row Row) []byte {
	var b []byte
	for _, v := range row {
		b = protowire.AppendTag(b, fieldRowValue, protowire.BytesType)
		b = protowire.AppendBytes(b, appendValue(nil, v))
	}
	return b
}

func appendValue(b []byte, v Value) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.kind))
	if v.null {
		b = protowire.AppendTag(b, fieldNull, protowire.VarintType)
		return protowire.AppendVarint(b, 1)
	}
	if v.kind.Numeric() {
		b = protowire.AppendTag(b, fieldWord, protowire.VarintType)
		return protowire.AppendVarint(b, v.num)
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	return protowire.AppendBytes(b, v.data)
}

// DecodeRow parses the output of EncodeRow.
func DecodeRow(b []byte) (Row, error) {
	var row Row
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireErr(protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldRowValue || typ != protowire.BytesType {
			return nil, domain.Errorf(domain.ErrCodec, "decode", "unexpected field %d", num)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, wireErr(protowire.ParseError(n))
		}
		b = b[n:]
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		row = append(row, v)
	}
	return row, nil
}

func decodeValue(b []byte) (Value, error) {
	var v Value
	var hasData bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Value{}, wireErr(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldData && typ == protowire.BytesType:
			data, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Value{}, wireErr(protowire.ParseError(m))
			}
			v.data = clone(data)
			hasData = true
			b = b[m:]
		case typ == protowire.VarintType:
			x, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Value{}, wireErr(protowire.ParseError(m))
			}
			b = b[m:]
			switch num {
			case fieldKind:
				v.kind = Kind(x)
			case fieldNull:
				v.null = x != 0
			case fieldWord:
				v.num = x
			default:
				return Value{}, domain.Errorf(domain.ErrCodec, "decode", "unexpected value field %d", num)
			}
		default:
			return Value{}, domain.Errorf(domain.ErrCodec, "decode", "unexpected value field %d", num)
		}
	}

	if !v.kind.Valid() {
		return Value{}, domain.Errorf(domain.ErrCodec, "decode", "unknown kind %d", v.kind)
	}
	if v.null {
		v.num, v.data = 0, nil
		return v, nil
	}
	if v.kind.Numeric() {
		return v, nil
	}
	if !hasData {
		v.data = []byte{}
	}
	if size := v.kind.Size(); size > 0 && len(v.data) != size {
		return Value{}, domain.Errorf(domain.ErrCodec, "decode", "%s needs %d bytes, got %d", v.kind, size, len(v.data))
	}
	if v.kind == KindCharfield && len(v.data) > MaxCharfield {
		return Value{}, domain.Errorf(domain.ErrCodec, "decode", "charfield of %d bytes", len(v.data))
	}
	return v, nil
}

func wireErr(err error) error {
	return domain.Wrap(domain.ErrCodec, "decode", err)
}
