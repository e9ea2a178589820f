package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// Value is one typed column value. Numeric kinds live in num, byte and text
// kinds in data. The zero Value is invalid.
type Value struct {
	kind Kind
	null bool
	num  uint64
	data []byte
}

func ID(v uint64) Value           { return Value{kind: KindID, num: v} }
func Int4(v int32) Value          { return Value{kind: KindInt4, num: uint64(int64(v))} }
func Int8(v int64) Value          { return Value{kind: KindInt8, num: uint64(v)} }
func UInt4(v uint32) Value        { return Value{kind: KindUInt4, num: uint64(v)} }
func UInt8(v uint64) Value        { return Value{kind: KindUInt8, num: v} }
func Blob(b []byte) Value         { return Value{kind: KindBlob, data: clone(b)} }
func Null(kind Kind) Value        { return Value{kind: kind, null: true} }
func Bytes4(b [4]byte) Value      { return Value{kind: KindBytes4, data: clone(b[:])} }
func Bytes8(b [8]byte) Value      { return Value{kind: KindBytes8, data: clone(b[:])} }
func Bytes32(b [32]byte) Value    { return Value{kind: KindBytes32, data: clone(b[:])} }
func Bytes64(b [64]byte) Value    { return Value{kind: KindBytes64, data: clone(b[:])} }
func Address(b [32]byte) Value    { return Value{kind: KindAddress, data: clone(b[:])} }
func AssetID(b [32]byte) Value    { return Value{kind: KindAssetID, data: clone(b[:])} }
func Salt(b [32]byte) Value       { return Value{kind: KindSalt, data: clone(b[:])} }
func ContractID(b [32]byte) Value { return Value{kind: KindContractID, data: clone(b[:])} }

// Timestamp stores t with nanosecond precision. Read back in UTC.
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, num: uint64(t.UnixNano())}
}

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBoolean, num: 1}
	}
	return Value{kind: KindBoolean}
}

// Charfield returns a short text value. Text longer than MaxCharfield is rejected.
func Charfield(s string) (Value, error) {
	if len(s) > MaxCharfield {
		return Value{}, domain.Errorf(domain.ErrCodec, "charfield", "%d bytes exceeds %d", len(s), MaxCharfield)
	}
	return Value{kind: KindCharfield, data: []byte(s)}, nil
}

// JSON returns a structured blob value. The document must be valid JSON.
func JSON(doc []byte) (Value, error) {
	if !json.Valid(doc) {
		return Value{}, domain.Errorf(domain.ErrCodec, "json", "invalid document")
	}
	return Value{kind: KindJSON, data: clone(doc)}, nil
}

// Fixed returns a fixed byte array value of the given kind.
func Fixed(kind Kind, b []byte) (Value, error) {
	size := kind.Size()
	if size == 0 {
		return Value{}, domain.Errorf(domain.ErrCodec, "fixed", "%s is not a fixed byte kind", kind)
	}
	if len(b) != size {
		return Value{}, domain.Errorf(domain.ErrCodec, "fixed", "%s needs %d bytes, got %d", kind, size, len(b))
	}
	return Value{kind: kind, data: clone(b)}, nil
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.null }

func (v Value) AsID() uint64    { return v.num }
func (v Value) AsInt4() int32   { return int32(int64(v.num)) }
func (v Value) AsInt8() int64   { return int64(v.num) }
func (v Value) AsUInt4() uint32 { return uint32(v.num) }
func (v Value) AsUInt8() uint64 { return v.num }
func (v Value) AsBool() bool    { return v.num != 0 }

func (v Value) AsTime() time.Time {
	return time.Unix(0, int64(v.num)).UTC()
}

// AsBytes returns a copy of the payload of a byte or text kind.
func (v Value) AsBytes() []byte { return clone(v.data) }

func (v Value) AsString() string { return string(v.data) }

// AsFixed32 copies a 32-byte payload into an array. Shorter payloads are zero padded.
func (v Value) AsFixed32() [32]byte {
	var out [32]byte
	copy(out[:], v.data)
	return out
}

// Interface returns the natural Go representation of v, or nil when v is null.
func (v Value) Interface() any {
	if v.null {
		return nil
	}
	switch v.kind {
	case KindID, KindUInt8:
		return v.num
	case KindInt4:
		return v.AsInt4()
	case KindInt8:
		return v.AsInt8()
	case KindUInt4:
		return v.AsUInt4()
	case KindTimestamp:
		return v.AsTime()
	case KindBoolean:
		return v.AsBool()
	case KindCharfield, KindJSON:
		return v.AsString()
	default:
		return v.AsBytes()
	}
}

// Equal reports whether two values have the same kind, nullness and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || v.null != o.null {
		return false
	}
	if v.null {
		return true
	}
	if v.kind.Numeric() {
		return v.num == o.num
	}
	return bytes.Equal(v.data, o.data)
}

func (v Value) String() string {
	if v.null {
		return v.kind.String() + "(null)"
	}
	switch x := v.Interface().(type) {
	case []byte:
		return fmt.Sprintf("%s(%x)", v.kind, x)
	default:
		return fmt.Sprintf("%s(%v)", v.kind, x)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
