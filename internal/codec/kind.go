package codec

// Kind is the declared scalar kind of a column.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindID
	KindInt4
	KindInt8
	KindUInt4
	KindUInt8
	KindTimestamp
	KindBoolean
	KindBytes4
	KindBytes8
	KindBytes32
	KindBytes64
	KindAddress
	KindAssetID
	KindContractID
	KindSalt
	KindCharfield
	KindBlob
	KindJSON
	kindCount
)

var kindNames = [kindCount]string{
	KindInvalid:    "Invalid",
	KindID:         "ID",
	KindInt4:       "Int4",
	KindInt8:       "Int8",
	KindUInt4:      "UInt4",
	KindUInt8:      "UInt8",
	KindTimestamp:  "Timestamp",
	KindBoolean:    "Boolean",
	KindBytes4:     "Bytes4",
	KindBytes8:     "Bytes8",
	KindBytes32:    "Bytes32",
	KindBytes64:    "Bytes64",
	KindAddress:    "Address",
	KindAssetID:    "AssetId",
	KindContractID: "ContractId",
	KindSalt:       "Salt",
	KindCharfield:  "Charfield",
	KindBlob:       "Blob",
	KindJSON:       "Json",
}

// MaxCharfield is the longest text a Charfield value may hold, in bytes.
const MaxCharfield = 255

func (k Kind) String() string {
	if k >= kindCount {
		return "Invalid"
	}
	return kindNames[k]
}

// Valid reports whether k is a known, storable kind.
func (k Kind) Valid() bool {
	return k > KindInvalid && k < kindCount
}

// Numeric reports whether values of k are carried as a 64-bit word.
func (k Kind) Numeric() bool {
	switch k {
	case KindID, KindInt4, KindInt8, KindUInt4, KindUInt8, KindTimestamp, KindBoolean:
		return true
	}
	return false
}

// Size returns the fixed byte length of k, or 0 if k is not a fixed byte array.
func (k Kind) Size() int {
	switch k {
	case KindBytes4:
		return 4
	case KindBytes8:
		return 8
	case KindBytes32, KindAddress, KindAssetID, KindContractID, KindSalt:
		return 32
	case KindBytes64:
		return 64
	}
	return 0
}

// ParseKind maps a declared scalar name to its kind.
func ParseKind(name string) (Kind, bool) {
	for k := KindID; k < kindCount; k++ {
		if kindNames[k] == name {
			return k, true
		}
	}
	return KindInvalid, false
}

// Kinds returns every storable kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindID; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}
