// Package typeid derives the stable identifiers used to tag entity rows and
// to key schema versions.
package typeid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Of returns the type id of an entity type: the first 8 bytes of
// SHA-256(name ++ namespace) read as a big-endian signed integer.
func Of(namespace, name string) int64 {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte(namespace))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Version returns the content version of a raw schema text.
func Version(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
