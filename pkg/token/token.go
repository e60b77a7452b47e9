// Package token turns the arguments of one row into a single hash-stable
// token.
package token

import (
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/value"
)

// Fixed SipHash keys. Changing them changes every stored sketch.
const (
	k0 = 0x6879706572_6d696e // "hypermin"
	k1 = 0x68617368_00000001 // "hash", format 1
)

// Append encodes the non-null values of vals onto dst. Each value carries its
// column position and kind so that (1, NULL) differs from (NULL, 1) and TEXT
// '1' differs from INTEGER 1. A row of only NULLs encodes to nothing, the
// empty-tuple token.
func Append(dst []byte, vals []value.RawValue) []byte {
	for pos, v := range vals {
		if v.IsNull() {
			continue
		}
		dst = binary.AppendUvarint(dst, uint64(pos))
		dst = append(dst, byte(v.Kind()))
		switch v.Kind() {
		case value.Int:
			dst = binary.BigEndian.AppendUint64(dst, uint64(v.Int()))
		case value.Float:
			dst = binary.BigEndian.AppendUint64(dst, v.FloatBits())
		case value.Text:
			dst = binary.AppendUvarint(dst, uint64(len(v.Text())))
			dst = append(dst, v.Text()...)
		case value.Blob:
			dst = binary.AppendUvarint(dst, uint64(len(v.Bytes())))
			dst = append(dst, v.Bytes()...)
		}
	}
	return dst
}

// Hash returns the 64-bit token hash of one row.
func Hash(vals []value.RawValue) uint64 {
	var scratch [64]byte
	return siphash.Hash(k0, k1, Append(scratch[:0], vals))
}
