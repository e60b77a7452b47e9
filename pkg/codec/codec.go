// Package codec converts sketches to and from the BLOB values exchanged with
// SQLite. Decode treats its input as untrusted: any byte sequence yields a
// sketch or a CorruptData error.
//
// Layout (big-endian):
//
//	0  3  magic "HMH"
//	3  1  format version
//	4  4  payload length
//	8  8  xxhash64 of payload
//	16 n  payload (github.com/axiomhq/hyperloglog binary encoding)
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/hmherr"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
)

const (
	Version    = 1
	HeaderSize = 16
	// ScratchSize covers a dense sketch with room to spare.
	ScratchSize = 32 << 10
	// MaxPayload bounds what Decode hands to the sketch library.
	MaxPayload = 1 << 20
)

var magic = [3]byte{'H', 'M', 'H'}

var scratch = sync.Pool{
	New: func() any {
		b := make([]byte, 0, ScratchSize)
		return &b
	},
}

// Buffer holds one encoded sketch in pooled memory. The bytes are valid
// until Release.
type Buffer struct {
	b *[]byte
}

// Bytes returns the encoded sketch. It returns nil after Release.
func (buf *Buffer) Bytes() []byte {
	if buf.b == nil {
		return nil
	}
	return *buf.b
}

// Len returns the encoded length.
func (buf *Buffer) Len() int { return len(buf.Bytes()) }

// Release returns the memory to the pool. Calls after the first are no-ops.
func (buf *Buffer) Release() {
	if buf.b == nil {
		return
	}
	b := buf.b
	buf.b = nil
	// Oversized buffers are left to the GC so the pool stays bounded.
	if cap(*b) > 4*ScratchSize {
		return
	}
	*b = (*b)[:0]
	scratch.Put(b)
}

// Encode serializes sk into a pooled buffer.
func Encode(sk *sketches.HyperLogLog) (*Buffer, error) {
	payload, err := sk.Serialize()
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	b := scratch.Get().(*[]byte)
	out := append((*b)[:0], magic[:]...)
	out = append(out, Version)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = binary.BigEndian.AppendUint64(out, xxhash.Sum64(payload))
	out = append(out, payload...)
	*b = out
	return &Buffer{b: b}, nil
}

// EncodeBytes is Encode into an unpooled slice owned by the caller.
func EncodeBytes(sk *sketches.HyperLogLog) ([]byte, error) {
	buf, err := Encode(sk)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	return bytes.Clone(buf.Bytes()), nil
}

// Decode validates data and loads the sketch it carries.
func Decode(data []byte) (sk *sketches.HyperLogLog, err error) {
	payload, err := validate(data)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			sk = nil
		}
	}()
	defer hmherr.Recover(&err)
	// The library keeps slices of what it decodes; the caller's bytes stay
	// untouched.
	sk, err = sketches.DeserializeHyperLogLog(bytes.Clone(payload))
	if err != nil {
		return nil, hmherr.WrapCorruptData(err)
	}
	return sk, nil
}

func validate(data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, hmherr.NewCorruptData("blob of %d bytes is shorter than the %d byte header", len(data), HeaderSize)
	}
	if !bytes.Equal(data[:3], magic[:]) {
		return nil, hmherr.NewCorruptData("bad magic %x", data[:3])
	}
	if v := data[3]; v != Version {
		return nil, hmherr.NewCorruptData("unsupported format version %d", v)
	}
	n := binary.BigEndian.Uint32(data[4:8])
	if n > MaxPayload {
		return nil, hmherr.NewCorruptData("payload length %d exceeds %d", n, MaxPayload)
	}
	payload := data[HeaderSize:]
	if uint64(n) != uint64(len(payload)) {
		return nil, hmherr.NewCorruptData("payload length %d, header says %d", len(payload), n)
	}
	if sum := binary.BigEndian.Uint64(data[8:16]); sum != xxhash.Sum64(payload) {
		return nil, hmherr.NewCorruptData("checksum mismatch")
	}
	if err := checkPayload(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Payload layout of github.com/axiomhq/hyperloglog (encoding version 2):
//
//	[0]version [1]p [2]b [3]sparse
//	dense:  [4:8]register count, then one byte per register
//	sparse: [4:8]tmpset count, count*4 bytes of keys,
//	        then count(4) last(4) list length(4) and the varint list
//
// The library trusts every field, so each is checked against what it can
// itself produce at our precision.
const (
	libVersion = 2
	registers  = 1 << sketches.Precision
	// sparsePrecision is the library's fixed sparse index width.
	sparsePrecision = 25
	maxRank         = 64 - sketches.Precision + 1
	maxSparseRank   = 64 - sparsePrecision + 1
)

func checkPayload(p []byte) error {
	if len(p) < 8 {
		return hmherr.NewCorruptData("payload of %d bytes is too short", len(p))
	}
	if p[0] != libVersion {
		return hmherr.NewCorruptData("unsupported sketch encoding %d", p[0])
	}
	if p[1] != sketches.Precision {
		return hmherr.NewCorruptData("precision %d, want %d", p[1], sketches.Precision)
	}
	if p[2] != 0 {
		return hmherr.NewCorruptData("register base %d, want 0", p[2])
	}
	switch p[3] {
	case 0:
		return checkDense(p[4:])
	case 1:
		return checkSparse(p[4:])
	default:
		return hmherr.NewCorruptData("unknown representation %d", p[3])
	}
}

func checkDense(p []byte) error {
	if n := binary.BigEndian.Uint32(p[:4]); n != registers {
		return hmherr.NewCorruptData("dense sketch declares %d registers, want %d", n, registers)
	}
	regs := p[4:]
	if len(regs) != registers {
		return hmherr.NewCorruptData("dense sketch holds %d registers, want %d", len(regs), registers)
	}
	for i, r := range regs {
		if r > maxRank {
			return hmherr.NewCorruptData("register %d holds rank %d", i, r)
		}
	}
	return nil
}

func checkSparse(p []byte) error {
	off := 4 + 4*uint64(binary.BigEndian.Uint32(p[:4]))
	if off > uint64(len(p)) {
		return hmherr.NewCorruptData("sparse set overruns payload")
	}
	for i := uint64(4); i < off; i += 4 {
		if err := checkKey(binary.BigEndian.Uint32(p[i : i+4])); err != nil {
			return err
		}
	}
	rest := p[off:]
	if len(rest) < 12 {
		return hmherr.NewCorruptData("sparse list header truncated")
	}
	count := binary.BigEndian.Uint32(rest[0:4])
	last := binary.BigEndian.Uint32(rest[4:8])
	list := rest[12:]
	if n := binary.BigEndian.Uint32(rest[8:12]); uint64(n) != uint64(len(list)) {
		return hmherr.NewCorruptData("sparse list is %d bytes, header says %d", len(list), n)
	}

	var (
		k       uint32
		entries uint32
	)
	for i := 0; i < len(list); {
		var (
			d     uint32
			shift uint
		)
		for {
			if i == len(list) {
				return hmherr.NewCorruptData("unterminated sparse entry")
			}
			b := list[i]
			i++
			if shift == 28 && b > 0x0f {
				return hmherr.NewCorruptData("sparse entry overflows 32 bits")
			}
			d |= uint32(b&0x7f) << shift
			if b&0x80 == 0 {
				break
			}
			shift += 7
		}
		if entries > 0 && (d == 0 || k+d < k) {
			return hmherr.NewCorruptData("sparse entries out of order")
		}
		k += d
		if err := checkKey(k); err != nil {
			return err
		}
		entries++
	}
	if entries != count {
		return hmherr.NewCorruptData("sparse list holds %d entries, header says %d", entries, count)
	}
	if k != last {
		return hmherr.NewCorruptData("sparse list ends at %d, header says %d", k, last)
	}
	return nil
}

// checkKey accepts only keys the library's sparse hash encoding emits. Odd
// keys carry a rank in bits 1-6; even keys are a 25-bit index whose low
// bits below the dense precision are not all zero.
func checkKey(k uint32) error {
	if k&1 == 1 {
		if r := (k >> 1) & 0x3f; r == 0 || r > maxSparseRank {
			return hmherr.NewCorruptData("sparse key %#x holds rank %d", k, r)
		}
		return nil
	}
	const low = 1<<(sparsePrecision-sketches.Precision) - 1
	if k >= 1<<(sparsePrecision+1) || (k>>1)&low == 0 {
		return hmherr.NewCorruptData("malformed sparse key %#x", k)
	}
	return nil
}
