// Package bridge implements the hyperminhash SQL functions against an
// abstract host. Every entry point reports exactly one outcome through a
// Result: a float, a blob or an error.
package bridge

import (
	"strconv"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/accumulator"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/codec"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/hmherr"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/value"
)

// Result receives the outcome of one call.
type Result interface {
	ResultFloat(float64)
	// ResultBlob hands b to the host, which must Release it once the
	// bytes have been copied.
	ResultBlob(b *Blob)
	ResultError(error)
}

// Blob is an encoded sketch in transit to the host.
type Blob struct {
	buf *codec.Buffer
}

// Bytes returns the encoded sketch. It returns nil after Release.
func (b *Blob) Bytes() []byte { return b.buf.Bytes() }

// Release frees the underlying buffer. Calls after the first are no-ops.
func (b *Blob) Release() { b.buf.Release() }

func encode(r Result, sk *sketches.HyperLogLog) {
	buf, err := codec.Encode(sk)
	if err != nil {
		r.ResultError(err)
		return
	}
	r.ResultBlob(&Blob{buf: buf})
}

func decodeArg(srcs []value.Source, pos int) (*sketches.HyperLogLog, error) {
	v, err := value.Marshal(srcs[pos])
	if err != nil {
		return nil, err
	}
	data, err := v.AsBlob(pos)
	if err != nil {
		return nil, err
	}
	return codec.Decode(data)
}

// guard reports a panic raised while operating on decoded sketches as
// CorruptData. It must be deferred directly.
func guard(r Result) {
	if p := recover(); p != nil {
		r.ResultError(hmherr.NewCorruptData("malformed sketch: %v", p))
	}
}

func arity(r Result, fn string, want int, args []value.Source) bool {
	if len(args) == want {
		return true
	}
	r.ResultError(hmherr.NewArity(fn, plural(want), len(args)))
	return false
}

func plural(n int) string {
	if n == 1 {
		return "1 argument"
	}
	return strconv.Itoa(n) + " arguments"
}

// Zero implements hyperminhash_zero().
func Zero(r Result, args []value.Source) {
	if !arity(r, "hyperminhash_zero", 0, args) {
		return
	}
	encode(r, sketches.New())
}

// Deserialize implements hyperminhash_deserialize(blob).
func Deserialize(r Result, args []value.Source) {
	defer guard(r)
	if !arity(r, "hyperminhash_deserialize", 1, args) {
		return
	}
	sk, err := decodeArg(args, 0)
	if err != nil {
		r.ResultError(err)
		return
	}
	r.ResultFloat(sk.Cardinality())
}

// Add implements hyperminhash_add(blob, ...): the union of every argument,
// folded from the first. With no arguments it yields the empty sketch.
func Add(r Result, args []value.Source) {
	defer guard(r)
	acc := sketches.New()
	for i := range args {
		sk, err := decodeArg(args, i)
		if err != nil {
			r.ResultError(err)
			return
		}
		if i == 0 {
			acc = sk
			continue
		}
		if err := acc.Union(sk); err != nil {
			r.ResultError(hmherr.WrapCorruptData(err))
			return
		}
	}
	encode(r, acc)
}

// Union implements hyperminhash_union(a, b) on two serialized sketches.
func Union(r Result, args []value.Source) {
	if !arity(r, "hyperminhash_union", 2, args) {
		return
	}
	Add(r, args)
}

// Intersection implements hyperminhash_intersection(a, b).
func Intersection(r Result, args []value.Source) {
	defer guard(r)
	if !arity(r, "hyperminhash_intersection", 2, args) {
		return
	}
	a, b, err := decodePair(args)
	if err != nil {
		r.ResultError(err)
		return
	}
	est, err := a.Intersection(b)
	if err != nil {
		r.ResultError(hmherr.WrapCorruptData(err))
		return
	}
	r.ResultFloat(est)
}

func decodePair(args []value.Source) (*sketches.HyperLogLog, *sketches.HyperLogLog, error) {
	a, err := decodeArg(args, 0)
	if err != nil {
		return nil, nil, err
	}
	b, err := decodeArg(args, 1)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// Step is the step function of hyperminhash and hyperminhash_serialize. It
// reports only failures.
func Step(r Result, ctx accumulator.Context, args []value.Source) {
	vals, err := value.MarshalAll(args)
	if err != nil {
		r.ResultError(err)
		return
	}
	if err := accumulator.Step(ctx, vals); err != nil {
		r.ResultError(err)
	}
}

// UnionStep is the step function of the hyperminhash_union aggregate.
func UnionStep(r Result, ctx accumulator.Context, args []value.Source) {
	vals, err := value.MarshalAll(args)
	if err != nil {
		r.ResultError(err)
		return
	}
	if err := accumulator.StepUnion(ctx, vals); err != nil {
		r.ResultError(err)
	}
}

// Cardinality reports the estimate of sk.
func Cardinality(r Result, sk *sketches.HyperLogLog) {
	defer guard(r)
	r.ResultFloat(sk.Cardinality())
}

// Serialized reports sk as a blob.
func Serialized(r Result, sk *sketches.HyperLogLog) {
	defer guard(r)
	encode(r, sk)
}

// FinalCardinality finishes hyperminhash, consuming the group.
func FinalCardinality(r Result, ctx accumulator.Context) {
	Cardinality(r, accumulator.Take(ctx))
}

// FinalSerialized finishes hyperminhash_serialize and the
// hyperminhash_union aggregate, consuming the group.
func FinalSerialized(r Result, ctx accumulator.Context) {
	Serialized(r, accumulator.Take(ctx))
}
