// Package accumulator manages the per-group sketch of the hyperminhash
// aggregates across step, value and final calls.
package accumulator

import (
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/codec"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/hmherr"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/token"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/value"
)

// Slot is the host memory reserved for one aggregation group. It holds at
// most one sketch.
type Slot interface {
	Load() *sketches.HyperLogLog
	Store(*sketches.HyperLogLog)
}

// Context is the host's aggregate context. Slot(true) reserves the slot on
// first use and returns nil when the host cannot allocate it. Slot(false)
// never allocates and returns nil when the group was never stepped.
type Context interface {
	Slot(alloc bool) Slot
}

func load(ctx Context) (*sketches.HyperLogLog, Slot, error) {
	slot := ctx.Slot(true)
	if slot == nil {
		return nil, nil, hmherr.ErrOutOfMemory
	}
	sk := slot.Load()
	if sk == nil {
		sk = sketches.New()
		slot.Store(sk)
	}
	return sk, slot, nil
}

// Step inserts the token of one row into the group sketch.
func Step(ctx Context, vals []value.RawValue) error {
	sk, _, err := load(ctx)
	if err != nil {
		return err
	}
	sk.AddHash(token.Hash(vals))
	return nil
}

// StepUnion folds every serialized sketch of one row into the group sketch.
// Arguments are checked, decoded and folded before the group is touched, so
// a bad row leaves it as it was.
func StepUnion(ctx Context, vals []value.RawValue) (err error) {
	defer hmherr.Recover(&err)
	in := make([]*sketches.HyperLogLog, 0, len(vals))
	for i, v := range vals {
		data, err := v.AsBlob(i)
		if err != nil {
			return err
		}
		sk, err := codec.Decode(data)
		if err != nil {
			return err
		}
		in = append(in, sk)
	}
	// Fold the row on its own first so a failure cannot leave the group
	// half merged.
	row := sketches.New()
	for _, other := range in {
		if err := row.Union(other); err != nil {
			return hmherr.WrapCorruptData(err)
		}
	}
	sk, _, err := load(ctx)
	if err != nil {
		return err
	}
	if err := sk.Union(row); err != nil {
		return hmherr.WrapCorruptData(err)
	}
	return nil
}

// Peek returns the group sketch without taking it. A group that was never
// stepped reads as an empty sketch.
func Peek(ctx Context) *sketches.HyperLogLog {
	if slot := ctx.Slot(false); slot != nil {
		if sk := slot.Load(); sk != nil {
			return sk
		}
	}
	return sketches.New()
}

// Take moves the group sketch out of its slot. Later calls see an empty
// group.
func Take(ctx Context) *sketches.HyperLogLog {
	slot := ctx.Slot(false)
	if slot == nil {
		return sketches.New()
	}
	sk := slot.Load()
	slot.Store(nil)
	if sk == nil {
		return sketches.New()
	}
	return sk
}
