// Package sqlitefn registers the hyperminhash functions with the
// modernc.org/sqlite driver. Functions are available on every connection
// opened after Register returns.
package sqlitefn

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"modernc.org/sqlite"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/accumulator"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/bridge"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/registry"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/value"
)

// MinVersion is the oldest SQLite the functions are known to work with.
const MinVersion = "3.8.7"

var (
	registerOnce sync.Once
	registerErr  error
)

// Register adds every hyperminhash function to the driver. Only the first
// call registers; later calls return its result.
func Register(logger *zap.Logger) error {
	registerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
		registerErr = register(logger)
	})
	return registerErr
}

func register(logger *zap.Logger) error {
	for _, fn := range plan(registry.Functions()) {
		if err := sqlite.RegisterFunction(fn.Name, impl(fn)); err != nil {
			return err
		}
		logger.Debug("registered sql function",
			zap.String("name", fn.Name),
			zap.Int("nargs", fn.NArgs),
			zap.Stringer("kind", fn.Kind))
	}
	return nil
}

// plan maps registrations onto the driver, which keys functions by name
// alone. A name with both a scalar and an aggregate variant is registered
// once, as a variadic aggregate; the fold it performs over a single row
// equals the scalar.
func plan(fns []registry.Function) []registry.Function {
	byName := make(map[string]int, len(fns))
	var out []registry.Function
	for _, fn := range fns {
		i, seen := byName[fn.Name]
		if !seen {
			byName[fn.Name] = len(out)
			out = append(out, fn)
			continue
		}
		if fn.Kind == registry.Aggregate {
			fn.NArgs = registry.Variadic
			out[i] = fn
		}
	}
	return out
}

func impl(fn registry.Function) *sqlite.FunctionImpl {
	f := &sqlite.FunctionImpl{
		NArgs:         int32(fn.NArgs),
		Deterministic: true,
	}
	if fn.Kind == registry.Scalar {
		f.Scalar = func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			var r result
			fn.Apply(&r, value.FromDriver(args))
			return r.value, r.err
		}
		return f
	}
	f.MakeAggregate = func(sqlite.FunctionContext) (sqlite.AggregateFunction, error) {
		return &aggregate{fn: fn}, nil
	}
	return f
}

// result captures the single outcome of a call. Blob bytes are copied out
// of the pooled buffer before it is released.
type result struct {
	value driver.Value
	err   error
}

func (r *result) ResultFloat(f float64) { r.value = f }

func (r *result) ResultBlob(b *bridge.Blob) {
	r.value = bytes.Clone(b.Bytes())
	b.Release()
}

func (r *result) ResultError(err error) { r.err = err }

// errInverse is returned for window frames that drop rows; a sketch cannot
// forget an insertion.
var errInverse = errors.New("hyperminhash: sliding window frames are not supported")

// aggregate is one evaluation of an aggregate function. The driver creates
// one per group, so it doubles as the group's slot.
type aggregate struct {
	fn       registry.Function
	reserved bool
	sk       *sketches.HyperLogLog
}

func (a *aggregate) Slot(alloc bool) accumulator.Slot {
	if alloc {
		a.reserved = true
	}
	if !a.reserved {
		return nil
	}
	return a
}

func (a *aggregate) Load() *sketches.HyperLogLog { return a.sk }

func (a *aggregate) Store(sk *sketches.HyperLogLog) { a.sk = sk }

func (a *aggregate) Step(_ *sqlite.FunctionContext, args []driver.Value) error {
	var r result
	a.fn.Step(&r, a, value.FromDriver(args))
	return r.err
}

func (a *aggregate) WindowInverse(*sqlite.FunctionContext, []driver.Value) error {
	return errInverse
}

// WindowValue is called for window results and once more before Final, so
// it must leave the group in place.
func (a *aggregate) WindowValue(*sqlite.FunctionContext) (driver.Value, error) {
	var r result
	a.fn.Value(&r, accumulator.Peek(a))
	return r.value, r.err
}

func (a *aggregate) Final(*sqlite.FunctionContext) {
	accumulator.Take(a)
}

// CheckVersion fails when db runs a SQLite older than MinVersion.
func CheckVersion(ctx context.Context, db *sql.DB) error {
	var v string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&v); err != nil {
		return fmt.Errorf("query sqlite version: %w", err)
	}
	ok, err := atLeast(v, MinVersion)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("hyperminhash requires sqlite %s or later, have %s", MinVersion, v)
	}
	return nil
}

func atLeast(have, want string) (bool, error) {
	h, err := parseVersion(have)
	if err != nil {
		return false, err
	}
	w, err := parseVersion(want)
	if err != nil {
		return false, err
	}
	for i := range h {
		if h[i] != w[i] {
			return h[i] > w[i], nil
		}
	}
	return true, nil
}

func parseVersion(s string) ([3]int, error) {
	var v [3]int
	parts := strings.SplitN(s, ".", 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return v, fmt.Errorf("parse sqlite version %q: %w", s, err)
		}
		v[i] = n
	}
	return v, nil
}
