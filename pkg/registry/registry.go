// Package registry lists the SQL functions the extension provides.
//
// hyperminhash_union has a pairwise scalar and a single-column aggregate
// form. Hosts that key functions by name alone, modernc.org/sqlite among
// them, can register only the aggregate, so there a two-argument call with
// a FROM clause folds every row into one result and cannot appear in
// UPDATE ... SET. Per-row pairwise union goes through hyperminhash_add.
package registry

import (
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/accumulator"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/bridge"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/value"
)

// Kind tells a scalar function from an aggregate.
type Kind int

const (
	Scalar Kind = iota
	Aggregate
)

func (k Kind) String() string {
	if k == Aggregate {
		return "aggregate"
	}
	return "scalar"
}

// Variadic is the NArgs of a function that accepts any number of arguments.
const Variadic = -1

// Function describes one registration. Scalars set Apply. Aggregates set
// Step for each row and Value to report the group sketch, both at window
// value time and at final time.
type Function struct {
	Name  string
	NArgs int
	Kind  Kind
	Apply func(bridge.Result, []value.Source)
	Step  func(bridge.Result, accumulator.Context, []value.Source)
	Value func(bridge.Result, *sketches.HyperLogLog)
}

var functions = []Function{
	{Name: "hyperminhash", NArgs: Variadic, Kind: Aggregate, Step: bridge.Step, Value: bridge.Cardinality},
	{Name: "hyperminhash_zero", NArgs: 0, Kind: Scalar, Apply: bridge.Zero},
	{Name: "hyperminhash_serialize", NArgs: Variadic, Kind: Aggregate, Step: bridge.Step, Value: bridge.Serialized},
	{Name: "hyperminhash_deserialize", NArgs: 1, Kind: Scalar, Apply: bridge.Deserialize},
	{Name: "hyperminhash_add", NArgs: Variadic, Kind: Scalar, Apply: bridge.Add},
	{Name: "hyperminhash_union", NArgs: 2, Kind: Scalar, Apply: bridge.Union},
	{Name: "hyperminhash_union", NArgs: 1, Kind: Aggregate, Step: bridge.UnionStep, Value: bridge.Serialized},
	{Name: "hyperminhash_intersection", NArgs: 2, Kind: Scalar, Apply: bridge.Intersection},
}

// Functions returns every registration in a fresh slice.
func Functions() []Function {
	return append([]Function(nil), functions...)
}

// Lookup returns the registrations under name, scalars before aggregates.
func Lookup(name string) []Function {
	var out []Function
	for _, fn := range functions {
		if fn.Name == name {
			out = append(out, fn)
		}
	}
	return out
}

// Accepts reports whether fn can be called with n arguments.
func (fn Function) Accepts(n int) bool {
	return fn.NArgs == Variadic || fn.NArgs == n
}
