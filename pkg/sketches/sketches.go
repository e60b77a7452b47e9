// Package sketches provides the probabilistic data structure behind the
// hyperminhash SQL functions.
package sketches

// SketchType represents the type of sketch
type SketchType string

const (
	HyperMinHashType SketchType = "hyperminhash"
)

// Sketch interface for all sketch types
type Sketch interface {
	// Serialize returns the sketch as bytes for storage
	Serialize() ([]byte, error)

	// Type returns the sketch type
	Type() SketchType
}

// CardinalitySketch is the set of operations the SQL functions need.
type CardinalitySketch interface {
	Sketch
	AddHash(uint64)
	Add([]byte)
	Cardinality() float64
	StandardError() float64
}

var _ CardinalitySketch = (*HyperLogLog)(nil)

func (s *HyperLogLog) Type() SketchType {
	return HyperMinHashType
}
