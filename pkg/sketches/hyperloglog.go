package sketches

import (
	"fmt"
	"math"

	"github.com/axiomhq/hyperloglog"
)

// Precision is the register-index width of the dense representation
// (m = 2^14 registers).
const Precision = 14

// HyperLogLog is the distinct-count sketch behind every hyperminhash value.
// The estimator itself lives in github.com/axiomhq/hyperloglog; this type
// fixes its parameters and adds intersection.
type HyperLogLog struct {
	hll *hyperloglog.Sketch
}

// New returns an empty sketch.
func New() *HyperLogLog {
	return &HyperLogLog{hll: hyperloglog.New()}
}

// AddHash inserts a pre-hashed element.
func (s *HyperLogLog) AddHash(h uint64) {
	s.hll.InsertHash(h)
}

// Add inserts a raw element.
func (s *HyperLogLog) Add(value []byte) {
	s.hll.Insert(value)
}

// Cardinality estimates the number of distinct elements. An empty sketch
// estimates exactly 0.
func (s *HyperLogLog) Cardinality() float64 {
	return float64(s.hll.Estimate())
}

// Union folds other into s. other is left unchanged.
func (s *HyperLogLog) Union(other *HyperLogLog) error {
	if err := s.hll.Merge(other.hll); err != nil {
		return fmt.Errorf("union: %w", err)
	}
	return nil
}

// Intersection estimates |s ∩ other| by inclusion-exclusion. Neither sketch
// is modified. The estimate is clamped to [0, min(|s|, |other|)].
func (s *HyperLogLog) Intersection(other *HyperLogLog) (float64, error) {
	u, err := s.Clone()
	if err != nil {
		return 0, err
	}
	if err := u.Union(other); err != nil {
		return 0, err
	}
	a, b := s.Cardinality(), other.Cardinality()
	est := a + b - u.Cardinality()
	return math.Max(0, math.Min(est, math.Min(a, b))), nil
}

// Clone returns an independent copy.
func (s *HyperLogLog) Clone() (*HyperLogLog, error) {
	data, err := s.Serialize()
	if err != nil {
		return nil, err
	}
	return DeserializeHyperLogLog(data)
}

// StandardError returns the relative standard error of the dense estimator.
func (s *HyperLogLog) StandardError() float64 {
	return StandardError()
}

// StandardError is 1.04/sqrt(m) for m = 2^Precision registers.
func StandardError() float64 {
	return 1.04 / math.Sqrt(float64(uint32(1)<<Precision))
}

// Serialize returns the library encoding of the sketch.
func (s *HyperLogLog) Serialize() ([]byte, error) {
	data, err := s.hll.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal hyperloglog: %w", err)
	}
	return data, nil
}

// DeserializeHyperLogLog loads a sketch from its library encoding. data is
// trusted to come from Serialize; untrusted input goes through the codec
// package.
func DeserializeHyperLogLog(data []byte) (*HyperLogLog, error) {
	hll := hyperloglog.New()
	if err := hll.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal hyperloglog: %w", err)
	}
	return &HyperLogLog{hll: hll}, nil
}
