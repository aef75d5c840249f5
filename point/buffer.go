// Package point implements a growable columnar store of per-point
// attributes, with append-merge of heterogeneous column sets.
package point

import (
	"fmt"

	"github.com/soypat/geometry/ms3"
)

// AttributeKind enumerates the closed set of per-point attributes this
// module understands.
type AttributeKind uint8

const (
	Position AttributeKind = iota
	Color
	Intensity
	Classification
	ReturnNumber
	NumberOfReturns
	PointSourceID
	Mileage
	Indices
	numAttributeKinds
)

func (k AttributeKind) String() string {
	switch k {
	case Position:
		return "position"
	case Color:
		return "color"
	case Intensity:
		return "intensity"
	case Classification:
		return "classification"
	case ReturnNumber:
		return "returnNumber"
	case NumberOfReturns:
		return "numberOfReturns"
	case PointSourceID:
		return "pointSourceId"
	case Mileage:
		return "mileage"
	case Indices:
		return "indices"
	default:
		return "unknown"
	}
}

// Stride returns the fixed elements-per-point for kind: position has
// stride 3, color has stride 4, all others stride 1.
func (k AttributeKind) Stride() int {
	switch k {
	case Position:
		return 3
	case Color:
		return 4
	default:
		return 1
	}
}

// StrideError reports that two sources disagree on elements-per-point for
// the same attribute kind.
type StrideError struct {
	Kind      AttributeKind
	Want, Got int
}

func (e *StrideError) Error() string {
	return fmt.Sprintf("point: stride mismatch for %s: want %d, got %d", e.Kind, e.Want, e.Got)
}

// column is a single attribute's raw storage. Only one of the typed slices is
// non-nil for float64 (Mileage) data; all other kinds use f32 storage so they
// can be projected/copied alongside Position without conversion.
type column struct {
	stride int
	data   []float32
	data64 []float64 // only used by Mileage
}

func (c *column) numPoints() int {
	if c == nil {
		return 0
	}
	if c.data64 != nil {
		return len(c.data64)
	}
	if c.stride == 0 {
		return 0
	}
	return len(c.data) / c.stride
}

// Buffer maps attribute kinds to typed arrays. The point count is invariant
// across all non-empty columns.
type Buffer struct {
	columns [numAttributeKinds]column
	numPts  int
	bbox    ms3.Box
	hasBBox bool
}

// NewBuffer returns an empty point Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Len returns the invariant point count across the buffer's non-empty
// columns.
func (b *Buffer) Len() int {
	return b.numPts
}

// BoundingBox returns the union bounding box of all positions ever appended.
// The zero value (ok=false) is returned if no positions have been appended.
func (b *Buffer) BoundingBox() (bb Box3, ok bool) {
	return b.bbox, b.hasBBox
}

// Box3 is a local alias kept for readability in this package's exported API;
// it is the same type as profile.Box3 (both alias ms3.Box).
type Box3 = ms3.Box

// unionBox grows the buffer's tracked bounding box to include p.
func (b *Buffer) unionBox(p ms3.Vec) {
	if !b.hasBBox {
		b.bbox = ms3.Box{Min: p, Max: p}
		b.hasBBox = true
		return
	}
	b.bbox.Min = ms3.MinElem(b.bbox.Min, p)
	b.bbox.Max = ms3.MaxElem(b.bbox.Max, p)
}

// EnsureCapacity pre-grows kind's backing storage to hold at least n points,
// reducing reallocation during repeated appends.
func (b *Buffer) EnsureCapacity(kind AttributeKind, n int) {
	c := &b.columns[kind]
	c.stride = kind.Stride()
	if kind == Mileage {
		if cap(c.data64) < n {
			grown := make([]float64, len(c.data64), n)
			copy(grown, c.data64)
			c.data64 = grown
		}
		return
	}
	want := n * c.stride
	if cap(c.data) < want {
		grown := make([]float32, len(c.data), want)
		copy(grown, c.data)
		c.data = grown
	}
}

// AppendColumn appends raw stride-respecting f32 data for kind, growing
// numPoints by n = len(data)/kind.Stride(). Position data updates the
// tracked bounding box.
func (b *Buffer) AppendColumn(kind AttributeKind, data []float32) error {
	stride := kind.Stride()
	if len(data)%stride != 0 {
		return fmt.Errorf("point: %s data length %d not a multiple of stride %d", kind, len(data), stride)
	}
	c := &b.columns[kind]
	if c.numPoints() > 0 && c.stride != stride {
		return &StrideError{Kind: kind, Want: c.stride, Got: stride}
	}
	c.stride = stride
	c.data = append(c.data, data...)
	if kind == Position {
		for i := 0; i+2 < len(data); i += 3 {
			b.unionBox(ms3.Vec{X: data[i], Y: data[i+1], Z: data[i+2]})
		}
	}
	if np := c.numPoints(); np > b.numPts {
		b.numPts = np
	}
	return nil
}

// AppendMileage appends f64 mileage values, the one attribute kept at double
// precision: mileage accumulates across many segments and is the primary
// cross-section axis, so f32 is insufficient for long polylines.
func (b *Buffer) AppendMileage(values []float64) {
	c := &b.columns[Mileage]
	c.stride = 1
	c.data64 = append(c.data64, values...)
	if len(c.data64) > b.numPts {
		b.numPts = len(c.data64)
	}
}

// Column returns the f32 backing slice for kind (empty for Mileage; use
// MileageColumn for that one).
func (b *Buffer) Column(kind AttributeKind) []float32 {
	return b.columns[kind].data
}

// MileageColumn returns the f64 backing slice for the Mileage attribute.
func (b *Buffer) MileageColumn() []float64 {
	return b.columns[Mileage].data64
}

// Append merges other into b:
//   - attributes present in both: concatenate
//   - attributes present only in self: zero-extend by other.numPoints*stride
//   - attributes present only in other: zero-prefix by self.numPoints*stride,
//     then place other's data at tail
//
// Returns *StrideError if two sources disagree on stride for the same kind.
func (b *Buffer) Append(other *Buffer) error {
	if other == nil || other.numPts == 0 {
		return nil
	}
	selfPts, otherPts := b.numPts, other.numPts
	for k := AttributeKind(0); k < numAttributeKinds; k++ {
		sc := &b.columns[k]
		oc := &other.columns[k]
		selfHas := sc.numPoints() > 0
		otherHas := oc.numPoints() > 0
		if !selfHas && !otherHas {
			continue
		}
		stride := k.Stride()
		if selfHas && otherHas && sc.stride != oc.stride {
			return &StrideError{Kind: k, Want: sc.stride, Got: oc.stride}
		}
		if k == Mileage {
			if !selfHas {
				sc.data64 = append(make([]float64, selfPts), oc.data64...)
			} else if !otherHas {
				sc.data64 = append(sc.data64, make([]float64, otherPts)...)
			} else {
				sc.data64 = append(sc.data64, oc.data64...)
			}
			sc.stride = 1
			continue
		}
		if !selfHas {
			sc.data = make([]float32, selfPts*stride, (selfPts+otherPts)*stride)
			sc.data = append(sc.data, oc.data...)
		} else if !otherHas {
			sc.data = append(sc.data, make([]float32, otherPts*stride)...)
		} else {
			sc.data = append(sc.data, oc.data...)
		}
		sc.stride = stride
	}
	b.numPts = selfPts + otherPts
	if other.hasBBox {
		if !b.hasBBox {
			b.bbox = other.bbox
			b.hasBBox = true
		} else {
			b.bbox.Min = ms3.MinElem(b.bbox.Min, other.bbox.Min)
			b.bbox.Max = ms3.MaxElem(b.bbox.Max, other.bbox.Max)
		}
	}
	return nil
}

// Schema enumerates which AttributeKinds a node/profile pipeline is asked
// to carry. A caller that only ever reads Color downstream can configure a
// Schema carrying just Color, so nodes
// that also carry Intensity/Classification/etc. never pay to gather and copy
// columns nothing downstream will read. Position and Mileage are outside a
// Schema's concern: segfilter always produces both directly.
type Schema struct {
	bits uint32
}

// NewSchema returns a Schema carrying exactly the given kinds.
func NewSchema(kinds ...AttributeKind) Schema {
	var s Schema
	for _, k := range kinds {
		s.bits |= 1 << uint(k)
	}
	return s
}

// DefaultSchema returns the schema carrying every attribute kind this module
// knows how to copy out of node storage: every kind but Position and Mileage
// (both produced directly by segfilter) and Indices (never populated here).
func DefaultSchema() Schema {
	return NewSchema(Color, Intensity, Classification, ReturnNumber, NumberOfReturns, PointSourceID)
}

// IsZero reports whether s carries no kinds at all, i.e. is the Schema zero
// value rather than one explicitly constructed to carry nothing.
func (s Schema) IsZero() bool {
	return s.bits == 0
}

// Contains reports whether kind is part of s.
func (s Schema) Contains(kind AttributeKind) bool {
	return s.bits&(1<<uint(kind)) != 0
}

// Kinds returns the attribute kinds carried by s, in ascending AttributeKind
// order.
func (s Schema) Kinds() []AttributeKind {
	var out []AttributeKind
	for k := AttributeKind(0); k < numAttributeKinds; k++ {
		if s.Contains(k) {
			out = append(out, k)
		}
	}
	return out
}

// Reset clears all columns and the point count and bounding box, reusing
// backing storage for a subsequent round of Append calls.
func (b *Buffer) Reset() {
	for i := range b.columns {
		b.columns[i].data = b.columns[i].data[:0]
		b.columns[i].data64 = b.columns[i].data64[:0]
	}
	b.numPts = 0
	b.hasBBox = false
	b.bbox = ms3.Box{}
}
