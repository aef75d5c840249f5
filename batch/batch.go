// Package batch implements per-source, fixed-capacity columnar output
// batches appended to as the segment filter yields data. A batch fills to
// its capacity, is finalized (bounding box/sphere computed, draw range
// fixed), and a fresh one is allocated: downstream GPU upload prefers many
// mid-sized contiguous buffers over one ever-growing one.
package batch

import (
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/ptprofile/point"
	"github.com/soypat/ptprofile/profile"
)

// DefaultCapacity is the per-batch point capacity used when none is given.
const DefaultCapacity = 10000

// DrawRange identifies the filled sub-range of a finalized Batch's columns.
type DrawRange struct {
	Start int
	Count int
}

// Batch is one fixed-capacity columnar chunk of projected output. Columns
// beyond Position are only ever as long as the source
// data that was actually appended; a batch that never receives color data
// simply has a nil Color column.
type Batch struct {
	Position        []float32 // stride 3
	Color           []uint8   // stride 4
	Intensity       []uint16
	Classification  []uint8
	ReturnNumber    []uint8
	NumberOfReturns []uint8
	PointSourceID   []uint16

	DrawRange      DrawRange
	BoundingBox    profile.Box3
	BoundingSphere profile.Sphere

	capacity  int
	count     int
	finalized bool
}

func newBatch(capacity int) *Batch {
	return &Batch{
		Position: make([]float32, 0, 3*capacity),
		capacity: capacity,
	}
}

// Len returns the number of points appended to this batch so far.
func (b *Batch) Len() int { return b.count }

// Full reports whether the batch has reached its capacity.
func (b *Batch) Full() bool { return b.count >= b.capacity }

// finalize computes the batch's bounding box/sphere and fixes its draw
// range; called once a batch is full or the source is done producing data.
func (b *Batch) finalize() {
	if b.finalized || b.count == 0 {
		b.finalized = true
		b.DrawRange = DrawRange{Start: 0, Count: b.count}
		return
	}
	bb := ms3.Box{Min: ms3.Vec{X: b.Position[0], Y: b.Position[1], Z: b.Position[2]}}
	bb.Max = bb.Min
	for i := 1; i < b.count; i++ {
		p := ms3.Vec{X: b.Position[3*i], Y: b.Position[3*i+1], Z: b.Position[3*i+2]}
		bb.Min = ms3.MinElem(bb.Min, p)
		bb.Max = ms3.MaxElem(bb.Max, p)
	}
	b.BoundingBox = bb
	center := bb.Center()
	radius := float32(0)
	for i := 0; i < b.count; i++ {
		p := ms3.Vec{X: b.Position[3*i], Y: b.Position[3*i+1], Z: b.Position[3*i+2]}
		r := ms3.Norm(ms3.Sub(p, center))
		if r > radius {
			radius = r
		}
	}
	b.BoundingSphere = profile.Sphere{Center: center, Radius: radius}
	b.DrawRange = DrawRange{Start: 0, Count: b.count}
	b.finalized = true
}

func (b *Batch) append(buf *point.Buffer, i int) {
	pos := buf.Column(point.Position)
	b.Position = append(b.Position, pos[3*i], pos[3*i+1], pos[3*i+2])
	if col := buf.Column(point.Color); len(col) >= 4*(i+1) {
		base := 4 * i
		b.Color = appendClamped8(b.Color, col[base], col[base+1], col[base+2], col[base+3])
	}
	if col := buf.Column(point.Intensity); len(col) > i {
		b.Intensity = append(b.Intensity, clampU16(col[i]))
	}
	if col := buf.Column(point.Classification); len(col) > i {
		b.Classification = append(b.Classification, clampU8(col[i]))
	}
	if col := buf.Column(point.ReturnNumber); len(col) > i {
		b.ReturnNumber = append(b.ReturnNumber, clampU8(col[i]))
	}
	if col := buf.Column(point.NumberOfReturns); len(col) > i {
		b.NumberOfReturns = append(b.NumberOfReturns, clampU8(col[i]))
	}
	if col := buf.Column(point.PointSourceID); len(col) > i {
		b.PointSourceID = append(b.PointSourceID, clampU16(col[i]))
	}
	b.count++
}

func appendClamped8(dst []uint8, a, b2, c, d float32) []uint8 {
	return append(dst, clampU8(a), clampU8(b2), clampU8(c), clampU8(d))
}

func clampU8(v float32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampU16(v float32) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

// ProjectedEntry is one source's batched output: a growing list of
// capacity-bounded Batch chunks plus an aggregate projected bounding box
// across every batch.
type ProjectedEntry struct {
	capacity int
	batches  []*Batch
	active   *Batch

	projectedBox profile.Box3
	hasBox       bool
	total        int
}

// NewProjectedEntry creates an entry whose batches hold at most capacity
// points each. capacity<=0 uses DefaultCapacity.
func NewProjectedEntry(capacity int) *ProjectedEntry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ProjectedEntry{capacity: capacity}
}

// Batches returns every batch created so far, in append order. The last
// one may still be open (not yet finalized/full).
func (e *ProjectedEntry) Batches() []*Batch { return e.batches }

// Len returns the total number of points appended across every batch.
func (e *ProjectedEntry) Len() int { return e.total }

// ProjectedBox returns the union of every appended source buffer's
// bounding box, ok=false if nothing has been appended yet.
func (e *ProjectedEntry) ProjectedBox() (profile.Box3, bool) { return e.projectedBox, e.hasBox }

// Append copies every point in buf (already projected into cross-section
// space by segfilter) into this entry's batches, rotating to a fresh batch
// whenever the active one fills.
func (e *ProjectedEntry) Append(buf *point.Buffer) {
	n := buf.Len()
	for i := 0; i < n; i++ {
		if e.active == nil || e.active.Full() {
			e.rotate()
		}
		e.active.append(buf, i)
	}
	e.total += n
	if bb, ok := buf.BoundingBox(); ok {
		e.unionBox(bb)
	}
}

func (e *ProjectedEntry) rotate() {
	if e.active != nil {
		e.active.finalize()
	}
	e.active = newBatch(e.capacity)
	e.batches = append(e.batches, e.active)
}

// Finish finalizes the currently open batch, if any. Call once the source
// this entry aggregates has finished emitting.
func (e *ProjectedEntry) Finish() {
	if e.active != nil && !e.active.finalized {
		e.active.finalize()
	}
}

func (e *ProjectedEntry) unionBox(bb profile.Box3) {
	if !e.hasBox {
		e.projectedBox = bb
		e.hasBox = true
		return
	}
	e.projectedBox = e.projectedBox.Union(bb)
}
