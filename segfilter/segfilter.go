// Package segfilter implements per-node, per-segment point acceptance and
// projection into (mileage, 0, z) cross-section space, yielding
// cooperatively so a single-threaded host render loop is never blocked for
// long. Suspension is an explicit resumable cursor (point index plus a time
// checkpoint) rather than a goroutine: the caller re-enters Step with the
// same cursor until it reports done.
package segfilter

import (
	"time"

	"github.com/chewxy/math32"
	"github.com/soypat/ptprofile/profile"
)

// The 4ms budget keeps one filtering slice under a frame at 60Hz even when
// sharing the thread with rendering; 1000 is the probe granularity between
// elapsed-time checks.
const (
	DefaultYieldBudget      = 4 * time.Millisecond
	DefaultProbeGranularity = 1000
)

// Batch is one slice of accepted points: indices into the source node's
// columns (for copying other attributes), per-point mileage at f64
// precision, and projected positions at f32 precision. Ordering within a
// batch is input order.
type Batch struct {
	Indices   []uint32
	Mileage   []float64
	Projected []profile.Vec3
}

// Reset clears a Batch for reuse across Step calls, keeping backing arrays.
func (b *Batch) Reset() {
	b.Indices = b.Indices[:0]
	b.Mileage = b.Mileage[:0]
	b.Projected = b.Projected[:0]
}

// Cursor is the resumable state for filtering one (node, segment) pair. Its
// zero value starts filtering from the first point.
type Cursor struct {
	pointIndex int
	checkpoint time.Time
	started    bool
}

// Done reports whether the cursor has consumed every point in the node.
func (c *Cursor) Done(numPoints int) bool { return c.started && c.pointIndex >= numPoints }

// Filter holds the cooperative-yield configuration. The zero value uses
// DefaultYieldBudget/DefaultProbeGranularity with the real wall clock.
type Filter struct {
	// YieldBudget bounds how long one Step call is allowed to run before
	// yielding NotDone.
	YieldBudget time.Duration
	// ProbeGranularity is how many points are examined between elapsed-time
	// checks; checking every point would dominate the cost of the check
	// itself.
	ProbeGranularity int
	// Now is injectable so tests can make the cooperative yield
	// deterministic.
	Now func() time.Time
}

func (f *Filter) yieldBudget() time.Duration {
	if f.YieldBudget > 0 {
		return f.YieldBudget
	}
	return DefaultYieldBudget
}

func (f *Filter) probeGranularity() int {
	if f.ProbeGranularity > 0 {
		return f.ProbeGranularity
	}
	return DefaultProbeGranularity
}

func (f *Filter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Step runs acceptance+projection over positions (interleaved x,y,z)
// starting from cur's saved point index, appending accepted points to out.
// matrix brings the positions into world space. totalMileage is the
// cumulative mileage of all prior segments.
//
// Returns done=true once every point in positions has been examined; done is
// false when the yield budget was exceeded and Step must be called again
// with the same cursor to resume.
func (f *Filter) Step(positions []float32, matrix profile.Matrix4, seg *profile.Segment, halfWidth float32, totalMileage float64, cur *Cursor, out *Batch) (done bool) {
	numPoints := len(positions) / 3
	if !cur.started {
		cur.checkpoint = f.now()
		cur.started = true
	}
	granularity := f.probeGranularity()
	budget := f.yieldBudget()
	sinceCheck := 0
	for cur.pointIndex < numPoints {
		i := cur.pointIndex
		local := profile.Vec3{X: positions[3*i], Y: positions[3*i+1], Z: positions[3*i+2]}
		world := matrix.MulPosition(local)

		dCut := math32.Abs(seg.CutPlane.SignedDistance(world))
		dHalf := math32.Abs(seg.HalfPlane.SignedDistance(world))
		if dCut < halfWidth && dHalf < seg.Length/2 {
			localMileage := seg.Side.X*(world.X-seg.StartG.X) + seg.Side.Y*(world.Y-seg.StartG.Y) + seg.Side.Z*(world.Z-seg.StartG.Z)
			mileage := totalMileage + float64(localMileage)
			out.Indices = append(out.Indices, uint32(i))
			out.Mileage = append(out.Mileage, mileage)
			out.Projected = append(out.Projected, profile.Vec3{X: float32(mileage), Y: 0, Z: world.Z})
		}

		cur.pointIndex++
		sinceCheck++
		if sinceCheck >= granularity {
			sinceCheck = 0
			now := f.now()
			if now.Sub(cur.checkpoint) > budget {
				cur.checkpoint = now
				return false
			}
		}
	}
	return true
}
