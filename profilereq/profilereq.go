// Package profilereq implements ProfileRequest: the state machine that
// drives priority-ordered, out-of-core traversal of one octree against one
// Profile, loading nodes on demand, filtering their points through
// segfilter, and batching the result into ProfileData for the host to
// consume one Update() tick at a time. ProfileRequest suspends mid-node
// with a saved (segment index, segfilter.Cursor) pair so filtering a large
// node can span many ticks without ever blocking the host frame.
package profilereq

import (
	"errors"
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/google/uuid"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/ptprofile/nodecache"
	"github.com/soypat/ptprofile/point"
	"github.com/soypat/ptprofile/pqueue"
	"github.com/soypat/ptprofile/profile"
	"github.com/soypat/ptprofile/segfilter"
)

// NodeRef is the octree node contract this package consumes, owned and
// loaded by the octree subsystem. Attribute returns the node-local column for
// kind (position included), or nil if the node does not carry that
// attribute; it is the superset surface TypedPointBuffer.AppendColumn
// expects, so accepted batches can copy attributes besides position without
// a separate accessor per kind.
type NodeRef interface {
	Level() uint32
	NumPoints() uint32
	BoundingBox() profile.Box3
	BoundingSphere() profile.Sphere
	HierarchyStepSize() uint32
	HasChildren() bool
	Loaded() bool
	// Child returns the i'th child (0..7), ok=false if that slot is empty.
	Child(i int) (NodeRef, bool)
	// Attribute returns kind's node-local f32 column, length
	// NumPoints()*kind.Stride(), or nil if this node does not carry kind.
	Attribute(kind point.AttributeKind) []float32
	// Load requests the node's geometry be fetched. Idempotent,
	// non-blocking: repeated calls before the node becomes Loaded are free.
	Load()
}

// OctreeSource is the collaborator that owns one octree's root and
// placement in world space.
type OctreeSource interface {
	Root() NodeRef
	WorldMatrix() profile.Matrix4
	Visible() bool
}

// State is one of the ProfileRequest lifecycle states.
type State int

const (
	StateInitial State = iota
	StateTraversing
	StateLoading
	StateFiltering
	StateEmitting
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateTraversing:
		return "traversing"
	case StateLoading:
		return "loading"
	case StateFiltering:
		return "filtering"
	case StateEmitting:
		return "emitting"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Callbacks are the hooks a request's consumer receives. At most one of
// OnFinish/OnCancel fires per request.
type Callbacks struct {
	OnProgress func(*ProfileData)
	OnFinish   func()
	OnCancel   func()
	// OnWarning reports non-fatal, per-node conditions that are logged and
	// otherwise ignored (currently just ErrEmptyGeometry). May be nil.
	OnWarning func(error)
}

// Options configures a ProfileRequest. The zero value defaults MaxDepth to
// unbounded and MaxNodesPerUpdate to 1, with the segfilter package defaults
// for yield budget and probe granularity.
type Options struct {
	MaxDepth          uint32
	MaxNodesPerUpdate int
	Filter            segfilter.Filter
	// Cache, if non-nil, is Touch()ed whenever a node is promoted to
	// filtering. The profile core never Gets/Puts;
	// it only marks nodes as recently used.
	Cache *nodecache.Cache
	// Schema restricts which non-Position/Mileage attribute kinds get
	// gathered and copied out of each node's storage into the emitted
	// ProfileData. The zero value defaults to
	// point.DefaultSchema(), matching every kind this core has ever known
	// how to copy; pass a narrower Schema when the eventual Sink only
	// reads a subset, so nodes carrying the rest never pay to copy them.
	Schema point.Schema
}

func (o Options) withDefaults() Options {
	if o.MaxDepth == 0 {
		o.MaxDepth = math.MaxUint32
	}
	if o.MaxNodesPerUpdate == 0 {
		o.MaxNodesPerUpdate = 1
	}
	if o.Schema.IsZero() {
		o.Schema = point.DefaultSchema()
	}
	return o
}

// identityMatrix is used in place of a per-node translate·worldMatrix
// composite: ProfileRequest pre-translates node-local positions by
// boundingBox.Min itself (plain Vec arithmetic) before handing them to
// segfilter, then applies only the source's worldMatrix, so segfilter.Step
// always receives a single already-applicable-as-is matrix for the common
// case of a source with no extra per-node transform.
var identityMatrix = ms3.ScalingMat4(ms3.Vec{X: 1, Y: 1, Z: 1})

// ProfileData is one emission: a snapshot of accepted points per segment
// plus their aggregate bounding box.
type ProfileData struct {
	Segments    []profile.Segment
	BoundingBox profile.Box3

	hasBBox bool
}

func newProfileData(master []profile.Segment) *ProfileData {
	segs := make([]profile.Segment, len(master))
	for i, m := range master {
		segs[i] = m
		segs[i].Points = point.NewBuffer()
	}
	return &ProfileData{Segments: segs}
}

func (d *ProfileData) size() int {
	n := 0
	for i := range d.Segments {
		n += d.Segments[i].Points.Len()
	}
	return n
}

func (d *ProfileData) unionBox(bb profile.Box3) {
	if !d.hasBBox {
		d.BoundingBox = bb
		d.hasBBox = true
		return
	}
	d.BoundingBox = d.BoundingBox.Union(bb)
}

// ProfileRequest drives one (OctreeSource, Profile) traversal to
// completion or cancellation, one Update() tick at a time.
type ProfileRequest struct {
	ID uuid.UUID

	source         OctreeSource
	segments       []profile.Segment
	width          float32
	mileageOffsets []float64

	cache  *nodecache.Cache
	schema point.Schema
	queue  pqueue.Queue

	maxDepth           uint32
	maxNodesPerUpdate  int
	pointsServed       int
	highestLevelServed uint32
	cancelRequested    bool

	filter          segfilter.Filter
	state           State
	callbacks       Callbacks
	temporaryResult *ProfileData

	filterNode      NodeRef
	filterPositions []float32
	filterSegIdx    int
	filterCursor    segfilter.Cursor

	err error
}

// New creates a ProfileRequest over source's root node, filtering against
// segments (as derived by profile.Profile.DeriveSegments) with the given
// corridor width. The request does nothing until the first Update() call.
func New(source OctreeSource, segments []profile.Segment, width float32, cb Callbacks, opts Options) *ProfileRequest {
	opts = opts.withDefaults()
	offsets := make([]float64, len(segments))
	var cum float64
	for i, s := range segments {
		offsets[i] = cum
		cum += float64(s.Length)
	}
	return &ProfileRequest{
		ID:                uuid.New(),
		source:            source,
		segments:          segments,
		width:             width,
		mileageOffsets:    offsets,
		cache:             opts.Cache,
		schema:            opts.Schema,
		maxDepth:          opts.MaxDepth,
		maxNodesPerUpdate: opts.MaxNodesPerUpdate,
		filter:            opts.Filter,
		callbacks:         cb,
		temporaryResult:   newProfileData(segments),
	}
}

// State returns the request's current lifecycle state.
func (r *ProfileRequest) State() State { return r.state }

// PointsServed returns the cumulative count of points delivered via
// OnProgress so far, including the final flush made just before OnFinish.
func (r *ProfileRequest) PointsServed() int { return r.pointsServed }

// HighestLevelServed returns the deepest octree level filtered so far.
func (r *ProfileRequest) HighestLevelServed() uint32 { return r.highestLevelServed }

// Update performs one cooperative step: at most Options.MaxNodesPerUpdate
// nodes (default 1) are filtered to completion per call, and filtering itself may span many Update calls via
// segfilter's cooperative yield. Returns done=true once
// the request has reached Finished or Cancelled.
func (r *ProfileRequest) Update() (done bool, err error) {
	if r.state == StateFinished || r.state == StateCancelled {
		return true, r.err
	}
	if r.state == StateInitial {
		r.queue.Push(r.source.Root(), math32.Inf(1))
		r.state = StateTraversing
	}

	promoted := 0
	for {
		if r.state == StateFiltering {
			yielded, err := r.continueFiltering()
			if err != nil {
				// Request-fatal: StrideMismatch while merging a
				// filtered batch. Cancel exactly this request; the controller
				// survives and keeps driving the others.
				r.err = err
				r.Cancel()
				return true, err
			}
			if yielded {
				return false, nil // yielded mid-node; resume next tick.
			}
			promoted++
			if promoted >= r.maxNodesPerUpdate {
				return false, nil
			}
			continue
		}

		item, ok := r.queue.Pop()
		if !ok {
			return r.finish(), nil
		}
		node, _ := item.Value.(NodeRef)
		if node.Level() > r.maxDepth {
			continue // discard, stay.
		}
		if !node.Loaded() {
			node.Load()
			r.queue.Push(node, item.Weight)
			r.state = StateLoading
			return false, nil
		}

		if r.cache != nil {
			r.cache.Touch(node, node)
		}
		if node.Level() > r.highestLevelServed {
			r.highestLevelServed = node.Level()
		}
		r.expand(node)
		r.beginFilter(node)
		r.state = StateFiltering
	}
}

// expand pushes node's intersecting children.
func (r *ProfileRequest) expand(node NodeRef) {
	expandable := node.Level() == 0 ||
		(node.HierarchyStepSize() > 0 && node.Level()%node.HierarchyStepSize() == 0 && node.HasChildren())
	if !expandable {
		return
	}
	for i := 0; i < 8; i++ {
		child, ok := node.Child(i)
		if !ok {
			continue
		}
		if !r.intersectsProfile(child) {
			continue
		}
		r.queue.Push(child, child.BoundingSphere().Radius)
	}
}

// intersectsProfile is the traversal intersection test: the closest point
// on any segment's ground line to the node's world bounding sphere center
// must be within bsWorld.radius+width.
func (r *ProfileRequest) intersectsProfile(node NodeRef) bool {
	bsWorld := node.BoundingSphere().Transform(r.source.WorldMatrix())
	for i := range r.segments {
		if segmentIntersectsSphere(&r.segments[i], bsWorld, r.width) {
			return true
		}
	}
	return false
}

func segmentIntersectsSphere(seg *profile.Segment, bsWorld profile.Sphere, width float32) bool {
	toCenter := ms3.Sub(bsWorld.Center, seg.StartG)
	along := ms3.Dot(toCenter, seg.Side)
	perp := ms3.Dot(toCenter, seg.Forward)
	var overshoot float32
	if along < 0 {
		overshoot = -along
	} else if along > seg.Length {
		overshoot = along - seg.Length
	}
	dist := math32.Hypot(perp, overshoot)
	return dist < bsWorld.Radius+width
}

// ErrEmptyGeometry reports a node that claims NumPoints()>0 but exposes no
// position column. Filter-local, not request-fatal: the node is skipped and
// reported via Callbacks.OnWarning, the request carries on.
var ErrEmptyGeometry = errors.New("profilereq: node claims points but has no position column")

// beginFilter resets the resumable cursor for a freshly promoted node and
// pre-transforms its position column into world space once, rather than
// per segfilter.Step call. A node tripping ErrEmptyGeometry is left with
// an empty filterPositions, so continueFiltering treats it exactly like a
// node that legitimately filtered to zero points, after reporting the
// condition.
func (r *ProfileRequest) beginFilter(node NodeRef) {
	r.filterNode = node
	r.filterSegIdx = 0
	r.filterCursor = segfilter.Cursor{}
	positions, err := r.worldPositions(node, r.filterPositions[:0])
	r.filterPositions = positions
	if err != nil && r.callbacks.OnWarning != nil {
		r.callbacks.OnWarning(err)
	}
}

// worldPositions applies boundingBox.Min (plain Vec addition) then the
// source's worldMatrix to node's local position column, appending into dst.
// This is matrix = worldMatrix · T(boundingBox.Min) expressed without a
// translation-matrix constructor. Returns
// ErrEmptyGeometry if node claims points but carries no position column.
func (r *ProfileRequest) worldPositions(node NodeRef, dst []float32) ([]float32, error) {
	local := node.Attribute(point.Position)
	if len(local) == 0 {
		if node.NumPoints() > 0 {
			return dst, fmt.Errorf("%w: level %d, numPoints %d", ErrEmptyGeometry, node.Level(), node.NumPoints())
		}
		return dst, nil
	}
	bbMin := node.BoundingBox().Min
	matrix := r.source.WorldMatrix()
	for i := 0; i+2 < len(local); i += 3 {
		lp := profile.Vec3{X: local[i] + bbMin.X, Y: local[i+1] + bbMin.Y, Z: local[i+2] + bbMin.Z}
		wp := matrix.MulPosition(lp)
		dst = append(dst, wp.X, wp.Y, wp.Z)
	}
	return dst, nil
}

// continueFiltering resumes (or starts) filtering the currently promoted
// node across its remaining segments. Returns yielded=true if the yield
// budget was exceeded and the caller must return from Update to let the
// host resume next tick; yielded=false once the node is fully filtered
// across every segment. A non-nil error is request-fatal.
func (r *ProfileRequest) continueFiltering() (yielded bool, err error) {
	for r.filterSegIdx < len(r.segments) {
		seg := &r.segments[r.filterSegIdx]
		var batch segfilter.Batch
		segDone := r.filter.Step(r.filterPositions, identityMatrix, seg, r.width/2, r.mileageOffsets[r.filterSegIdx], &r.filterCursor, &batch)
		if err := r.appendBatch(&batch); err != nil {
			return false, err
		}
		if !segDone {
			return true, nil
		}
		r.filterSegIdx++
		r.filterCursor = segfilter.Cursor{}
	}
	r.state = StateTraversing
	r.filterNode = nil
	r.emitProgress(false)
	return false, nil
}

// appendBatch merges one segfilter.Batch into the matching segment of the
// in-flight temporaryResult. The batch is staged
// into a fresh Buffer and merged with Buffer.Append so that nodes carrying
// different attribute sets stay column-aligned (missing columns are
// zero-extended rather than silently drifting out of register). A
// *point.StrideError from the merge is request-fatal.
func (r *ProfileRequest) appendBatch(batch *segfilter.Batch) error {
	n := len(batch.Indices)
	if n == 0 {
		return nil
	}
	staged := point.NewBuffer()

	positions := make([]float32, 0, 3*n)
	for _, p := range batch.Projected {
		positions = append(positions, p.X, p.Y, p.Z)
	}
	if err := staged.AppendColumn(point.Position, positions); err != nil {
		return err
	}
	staged.AppendMileage(batch.Mileage)

	for _, kind := range r.schema.Kinds() {
		src := r.filterNode.Attribute(kind)
		stride := kind.Stride()
		if len(src) < int(r.filterNode.NumPoints())*stride {
			continue // absent or undersized column: skip, filter-local.
		}
		gathered := make([]float32, 0, n*stride)
		for _, idx := range batch.Indices {
			base := int(idx) * stride
			gathered = append(gathered, src[base:base+stride]...)
		}
		if err := staged.AppendColumn(kind, gathered); err != nil {
			return err
		}
	}
	return r.temporaryResult.Segments[r.filterSegIdx].Points.Append(staged)
}

// emitProgress delivers temporaryResult via OnProgress if it holds more
// than 100 points (or force, on finalize), then replaces it with a fresh
// ProfileData.
func (r *ProfileRequest) emitProgress(force bool) bool {
	sz := r.temporaryResult.size()
	if sz == 0 || (!force && sz <= 100) {
		return false
	}
	data := r.temporaryResult
	for i := range data.Segments {
		if bb, ok := data.Segments[i].Points.BoundingBox(); ok {
			data.unionBox(bb)
		}
	}
	if r.callbacks.OnProgress != nil {
		r.callbacks.OnProgress(data)
	}
	r.pointsServed += sz
	r.temporaryResult = newProfileData(r.segments)
	return true
}

// finish emits any remaining temporaryResult, calls OnFinish, and
// transitions to Finished.
func (r *ProfileRequest) finish() bool {
	r.emitProgress(true)
	r.state = StateFinished
	if r.callbacks.OnFinish != nil {
		r.callbacks.OnFinish()
	}
	return true
}

// Cancel immediately drops the queue and transitions to Cancelled, calling
// OnCancel exactly once. A second call is a no-op.
func (r *ProfileRequest) Cancel() {
	if r.state == StateFinished || r.state == StateCancelled {
		return
	}
	r.queue.Reset()
	r.state = StateCancelled
	if r.callbacks.OnCancel != nil {
		r.callbacks.OnCancel()
	}
}

// FinishLevelThenCancel requests a graceful stop: nodes already queued at
// level <= HighestLevelServed still run to completion, deeper nodes are
// dropped on pop, and the request still calls OnFinish (not OnCancel) once
// the queue drains naturally.
func (r *ProfileRequest) FinishLevelThenCancel() {
	if r.state == StateFinished || r.state == StateCancelled {
		return
	}
	r.maxDepth = r.highestLevelServed
	r.cancelRequested = true
}

// CancelRequested reports whether FinishLevelThenCancel has been called.
func (r *ProfileRequest) CancelRequested() bool { return r.cancelRequested }
