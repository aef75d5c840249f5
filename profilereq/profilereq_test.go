package profilereq_test

import (
	"errors"
	"testing"

	"github.com/soypat/geometry/ms3"
	"github.com/soypat/ptprofile/point"
	"github.com/soypat/ptprofile/profile"
	"github.com/soypat/ptprofile/profilereq"
)

// fakeNode is a small hand-built test double standing in for a loaded
// out-of-core octree node.
type fakeNode struct {
	level     uint32
	numPoints uint32
	loaded    bool
	stepSize  uint32
	sphere    profile.Sphere
	bbox      profile.Box3
	children  []*fakeNode
	attrs     map[point.AttributeKind][]float32
}

func (n *fakeNode) Level() uint32                  { return n.level }
func (n *fakeNode) NumPoints() uint32              { return n.numPoints }
func (n *fakeNode) BoundingBox() profile.Box3      { return n.bbox }
func (n *fakeNode) BoundingSphere() profile.Sphere { return n.sphere }
func (n *fakeNode) HierarchyStepSize() uint32      { return n.stepSize }
func (n *fakeNode) HasChildren() bool              { return len(n.children) > 0 }
func (n *fakeNode) Loaded() bool                   { return n.loaded }
func (n *fakeNode) Load()                          { n.loaded = true }
func (n *fakeNode) Attribute(k point.AttributeKind) []float32 {
	return n.attrs[k]
}
func (n *fakeNode) Child(i int) (profilereq.NodeRef, bool) {
	if i >= len(n.children) || n.children[i] == nil {
		return nil, false
	}
	return n.children[i], true
}

type fakeSource struct {
	root    *fakeNode
	matrix  profile.Matrix4
	visible bool
}

func (s *fakeSource) Root() profilereq.NodeRef     { return s.root }
func (s *fakeSource) WorldMatrix() profile.Matrix4 { return s.matrix }
func (s *fakeSource) Visible() bool                { return s.visible }

var identity = ms3.ScalingMat4(ms3.Vec{X: 1, Y: 1, Z: 1})

func straightProfile(t *testing.T, width float32, markers ...profile.Vec3) []profile.Segment {
	t.Helper()
	p, err := profile.New(width, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range markers {
		p.AddMarker(m)
	}
	segs, err := p.DeriveSegments()
	if err != nil {
		t.Fatal(err)
	}
	return segs
}

// repeatedPoints builds a flat position column of n copies of p.
func repeatedPoints(n int, p profile.Vec3) []float32 {
	out := make([]float32, 0, 3*n)
	for i := 0; i < n; i++ {
		out = append(out, p.X, p.Y, p.Z)
	}
	return out
}

func driveToCompletion(t *testing.T, req *profilereq.ProfileRequest, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		done, err := req.Update()
		if err != nil {
			t.Fatalf("update error: %v", err)
		}
		if done {
			return
		}
	}
	t.Fatalf("request did not finish within %d ticks", maxTicks)
}

func TestSingleNodeAllInsideReachesFinish(t *testing.T) {
	segs := straightProfile(t, 2, profile.Vec3{X: 0}, profile.Vec3{X: 10})
	node := &fakeNode{
		level:     0,
		numPoints: 3,
		loaded:    true,
		sphere:    profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 5},
		attrs: map[point.AttributeKind][]float32{
			point.Position: {1, 0, 0, 5, 0, 0, 9, 0, 0},
		},
	}
	src := &fakeSource{root: node, matrix: identity}

	var finished bool
	var total int
	req := profilereq.New(src, segs, 2, profilereq.Callbacks{
		OnFinish: func() { finished = true },
		OnProgress: func(d *profilereq.ProfileData) {
			for i := range d.Segments {
				total += d.Segments[i].Points.Len()
			}
		},
	}, profilereq.Options{})

	driveToCompletion(t, req, 50)
	if !finished {
		t.Fatal("want OnFinish called")
	}
	if total != 3 {
		t.Fatalf("want 3 total accepted points, got %d", total)
	}
	if req.State() != profilereq.StateFinished {
		t.Fatalf("want state Finished, got %v", req.State())
	}
}

func TestEmptyGeometrySkippedAndReported(t *testing.T) {
	segs := straightProfile(t, 2, profile.Vec3{X: 0}, profile.Vec3{X: 10})
	node := &fakeNode{
		level:     0,
		numPoints: 3, // claims points...
		loaded:    true,
		sphere:    profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 5},
		attrs:     map[point.AttributeKind][]float32{}, // ...but carries no position column.
	}
	src := &fakeSource{root: node, matrix: identity}

	var finished bool
	var warnings []error
	req := profilereq.New(src, segs, 2, profilereq.Callbacks{
		OnFinish:  func() { finished = true },
		OnWarning: func(err error) { warnings = append(warnings, err) },
	}, profilereq.Options{})

	driveToCompletion(t, req, 50)
	if !finished {
		t.Fatal("want OnFinish called despite the empty-geometry node")
	}
	if len(warnings) != 1 {
		t.Fatalf("want exactly one warning, got %d", len(warnings))
	}
	if !errors.Is(warnings[0], profilereq.ErrEmptyGeometry) {
		t.Fatalf("want ErrEmptyGeometry, got %v", warnings[0])
	}
}

func TestSchemaRestrictsCopiedAttributes(t *testing.T) {
	segs := straightProfile(t, 2, profile.Vec3{X: 0}, profile.Vec3{X: 10})
	node := &fakeNode{
		level:     0,
		numPoints: 1,
		loaded:    true,
		sphere:    profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 5},
		attrs: map[point.AttributeKind][]float32{
			point.Position:       {5, 0, 0},
			point.Color:          {1, 2, 3, 4},
			point.Intensity:      {42},
			point.Classification: {7},
		},
	}
	src := &fakeSource{root: node, matrix: identity}

	var result *profilereq.ProfileData
	req := profilereq.New(src, segs, 2, profilereq.Callbacks{
		OnFinish: func() {},
		OnProgress: func(d *profilereq.ProfileData) {
			result = d
		},
	}, profilereq.Options{Schema: point.NewSchema(point.Color)})

	driveToCompletion(t, req, 50)
	if result == nil {
		t.Fatal("want at least one OnProgress delivery")
	}
	pts := result.Segments[0].Points
	if len(pts.Column(point.Color)) == 0 {
		t.Fatal("want Color copied: it is in the configured Schema")
	}
	if len(pts.Column(point.Intensity)) != 0 {
		t.Fatal("want Intensity not copied: it is outside the configured Schema")
	}
	if len(pts.Column(point.Classification)) != 0 {
		t.Fatal("want Classification not copied: it is outside the configured Schema")
	}
}

func TestNodeNotYetLoadedEntersLoadingState(t *testing.T) {
	segs := straightProfile(t, 2, profile.Vec3{X: 0}, profile.Vec3{X: 10})
	node := &fakeNode{
		level:     0,
		numPoints: 1,
		loaded:    false, // must be requested via Load().
		sphere:    profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 5},
		attrs: map[point.AttributeKind][]float32{
			point.Position: {5, 0, 0},
		},
	}
	src := &fakeSource{root: node, matrix: identity}
	req := profilereq.New(src, segs, 2, profilereq.Callbacks{}, profilereq.Options{})

	done, err := req.Update()
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("want not done after first tick: node was unloaded")
	}
	if req.State() != profilereq.StateLoading {
		t.Fatalf("want state Loading, got %v", req.State())
	}
	if !node.loaded {
		t.Fatal("want Load() to have been called")
	}

	driveToCompletion(t, req, 50)
}

func TestFinishLevelThenCancelDropsDeeperQueuedNodes(t *testing.T) {
	segs := straightProfile(t, 2, profile.Vec3{X: 0}, profile.Vec3{X: 10})

	grandchild := &fakeNode{
		level:  2,
		loaded: false,
		sphere: profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 1},
	}
	child := &fakeNode{
		level:     1,
		numPoints: 200,
		loaded:    true,
		stepSize:  1,
		sphere:    profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 2},
		children:  []*fakeNode{grandchild},
		attrs: map[point.AttributeKind][]float32{
			point.Position: repeatedPoints(200, profile.Vec3{X: 5}),
		},
	}
	root := &fakeNode{
		level:    0,
		loaded:   true,
		stepSize: 1,
		sphere:   profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 5},
		children: []*fakeNode{child},
	}
	src := &fakeSource{root: root, matrix: identity}

	var (
		finished  bool
		cancelled bool
		total     int
	)
	var req *profilereq.ProfileRequest
	req = profilereq.New(src, segs, 2, profilereq.Callbacks{
		OnFinish: func() { finished = true },
		OnCancel: func() { cancelled = true },
		OnProgress: func(d *profilereq.ProfileData) {
			for i := range d.Segments {
				total += d.Segments[i].Points.Len()
			}
			req.FinishLevelThenCancel()
		},
	}, profilereq.Options{})

	driveToCompletion(t, req, 50)

	if cancelled {
		t.Fatal("want OnFinish, not OnCancel, for a graceful level-finish")
	}
	if !finished {
		t.Fatal("want OnFinish called")
	}
	if total != 200 {
		t.Fatalf("want 200 accepted points from child, got %d", total)
	}
	if grandchild.loaded {
		// grandchild was popped (it was queued) but must never be promoted
		// to filtering once maxDepth dropped to 1; Load() is only called
		// when a node survives the depth check.
		t.Fatal("want grandchild discarded on pop, never loaded")
	}
	if !req.CancelRequested() {
		t.Fatal("want CancelRequested true after FinishLevelThenCancel")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	segs := straightProfile(t, 2, profile.Vec3{X: 0}, profile.Vec3{X: 10})
	node := &fakeNode{level: 0, loaded: true, sphere: profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 5}}
	src := &fakeSource{root: node, matrix: identity}

	var cancels int
	req := profilereq.New(src, segs, 2, profilereq.Callbacks{
		OnCancel: func() { cancels++ },
	}, profilereq.Options{})

	req.Cancel()
	req.Cancel()
	if cancels != 1 {
		t.Fatalf("want OnCancel called exactly once, got %d", cancels)
	}
	if req.State() != profilereq.StateCancelled {
		t.Fatalf("want state Cancelled, got %v", req.State())
	}
	done, err := req.Update()
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("want Update to be a no-op once cancelled")
	}
}

func TestMaxDepthDiscardsDeepRoot(t *testing.T) {
	segs := straightProfile(t, 2, profile.Vec3{X: 0}, profile.Vec3{X: 10})
	node := &fakeNode{level: 5, loaded: true, sphere: profile.Sphere{Center: profile.Vec3{X: 5}, Radius: 5}}
	src := &fakeSource{root: node, matrix: identity}

	var finished bool
	req := profilereq.New(src, segs, 2, profilereq.Callbacks{
		OnFinish: func() { finished = true },
	}, profilereq.Options{MaxDepth: 2})

	driveToCompletion(t, req, 10)
	if !finished {
		t.Fatal("want OnFinish even though the only node was discarded for exceeding maxDepth")
	}
}
