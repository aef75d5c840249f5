package profile

import (
	"math"
	"testing"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
)

func TestDeriveSegmentsTooFew(t *testing.T) {
	p, err := New(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.DeriveSegments(); err != ErrTooFewMarkers {
		t.Fatalf("want ErrTooFewMarkers, got %v", err)
	}
	p.AddMarker(Vec3{})
	if _, err := p.DeriveSegments(); err != ErrTooFewMarkers {
		t.Fatalf("1 marker: want ErrTooFewMarkers, got %v", err)
	}
}

func TestDeriveSegmentsOrthogonality(t *testing.T) {
	p, err := New(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	p.AddMarker(Vec3{X: 0, Y: 0, Z: 0})
	p.AddMarker(Vec3{X: 10, Y: 0, Z: 0})
	p.AddMarker(Vec3{X: 10, Y: 10, Z: 0})
	segs, err := p.DeriveSegments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 {
		t.Fatalf("want 2 segments, got %d", len(segs))
	}
	for i, s := range segs {
		const tol = 1e-4
		if math32.Abs(norm(s.Side)-1) > tol {
			t.Errorf("segment %d: |side|=%f, want 1", i, norm(s.Side))
		}
		if math32.Abs(norm(s.Forward)-1) > tol {
			t.Errorf("segment %d: |forward|=%f, want 1", i, norm(s.Forward))
		}
		dot := s.Forward.X*s.Side.X + s.Forward.Y*s.Side.Y + s.Forward.Z*s.Side.Z
		if math32.Abs(dot) > tol {
			t.Errorf("segment %d: forward·side=%f, want 0", i, dot)
		}
	}
	if segs[0].End != segs[1].Start {
		t.Errorf("segments should share endpoint: %+v != %+v", segs[0].End, segs[1].Start)
	}
}

func norm(v Vec3) float32 {
	return math32.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func TestAddMarkerSingleEvent(t *testing.T) {
	p, err := New(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	var events []Event
	p.AddListener(func(ev Event) { events = append(events, ev) })
	p.AddMarker(Vec3{X: 1, Y: 2, Z: 3})
	if len(events) != 1 {
		t.Fatalf("want exactly 1 event on AddMarker, got %d: %+v", len(events), events)
	}
	if events[0].Kind != MarkerAdded {
		t.Errorf("want MarkerAdded, got %s", events[0].Kind)
	}
}

func TestRemoveListenerStopsDelivery(t *testing.T) {
	p, _ := New(2, 1)
	var n int
	sub := p.AddListener(func(Event) { n++ })
	p.AddMarker(Vec3{})
	p.RemoveListener(sub)
	p.AddMarker(Vec3{X: 1})
	if n != 1 {
		t.Fatalf("want 1 event delivered before unsubscribe, got %d", n)
	}
}

func TestAddRemoveMarkerRoundTrip(t *testing.T) {
	p, _ := New(2, 1)
	p.AddMarker(Vec3{X: 0})
	p.AddMarker(Vec3{X: 10})
	p.AddMarker(Vec3{X: 20})
	before, err := p.DeriveSegments()
	if err != nil {
		t.Fatal(err)
	}
	p.AddMarker(Vec3{X: 30})
	if err := p.RemoveMarker(3); err != nil {
		t.Fatal(err)
	}
	after, err := p.DeriveSegments()
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("round trip changed segment count: %d != %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Start != after[i].Start || before[i].End != after[i].End {
			t.Errorf("segment %d geometry changed after round trip", i)
		}
	}
}

func TestSphereTransformScalesRadius(t *testing.T) {
	s := Sphere{Center: Vec3{X: 1}, Radius: 2}

	uniform := s.Transform(ms3.ScalingMat4(ms3.Vec{X: 3, Y: 3, Z: 3}))
	if math32.Abs(uniform.Radius-6) > 1e-4 {
		t.Errorf("uniform scale: radius = %f, want 6", uniform.Radius)
	}
	if math32.Abs(uniform.Center.X-3) > 1e-4 {
		t.Errorf("uniform scale: center.X = %f, want 3", uniform.Center.X)
	}

	// Non-uniform scale must use the largest axis factor so the result
	// never shrinks below the transformed geometry.
	nonuniform := s.Transform(ms3.ScalingMat4(ms3.Vec{X: 1, Y: 2, Z: 5}))
	if math32.Abs(nonuniform.Radius-10) > 1e-4 {
		t.Errorf("non-uniform scale: radius = %f, want 10", nonuniform.Radius)
	}

	identity := s.Transform(ms3.ScalingMat4(ms3.Vec{X: 1, Y: 1, Z: 1}))
	if math32.Abs(identity.Radius-2) > 1e-4 {
		t.Errorf("identity: radius = %f, want 2", identity.Radius)
	}
}

func TestMoveMarkerOutOfRange(t *testing.T) {
	p, _ := New(2, 1)
	p.AddMarker(Vec3{})
	if err := p.MoveMarker(5, Vec3{}); err != ErrMarkerIndexOutOfRange {
		t.Fatalf("want ErrMarkerIndexOutOfRange, got %v", err)
	}
}

func TestSetWidthInvalid(t *testing.T) {
	p, _ := New(2, 1)
	if err := p.SetWidth(0); err != ErrNonPositiveWidth {
		t.Fatalf("want ErrNonPositiveWidth, got %v", err)
	}
	if err := p.SetWidth(-1); err != ErrNonPositiveWidth {
		t.Fatalf("want ErrNonPositiveWidth, got %v", err)
	}
}

func TestTwoSegmentMileageContinuity(t *testing.T) {
	// Markers [(0,0,0),(10,0,0),(10,10,0)], width=2. Point (10,5,0) on
	// segment 2 should have mileage 10+5=15.
	p, _ := New(2, 1)
	p.AddMarker(Vec3{X: 0, Y: 0, Z: 0})
	p.AddMarker(Vec3{X: 10, Y: 0, Z: 0})
	p.AddMarker(Vec3{X: 10, Y: 10, Z: 0})
	segs, err := p.DeriveSegments()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(segs[0].Length-10)) > 1e-4 {
		t.Errorf("segment 0 length = %f, want 10", segs[0].Length)
	}
	pt := Vec3{X: 10, Y: 5, Z: 0}
	localMileage := segs[1].Side.X*(pt.X-segs[1].StartG.X) + segs[1].Side.Y*(pt.Y-segs[1].StartG.Y)
	totalMileage := float64(segs[0].Length) + float64(localMileage)
	if math.Abs(totalMileage-15) > 1e-3 {
		t.Errorf("mileage = %f, want 15", totalMileage)
	}
}
