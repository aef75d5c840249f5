package profile

import (
	"errors"

	"github.com/soypat/geometry/ms3"
	"github.com/soypat/ptprofile/point"
)

// Marker is a single polyline vertex in 3D world space.
type Marker = Vec3

// Segment is the derived geometry for one edge of the polyline. Points
// accumulates accepted, projected points for this segment across one
// extraction pass; it is owned exclusively by the segment.
type Segment struct {
	Start, End   Vec3
	StartG, EndG Vec3 // Start/End with z=0.
	Side         Vec3 // normalize(EndG - StartG)
	Forward      Vec3 // normalize(Side × (0,0,1)), perpendicular to Side.
	CutPlane     Plane
	HalfPlane    Plane
	Length       float32
	Points       *point.Buffer
}

// deriveSegment builds segment i→i+1's geometry from two consecutive
// markers.
func deriveSegment(start, end Vec3) Segment {
	startG := Vec3{X: start.X, Y: start.Y}
	endG := Vec3{X: end.X, Y: end.Y}
	side := ms3.Unit(ms3.Sub(endG, startG))
	forward := ms3.Unit(cross(side, Vec3{Z: 1}))
	mid := ms3.Scale(0.5, ms3.Add(startG, endG))
	return Segment{
		Start:     start,
		End:       end,
		StartG:    startG,
		EndG:      endG,
		Side:      side,
		Forward:   forward,
		CutPlane:  NewPlane(startG, forward),
		HalfPlane: NewPlane(mid, side),
		Length:    distance2D(startG, endG),
		Points:    point.NewBuffer(),
	}
}

var (
	// ErrTooFewMarkers is returned by DeriveSegments-adjacent operations when
	// a Profile has fewer than two markers.
	ErrTooFewMarkers = errors.New("profile: fewer than 2 markers")
	// ErrNonPositiveWidth rejects width <= 0.
	ErrNonPositiveWidth = errors.New("profile: width must be positive")
	// ErrMarkerIndexOutOfRange guards MoveMarker/RemoveMarker preconditions.
	ErrMarkerIndexOutOfRange = errors.New("profile: marker index out of range")
)

// Profile is an ordered sequence of markers with a width and fixed height.
// Height is part of the public shape but unused by the geometric filter.
type Profile struct {
	markers []Marker
	width   float32
	height  float32
	pub     publisher
}

// New creates an empty Profile with the given width and height. Markers must
// be added with AddMarker before DeriveSegments returns anything.
func New(width, height float32) (*Profile, error) {
	if width <= 0 {
		return nil, ErrNonPositiveWidth
	}
	return &Profile{width: width, height: height}, nil
}

// Width returns the corridor width.
func (p *Profile) Width() float32 { return p.width }

// Height returns the fixed viewport height. Unused by the segment filter;
// part of the public shape only.
func (p *Profile) Height() float32 { return p.height }

// Markers returns a copy of the current marker list.
func (p *Profile) Markers() []Marker {
	out := make([]Marker, len(p.markers))
	copy(out, p.markers)
	return out
}

// AddMarker appends a marker to the polyline and emits exactly one
// MarkerAdded event, never an extra MarkerMoved for the same edit.
func (p *Profile) AddMarker(pos Vec3) {
	p.markers = append(p.markers, pos)
	p.pub.emit(Event{Kind: MarkerAdded, Index: len(p.markers) - 1})
}

// MoveMarker repositions marker i. Requires 0 <= i < len(markers).
func (p *Profile) MoveMarker(i int, pos Vec3) error {
	if i < 0 || i >= len(p.markers) {
		return ErrMarkerIndexOutOfRange
	}
	p.markers[i] = pos
	p.pub.emit(Event{Kind: MarkerMoved, Index: i})
	return nil
}

// RemoveMarker deletes marker i. Requires 0 <= i < len(markers).
func (p *Profile) RemoveMarker(i int) error {
	if i < 0 || i >= len(p.markers) {
		return ErrMarkerIndexOutOfRange
	}
	p.markers = append(p.markers[:i], p.markers[i+1:]...)
	p.pub.emit(Event{Kind: MarkerRemoved, Index: i})
	return nil
}

// SetWidth updates the corridor width. Requires w > 0.
func (p *Profile) SetWidth(w float32) error {
	if w <= 0 {
		return ErrNonPositiveWidth
	}
	p.width = w
	p.pub.emit(Event{Kind: WidthChanged, Index: -1})
	return nil
}

// AddListener subscribes fn to every mutation event emitted by this Profile.
func (p *Profile) AddListener(fn Listener) Subscription {
	return p.pub.subscribe(fn)
}

// RemoveListener unsubscribes a previously added listener.
func (p *Profile) RemoveListener(sub Subscription) {
	p.pub.unsubscribe(sub)
}

// DeriveSegments returns the n-1 segments implied by the current n markers.
// Returns (nil, ErrTooFewMarkers) for 0 or 1 markers, so recomputation over
// such a profile degrades to a no-op.
func (p *Profile) DeriveSegments() ([]Segment, error) {
	if len(p.markers) < 2 {
		return nil, ErrTooFewMarkers
	}
	segs := make([]Segment, len(p.markers)-1)
	for i := 0; i < len(p.markers)-1; i++ {
		segs[i] = deriveSegment(p.markers[i], p.markers[i+1])
	}
	return segs, nil
}
