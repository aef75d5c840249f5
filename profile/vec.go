// Package profile models a polyline-of-markers cross-section profile: the
// width, the derived per-segment geometry (cut plane, half plane, direction)
// used to decide which points of an out-of-core octree fall inside the swept
// corridor, and the mutation events that drive re-extraction.
package profile

import (
	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
)

// Vec3 is a point or direction in 3D world space.
type Vec3 = ms3.Vec

// Box3 is an axis-aligned bounding box in 3D world space.
type Box3 = ms3.Box

// Matrix4 is a 4x4 affine transform, as applied to node-local point data to
// bring it into world space.
type Matrix4 = ms3.Mat4

// Plane is a half-space boundary defined by a point it passes through and a
// unit normal.
type Plane struct {
	Point  Vec3
	Normal Vec3
}

// NewPlane creates a plane through point with the given normal. The normal
// need not be unit length; it is normalized on construction.
func NewPlane(point, normal Vec3) Plane {
	return Plane{Point: point, Normal: ms3.Unit(normal)}
}

// SignedDistance returns the signed distance from p to the plane: positive on
// the side the normal points to.
func (pl Plane) SignedDistance(p Vec3) float32 {
	return ms3.Dot(pl.Normal, ms3.Sub(p, pl.Point))
}

// Sphere is a bounding sphere, as exposed by an octree node for priority
// weighting and corridor-intersection tests.
type Sphere struct {
	Center Vec3
	Radius float32
}

// Transform returns the sphere obtained by applying m to Center; the radius
// is scaled by m's largest axis scale factor, so the result still encloses
// the transformed geometry for uniform scales and is a safe (non-shrinking)
// over-approximation for non-uniform ones.
func (s Sphere) Transform(m Matrix4) Sphere {
	origin := m.MulPosition(Vec3{})
	sx := ms3.Norm(ms3.Sub(m.MulPosition(Vec3{X: 1}), origin))
	sy := ms3.Norm(ms3.Sub(m.MulPosition(Vec3{Y: 1}), origin))
	sz := ms3.Norm(ms3.Sub(m.MulPosition(Vec3{Z: 1}), origin))
	scale := math32.Max(sx, math32.Max(sy, sz))
	return Sphere{Center: m.MulPosition(s.Center), Radius: s.Radius * scale}
}

// cross returns the right-handed cross product a × b.
func cross(a, b Vec3) Vec3 {
	return Vec3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

// distance2D returns the planar (z-ignored) distance between a and b.
func distance2D(a, b Vec3) float32 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math32.Hypot(dx, dy)
}
