package mesh

import (
	"github.com/go-gl/mathgl/mgl64"
)

// TetBoundingBox returns the axis-aligned bounding box of four vertices.
func TetBoundingBox(t [4]mgl64.Vec3) (min, max mgl64.Vec3) {
	min, max = t[0], t[0]
	for _, p := range t[1:] {
		for i := 0; i < 3; i++ {
			if p[i] < min[i] {
				min[i] = p[i]
			}
			if p[i] > max[i] {
				max[i] = p[i]
			}
		}
	}
	return min, max
}

// Barycentric returns the barycentric coordinates of p with respect to the
// tetrahedron t. The four weights sum to one; a degenerate tetrahedron
// yields ok=false.
func Barycentric(t [4]mgl64.Vec3, p mgl64.Vec3) (coords [4]float64, ok bool) {
	e1 := t[1].Sub(t[0])
	e2 := t[2].Sub(t[0])
	e3 := t[3].Sub(t[0])
	d := p.Sub(t[0])

	det := triple(e1, e2, e3)
	if det == 0 {
		return coords, false
	}
	coords[1] = triple(d, e2, e3) / det
	coords[2] = triple(e1, d, e3) / det
	coords[3] = triple(e1, e2, d) / det
	coords[0] = 1 - coords[1] - coords[2] - coords[3]
	return coords, true
}

// Contains reports whether p lies inside tetrahedron t, with tolerance eps
// applied to each barycentric weight.
func Contains(t [4]mgl64.Vec3, p mgl64.Vec3, eps float64) bool {
	coords, ok := Barycentric(t, p)
	if !ok {
		return false
	}
	for _, c := range coords {
		if c < -eps {
			return false
		}
	}
	return true
}

func triple(a, b, c mgl64.Vec3) float64 {
	return a.Dot(b.Cross(c))
}
