package trace

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/vortexlab/tetracer/mesh"
)

// Host reference advection. Mirrors the device tracing kernel stage by
// stage over the global topology, without any blocking, so device results
// can be cross-checked and scenario behavior pinned down in tests.

// RefResult is the outcome of advecting one particle through one interval.
type RefResult struct {
	Cell     int32 // -1 when the particle left the mesh
	Position mgl64.Vec3
	PastTime float64
}

// velocityAt interpolates the vertex velocities of a cell at barycentric
// coordinates, blended linearly between the bracketing frames.
func velocityAt(m *mesh.Mesh, startVel, endVel []mgl64.Vec3, cell int32,
	coords [4]float64, startTime, endTime, t float64) mgl64.Vec3 {
	ratio := (t - startTime) / (endTime - startTime)
	var v mgl64.Vec3
	for k := 0; k < 4; k++ {
		point := m.Connectivity[cell*4+int32(k)]
		blended := startVel[point].Mul(1 - ratio).Add(endVel[point].Mul(ratio))
		v = v.Add(blended.Mul(coords[k]))
	}
	return v
}

// walk follows the ray from last to p through face-adjacent cells. When the
// ray leaves the mesh it reports ok=false with the position clamped onto
// the boundary face.
func walk(m *mesh.Mesh, cell int32, p, last mgl64.Vec3, eps float64) (int32, [4]float64, mgl64.Vec3, bool) {
	guard := 0
	for {
		coords, _ := mesh.Barycentric(m.Tetrahedron(int(cell)), p)
		worst := 0
		for k := 1; k < 4; k++ {
			if coords[k] < coords[worst] {
				worst = k
			}
		}
		if coords[worst] >= -eps {
			return cell, coords, p, true
		}
		next := m.Links[cell*4+int32(worst)]
		if next == -1 {
			from, _ := mesh.Barycentric(m.Tetrahedron(int(cell)), last)
			hit := p
			if denom := from[worst] - coords[worst]; denom > 0 {
				hit = last.Add(p.Sub(last).Mul(from[worst] / denom))
			}
			return cell, coords, hit, false
		}
		cell = next
		guard++
		if guard > m.NumCells {
			return cell, coords, p, false
		}
	}
}

// AdvectRK4 advances one particle from pos in cell through the interval
// [startTime, endTime] with fixed step h, matching the RK4 tracing kernel's
// stage and cell-walking semantics.
func AdvectRK4(m *mesh.Mesh, startVel, endVel []mgl64.Vec3,
	startTime, endTime, h, eps float64, cell int32, pos mgl64.Vec3) RefResult {

	lastPos := pos
	poi := pos
	pastTime := startTime
	stage := 0
	var k1, k2, k3 mgl64.Vec3

	for {
		currCell, coords, hit, ok := walk(m, cell, poi, lastPos, eps)
		if !ok {
			return RefResult{Cell: -1, Position: hit, PastTime: pastTime}
		}
		cell = currCell

		remaining := endTime - pastTime
		step := h
		if remaining < step {
			step = remaining
		}
		sampleTime := pastTime
		switch stage {
		case 1, 2:
			sampleTime = pastTime + step/2
		case 3:
			sampleTime = pastTime + step
		}
		v := velocityAt(m, startVel, endVel, cell, coords, startTime, endTime, sampleTime)

		switch stage {
		case 0:
			k1 = v.Mul(step)
			poi = lastPos.Add(k1.Mul(0.5))
			stage = 1
		case 1:
			k2 = v.Mul(step)
			poi = lastPos.Add(k2.Mul(0.5))
			stage = 2
		case 2:
			k3 = v.Mul(step)
			poi = lastPos.Add(k3)
			stage = 3
		case 3:
			delta := k1.Add(k2.Mul(2)).Add(k3.Mul(2)).Add(v.Mul(step)).Mul(1.0 / 6)
			lastPos = lastPos.Add(delta)
			poi = lastPos
			pastTime += step
			stage = 0
			if pastTime >= endTime-eps {
				return RefResult{Cell: cell, Position: lastPos, PastTime: endTime}
			}
		}
	}
}
