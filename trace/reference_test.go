package trace

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/vortexlab/tetracer/mesh"
)

func singleTetMesh() *mesh.Mesh {
	return &mesh.Mesh{
		NumCells:     1,
		NumPoints:    4,
		Connectivity: []int32{0, 1, 2, 3},
		Links:        []int32{-1, -1, -1, -1},
		Positions:    []mgl64.Vec3{{0, 0, 0}, {2, 0, 0}, {0, 2, 0}, {0, 0, 2}},
	}
}

func uniformVelocities(v mgl64.Vec3, n int) []mgl64.Vec3 {
	out := make([]mgl64.Vec3, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestAdvectConstantVelocity(t *testing.T) {
	m := singleTetMesh()
	vel := uniformVelocities(mgl64.Vec3{1, 0, 0}, 4)

	res := AdvectRK4(m, vel, vel, 0, 1, 0.25, 1e-9, 0, mgl64.Vec3{0.1, 0.1, 0.1})

	assert.Equal(t, int32(0), res.Cell)
	assert.True(t, scalar.EqualWithinAbs(res.Position[0], 1.1, 1e-9))
	assert.True(t, scalar.EqualWithinAbs(res.Position[1], 0.1, 1e-9))
	assert.True(t, scalar.EqualWithinAbs(res.Position[2], 0.1, 1e-9))
	assert.True(t, scalar.EqualWithinAbs(res.PastTime, 1.0, 1e-12))
}

func TestAdvectLinearShear(t *testing.T) {
	m := singleTetMesh()
	// u = (y, 0, 0): vertex velocities sample the field at the vertices,
	// and barycentric interpolation reproduces a linear field exactly.
	vel := make([]mgl64.Vec3, 4)
	for i, p := range m.Positions {
		vel[i] = mgl64.Vec3{p[1], 0, 0}
	}

	res := AdvectRK4(m, vel, vel, 0, 1, 0.1, 1e-9, 0, mgl64.Vec3{0.1, 0.5, 0.1})

	assert.Equal(t, int32(0), res.Cell)
	assert.True(t, scalar.EqualWithinAbs(res.Position[0], 0.6, 1e-6),
		"got x = %v", res.Position[0])
	assert.True(t, scalar.EqualWithinAbs(res.Position[1], 0.5, 1e-9))
}

func TestAdvectExitsThroughFace(t *testing.T) {
	m := singleTetMesh()
	vel := uniformVelocities(mgl64.Vec3{10, 0, 0}, 4)

	res := AdvectRK4(m, vel, vel, 0, 1, 0.25, 1e-9, 0, mgl64.Vec3{0.1, 0.1, 0.1})

	require.Equal(t, int32(-1), res.Cell)
	// The recorded position lies on the exit face x+y+z = 2.
	sum := res.Position[0] + res.Position[1] + res.Position[2]
	assert.True(t, scalar.EqualWithinAbs(sum, 2.0, 1e-9), "exit position %v", res.Position)
	assert.True(t, scalar.EqualWithinAbs(res.Position[1], 0.1, 1e-9))
	assert.True(t, scalar.EqualWithinAbs(res.Position[2], 0.1, 1e-9))
}

func TestAdvectTimeVaryingField(t *testing.T) {
	m := singleTetMesh()
	// Velocity ramps linearly from (0,0,0) to (1,0,0) over the interval;
	// the displacement is the integral of t, i.e. one half.
	start := uniformVelocities(mgl64.Vec3{0, 0, 0}, 4)
	end := uniformVelocities(mgl64.Vec3{1, 0, 0}, 4)

	res := AdvectRK4(m, start, end, 0, 1, 0.1, 1e-9, 0, mgl64.Vec3{0.1, 0.1, 0.1})

	assert.Equal(t, int32(0), res.Cell)
	assert.True(t, scalar.EqualWithinAbs(res.Position[0], 0.6, 1e-6),
		"got x = %v", res.Position[0])
}

func TestAdvectCrossesSharedFace(t *testing.T) {
	m := twoTetMesh()
	vel := uniformVelocities(mgl64.Vec3{0.5, 0, 0}, 5)

	// Starting in the left cell, the particle crosses the shared face at
	// x=1 and finishes the interval in the right cell. At y=z=0.5 the right
	// cell spans x in [1, 1.5], so x=1.4 is still inside it.
	res := AdvectRK4(m, vel, vel, 0, 1, 0.25, 1e-9, 0, mgl64.Vec3{0.9, 0.5, 0.5})

	assert.Equal(t, int32(1), res.Cell)
	assert.True(t, scalar.EqualWithinAbs(res.Position[0], 1.4, 1e-9))
}

// twoTetMesh mirrors the grid package's straddling fixture: two cells
// sharing the face x=1.
func twoTetMesh() *mesh.Mesh {
	return &mesh.Mesh{
		NumCells:  2,
		NumPoints: 5,
		Connectivity: []int32{
			0, 2, 3, 4,
			1, 2, 3, 4,
		},
		Links: []int32{
			1, -1, -1, -1,
			0, -1, -1, -1,
		},
		Positions: []mgl64.Vec3{
			{0, 0, 0}, {2, 0, 0}, {1, 0, 0}, {1, 2, 0}, {1, 0, 2},
		},
	}
}
