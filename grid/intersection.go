// Package grid decomposes the mesh into axis-aligned cubic blocks and
// builds the per-block local topology the tracing kernel consumes.
package grid

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/vortexlab/tetracer/device"
	"github.com/vortexlab/tetracer/kernels"
	"github.com/vortexlab/tetracer/mesh"
)

// Lattice is the block grid covering the global bounding box.
type Lattice struct {
	Min  mgl64.Vec3
	Size float64
	Nx   int
	Ny   int
	Nz   int
}

// NewLattice covers [min, max] with cubes of side s.
func NewLattice(min, max mgl64.Vec3, s float64) Lattice {
	return Lattice{
		Min:  min,
		Size: s,
		Nx:   int((max[0]-min[0])/s) + 1,
		Ny:   int((max[1]-min[1])/s) + 1,
		Nz:   int((max[2]-min[2])/s) + 1,
	}
}

// NumBlocks returns the total lattice cell count.
func (l Lattice) NumBlocks() int { return l.Nx * l.Ny * l.Nz }

// BlockID flattens lattice coordinates.
func (l Lattice) BlockID(x, y, z int) int {
	return (x*l.Ny+y)*l.Nz + z
}

// BlockCoords inverts BlockID.
func (l Lattice) BlockCoords(id int) (x, y, z int) {
	z = id % l.Nz
	rest := id / l.Nz
	y = rest % l.Ny
	x = rest / l.Ny
	return x, y, z
}

// BlockOfPoint returns the lattice cell containing a position, or -1 when
// the position lies outside the lattice.
func (l Lattice) BlockOfPoint(p mgl64.Vec3) int {
	x := int(math.Floor((p[0] - l.Min[0]) / l.Size))
	y := int(math.Floor((p[1] - l.Min[1]) / l.Size))
	z := int(math.Floor((p[2] - l.Min[2]) / l.Size))
	if x < 0 || x >= l.Nx || y < 0 || y >= l.Ny || z < 0 || z >= l.Nz {
		return -1
	}
	return l.BlockID(x, y, z)
}

// BlockBounds returns the axis-aligned bounds of a lattice cell.
func (l Lattice) BlockBounds(id int) (lo, hi mgl64.Vec3) {
	x, y, z := l.BlockCoords(id)
	lo = mgl64.Vec3{
		l.Min[0] + float64(x)*l.Size,
		l.Min[1] + float64(y)*l.Size,
		l.Min[2] + float64(z)*l.Size,
	}
	hi = mgl64.Vec3{lo[0] + l.Size, lo[1] + l.Size, lo[2] + l.Size}
	return lo, hi
}

// Candidates is the flat (tet, block) query list for the intersection
// kernel: the Cartesian product of each cell with the lattice cells its
// bounding box touches.
type Candidates struct {
	Tets   []int32
	Blocks []int32
}

// EnumerateCandidates walks every cell's bounding box over the lattice.
func EnumerateCandidates(m *mesh.Mesh, lat Lattice) Candidates {
	var c Candidates
	for i := 0; i < m.NumCells; i++ {
		lo, hi := mesh.TetBoundingBox(m.Tetrahedron(i))
		x0 := int((lo[0] - lat.Min[0]) / lat.Size)
		x1 := int((hi[0] - lat.Min[0]) / lat.Size)
		y0 := int((lo[1] - lat.Min[1]) / lat.Size)
		y1 := int((hi[1] - lat.Min[1]) / lat.Size)
		z0 := int((lo[2] - lat.Min[2]) / lat.Size)
		z1 := int((hi[2] - lat.Min[2]) / lat.Size)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				for z := z0; z <= z1; z++ {
					c.Tets = append(c.Tets, int32(i))
					c.Blocks = append(c.Blocks, int32(lat.BlockID(x, y, z)))
				}
			}
		}
	}
	return c
}

// RunQueries evaluates every candidate pair on the device and returns the
// 0/1 results array. positions and connectivity are the already-uploaded
// mesh buffers.
func RunQueries(dev *device.Device, positions, connectivity *device.Buffer,
	cand Candidates, lat Lattice, epsilon float64) ([]int32, error) {
	n := len(cand.Tets)
	if n == 0 {
		return nil, fmt.Errorf("no tet/block intersection candidates: empty mesh or degenerate lattice")
	}

	kernel, err := dev.Compile("tet block intersection", kernels.TetBlockIntersectionWGSL,
		dev.MaxWorkGroupSize(), nil)
	if err != nil {
		return nil, err
	}

	queryTets, err := dev.NewIntBuffer("queryTetrahedron", n)
	if err != nil {
		return nil, err
	}
	defer queryTets.Release()
	queryBlocks, err := dev.NewIntBuffer("queryBlock", n)
	if err != nil {
		return nil, err
	}
	defer queryBlocks.Release()
	results, err := dev.NewIntBuffer("queryResults", n)
	if err != nil {
		return nil, err
	}
	defer results.Release()

	if err := dev.WriteInts(queryTets, 0, cand.Tets); err != nil {
		return nil, err
	}
	if err := dev.WriteInts(queryBlocks, 0, cand.Blocks); err != nil {
		return nil, err
	}

	params := append(
		device.PackInts(int32(n), int32(lat.Ny), int32(lat.Nz), 0),
		dev.EncodeReals([]float64{lat.Min[0], lat.Min[1], lat.Min[2], lat.Size, epsilon})...)
	bufs := []*device.Buffer{positions, connectivity, queryTets, queryBlocks, results}
	if err := dev.DispatchCovering(kernel, n, bufs, params); err != nil {
		return nil, err
	}
	return dev.ReadInts(results, 0, n)
}

// Intersects is the host reference of the device intersection test: a
// separating-axis check between a tetrahedron and a cube widened by eps.
func Intersects(t [4]mgl64.Vec3, lo, hi mgl64.Vec3, eps float64) bool {
	tlo, thi := mesh.TetBoundingBox(t)
	for i := 0; i < 3; i++ {
		if thi[i] < lo[i]-eps || tlo[i] > hi[i]+eps {
			return false
		}
	}

	corners := boxCorners(lo, hi)
	faces := [4][3]int{{1, 2, 3}, {0, 3, 2}, {0, 1, 3}, {0, 2, 1}}
	for _, f := range faces {
		a := t[f[0]]
		n := t[f[1]].Sub(a).Cross(t[f[2]].Sub(a))
		if separated(n, t, corners, a, eps) {
			return false
		}
	}

	edges := [6][2]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}
	axes := [3]mgl64.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for _, e := range edges {
		dir := t[e[1]].Sub(t[e[0]])
		for _, ax := range axes {
			axis := dir.Cross(ax)
			if axis.Dot(axis) == 0 {
				continue
			}
			if separated(axis, t, corners, mgl64.Vec3{}, eps) {
				return false
			}
		}
	}
	return true
}

func boxCorners(lo, hi mgl64.Vec3) [8]mgl64.Vec3 {
	return [8]mgl64.Vec3{
		{lo[0], lo[1], lo[2]}, {hi[0], lo[1], lo[2]},
		{lo[0], hi[1], lo[2]}, {hi[0], hi[1], lo[2]},
		{lo[0], lo[1], hi[2]}, {hi[0], lo[1], hi[2]},
		{lo[0], hi[1], hi[2]}, {hi[0], hi[1], hi[2]},
	}
}

func separated(axis mgl64.Vec3, t [4]mgl64.Vec3, corners [8]mgl64.Vec3, origin mgl64.Vec3, eps float64) bool {
	tlo := axis.Dot(t[0].Sub(origin))
	thi := tlo
	for _, v := range t[1:] {
		d := axis.Dot(v.Sub(origin))
		if d < tlo {
			tlo = d
		}
		if d > thi {
			thi = d
		}
	}
	blo := axis.Dot(corners[0].Sub(origin))
	bhi := blo
	for _, c := range corners[1:] {
		d := axis.Dot(c.Sub(origin))
		if d < blo {
			blo = d
		}
		if d > bhi {
			bhi = d
		}
	}
	pad := eps * axis.Len()
	return bhi < tlo-pad || blo > thi+pad
}

// VerifyQueries cross-checks device results against the host reference.
// Used when the unit-test mode is enabled; a mismatch aborts the run.
func VerifyQueries(m *mesh.Mesh, lat Lattice, cand Candidates, results []int32, eps float64) error {
	for i := range cand.Tets {
		lo, hi := lat.BlockBounds(int(cand.Blocks[i]))
		want := Intersects(m.Tetrahedron(int(cand.Tets[i])), lo, hi, eps)
		got := results[i] != 0
		if want != got {
			return fmt.Errorf("intersection mismatch for tet %d, block %d: device %v, host %v",
				cand.Tets[i], cand.Blocks[i], got, want)
		}
	}
	return nil
}
