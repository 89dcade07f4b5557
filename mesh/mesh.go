// Package mesh holds the shared tetrahedral topology and the per-frame
// velocity data consumed by the tracer.
package mesh

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/go-gl/mathgl/mgl64"
)

// Mesh is the global unstructured grid: four vertex indices and four
// face-adjacent neighbor cell indices per tetrahedron. A -1 link marks a
// boundary face. Immutable after load and shared across frames.
type Mesh struct {
	NumCells  int
	NumPoints int

	// Connectivity and Links are flat, four entries per cell.
	Connectivity []int32
	Links        []int32

	Positions []mgl64.Vec3
}

// Frame pairs a time value with one velocity vector per vertex.
type Frame struct {
	Time       float64
	Velocities []mgl64.Vec3
}

// FrameSource yields the shared topology and per-frame velocities.
// Topology and vertex positions are read once, from frame 0.
type FrameSource interface {
	LoadMesh() (*Mesh, error)
	LoadVelocities(frame int) ([]mgl64.Vec3, error)
}

// Tetrahedron returns the four vertex positions of cell c.
func (m *Mesh) Tetrahedron(c int) [4]mgl64.Vec3 {
	var t [4]mgl64.Vec3
	for k := 0; k < 4; k++ {
		t[k] = m.Positions[m.Connectivity[c*4+k]]
	}
	return t
}

// BoundingBox returns the global axis-aligned bounding box of the mesh.
func (m *Mesh) BoundingBox() (min, max mgl64.Vec3) {
	if len(m.Positions) == 0 {
		return min, max
	}
	min, max = m.Positions[0], m.Positions[0]
	for _, p := range m.Positions[1:] {
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

// FlatPositions returns positions as a flat x,y,z array for device upload.
func (m *Mesh) FlatPositions() []float64 {
	out := make([]float64, 0, len(m.Positions)*3)
	for _, p := range m.Positions {
		out = append(out, p[0], p[1], p[2])
	}
	return out
}

// FlatVelocities flattens a velocity array for device upload.
func FlatVelocities(v []mgl64.Vec3) []float64 {
	out := make([]float64, 0, len(v)*3)
	for _, p := range v {
		out = append(out, p[0], p[1], p[2])
	}
	return out
}

// FileSource reads frames from ASCII files named prefix+index+suffix.
//
// File layout, whitespace separated:
//
//	numCells numPoints
//	numCells rows of: c0 c1 c2 c3 l0 l1 l2 l3
//	numPoints rows of: x y z vx vy vz
type FileSource struct {
	Prefix  string
	Suffix  string
	Indices []string
	Times   []float64
}

type tokenReader struct {
	sc   *bufio.Scanner
	path string
}

func newTokenReader(f *os.File) *tokenReader {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	sc.Split(bufio.ScanWords)
	return &tokenReader{sc: sc, path: f.Name()}
}

func (r *tokenReader) nextInt() (int, error) {
	if !r.sc.Scan() {
		return 0, fmt.Errorf("unexpected end of %s", r.path)
	}
	v, err := strconv.Atoi(r.sc.Text())
	if err != nil {
		return 0, fmt.Errorf("%s: bad int %q", r.path, r.sc.Text())
	}
	return v, nil
}

func (r *tokenReader) nextFloat() (float64, error) {
	if !r.sc.Scan() {
		return 0, fmt.Errorf("unexpected end of %s", r.path)
	}
	v, err := strconv.ParseFloat(r.sc.Text(), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad float %q", r.path, r.sc.Text())
	}
	return v, nil
}

// LoadMesh reads topology and positions from frame 0.
func (s *FileSource) LoadMesh() (*Mesh, error) {
	f, err := os.Open(s.frameFile(0))
	if err != nil {
		return nil, fmt.Errorf("opening frame 0: %w", err)
	}
	defer f.Close()
	r := newTokenReader(f)

	numCells, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	numPoints, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	if numCells <= 0 || numPoints < 4 {
		return nil, fmt.Errorf("%s: implausible mesh sizes %d cells, %d points", f.Name(), numCells, numPoints)
	}

	m := &Mesh{
		NumCells:     numCells,
		NumPoints:    numPoints,
		Connectivity: make([]int32, numCells*4),
		Links:        make([]int32, numCells*4),
		Positions:    make([]mgl64.Vec3, numPoints),
	}
	for i := 0; i < numCells; i++ {
		for k := 0; k < 4; k++ {
			v, err := r.nextInt()
			if err != nil {
				return nil, err
			}
			if v < 0 || v >= numPoints {
				return nil, fmt.Errorf("%s: cell %d references vertex %d out of range", f.Name(), i, v)
			}
			m.Connectivity[i*4+k] = int32(v)
		}
		for k := 0; k < 4; k++ {
			v, err := r.nextInt()
			if err != nil {
				return nil, err
			}
			if v < -1 || v >= numCells {
				return nil, fmt.Errorf("%s: cell %d links to cell %d out of range", f.Name(), i, v)
			}
			m.Links[i*4+k] = int32(v)
		}
	}
	for i := 0; i < numPoints; i++ {
		for k := 0; k < 3; k++ {
			v, err := r.nextFloat()
			if err != nil {
				return nil, err
			}
			m.Positions[i][k] = v
		}
		// Skip the velocity triple; LoadVelocities re-reads it.
		for k := 0; k < 3; k++ {
			if _, err := r.nextFloat(); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// LoadVelocities reads the velocity array of one frame.
func (s *FileSource) LoadVelocities(frame int) ([]mgl64.Vec3, error) {
	if frame < 0 || frame >= len(s.Indices) {
		return nil, fmt.Errorf("frame index %d out of range", frame)
	}
	f, err := os.Open(s.frameFile(frame))
	if err != nil {
		return nil, fmt.Errorf("opening frame %d: %w", frame, err)
	}
	defer f.Close()
	r := newTokenReader(f)

	numCells, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	numPoints, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	// Skip topology.
	for i := 0; i < numCells*8; i++ {
		if _, err := r.nextInt(); err != nil {
			return nil, err
		}
	}
	velocities := make([]mgl64.Vec3, numPoints)
	for i := 0; i < numPoints; i++ {
		for k := 0; k < 3; k++ {
			if _, err := r.nextFloat(); err != nil {
				return nil, err
			}
		}
		for k := 0; k < 3; k++ {
			v, err := r.nextFloat()
			if err != nil {
				return nil, err
			}
			velocities[i][k] = v
		}
	}
	return velocities, nil
}

func (s *FileSource) frameFile(i int) string {
	return s.Prefix + s.Indices[i] + s.Suffix
}
