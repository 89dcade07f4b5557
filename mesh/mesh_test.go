package mesh

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFrame writes a single-tet frame file with a uniform velocity.
func writeFrame(t *testing.T, dir, index string, velocity mgl64.Vec3) {
	t.Helper()
	body := "1 4\n" +
		"0 1 2 3 -1 -1 -1 -1\n"
	vertices := []mgl64.Vec3{{0, 0, 0}, {2, 0, 0}, {0, 2, 0}, {0, 0, 2}}
	for _, v := range vertices {
		body += fmt.Sprintf("%g %g %g %g %g %g\n", v[0], v[1], v[2], velocity[0], velocity[1], velocity[2])
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow_"+index+".txt"), []byte(body), 0o644))
}

func testSource(t *testing.T) *FileSource {
	dir := t.TempDir()
	writeFrame(t, dir, "000", mgl64.Vec3{1, 0, 0})
	writeFrame(t, dir, "001", mgl64.Vec3{2, 0, 0})
	return &FileSource{
		Prefix:  filepath.Join(dir, "flow_"),
		Suffix:  ".txt",
		Indices: []string{"000", "001"},
		Times:   []float64{0, 1},
	}
}

func TestFileSourceLoadMesh(t *testing.T) {
	m, err := testSource(t).LoadMesh()
	require.NoError(t, err)

	assert.Equal(t, 1, m.NumCells)
	assert.Equal(t, 4, m.NumPoints)
	assert.Equal(t, []int32{0, 1, 2, 3}, m.Connectivity)
	assert.Equal(t, []int32{-1, -1, -1, -1}, m.Links)
	assert.Equal(t, mgl64.Vec3{2, 0, 0}, m.Positions[1])

	lo, hi := m.BoundingBox()
	assert.Equal(t, mgl64.Vec3{0, 0, 0}, lo)
	assert.Equal(t, mgl64.Vec3{2, 2, 2}, hi)
}

func TestFileSourceLoadVelocities(t *testing.T) {
	s := testSource(t)
	v0, err := s.LoadVelocities(0)
	require.NoError(t, err)
	v1, err := s.LoadVelocities(1)
	require.NoError(t, err)

	require.Len(t, v0, 4)
	assert.Equal(t, mgl64.Vec3{1, 0, 0}, v0[0])
	assert.Equal(t, mgl64.Vec3{2, 0, 0}, v1[3])

	_, err = s.LoadVelocities(2)
	assert.Error(t, err)
}

func TestFileSourceMissingFile(t *testing.T) {
	s := &FileSource{Prefix: filepath.Join(t.TempDir(), "absent_"), Suffix: ".txt", Indices: []string{"000"}}
	_, err := s.LoadMesh()
	assert.Error(t, err)
}

func TestFlatPositions(t *testing.T) {
	m := &Mesh{Positions: []mgl64.Vec3{{1, 2, 3}, {4, 5, 6}}}
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, m.FlatPositions())
	assert.Equal(t, []float64{1, 2, 3}, FlatVelocities([]mgl64.Vec3{{1, 2, 3}}))
}

func TestTetrahedron(t *testing.T) {
	m := &Mesh{
		NumCells:     1,
		NumPoints:    4,
		Connectivity: []int32{3, 2, 1, 0},
		Positions:    []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
	tet := m.Tetrahedron(0)
	assert.Equal(t, mgl64.Vec3{0, 0, 1}, tet[0])
	assert.Equal(t, mgl64.Vec3{0, 0, 0}, tet[3])
}
