package grid

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortexlab/tetracer/mesh"
)

// twoTetMesh builds two tetrahedra sharing the face x=1, straddling the
// block boundary of a unit lattice.
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

func buildTwoTetGrid(t *testing.T) (*mesh.Mesh, *Grid) {
	t.Helper()
	m := twoTetMesh()
	lat := NewLattice(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{2, 2, 2}, 1)
	cand := EnumerateCandidates(m, lat)
	results := hostQueryResults(m, lat, cand, 1e-6)
	g, err := Build(m, lat, cand, results, 16, 4)
	require.NoError(t, err)
	return m, g
}

func TestBuildUnionInvariant(t *testing.T) {
	m, g := buildTwoTetGrid(t)
	lat := g.Lattice

	// The union of global cells over all blocks equals the set of cells
	// passing any intersection query.
	cand := EnumerateCandidates(m, lat)
	results := hostQueryResults(m, lat, cand, 1e-6)
	passing := map[int32]bool{}
	for i, r := range results {
		if r != 0 {
			passing[cand.Tets[i]] = true
		}
	}
	inBlocks := map[int32]bool{}
	for _, rec := range g.Records {
		for _, c := range rec.GlobalCells {
			inBlocks[c] = true
		}
	}
	assert.Equal(t, passing, inBlocks)
}

func TestBuildLocalTopology(t *testing.T) {
	_, g := buildTwoTetGrid(t)

	for _, rec := range g.Records {
		for j := range rec.GlobalCells {
			for k := 0; k < 4; k++ {
				lp := rec.LocalConnectivity[j*4+k]
				require.GreaterOrEqual(t, lp, int32(0))
				require.Less(t, int(lp), len(rec.GlobalPoints))

				ln := rec.LocalLinks[j*4+k]
				if ln == -1 {
					continue
				}
				require.Less(t, int(ln), len(rec.GlobalCells))
			}
		}
	}
}

func TestBuildStraddlingBlocks(t *testing.T) {
	_, g := buildTwoTetGrid(t)
	lat := g.Lattice

	left := g.InterestingBlockMap[lat.BlockOfPoint(mgl64.Vec3{0.5, 0.5, 0.5})]
	right := g.InterestingBlockMap[lat.BlockOfPoint(mgl64.Vec3{1.5, 0.5, 0.5})]
	require.NotEqual(t, int32(-1), left)
	require.NotEqual(t, int32(-1), right)

	contains := func(rec *BlockRecord, cell int32) bool {
		for _, c := range rec.GlobalCells {
			if c == cell {
				return true
			}
		}
		return false
	}
	assert.True(t, contains(g.Records[left], 0))
	assert.True(t, contains(g.Records[right], 1))
}

func TestTetBlockMapRoundTrip(t *testing.T) {
	_, g := buildTwoTetGrid(t)

	// Invert the interesting-block map to recover lattice ids.
	latticeOf := make(map[int32]int32)
	for latticeID, interesting := range g.InterestingBlockMap {
		if interesting != -1 {
			latticeOf[interesting] = int32(latticeID)
		}
	}
	for interesting, rec := range g.Records {
		latticeID := latticeOf[int32(interesting)]
		for j, cell := range rec.GlobalCells {
			assert.Equal(t, int32(j), g.LocalCellID(cell, latticeID),
				"cell %d in lattice block %d", cell, latticeID)
		}
	}
}

func TestFlatLayoutOffsets(t *testing.T) {
	_, g := buildTwoTetGrid(t)

	n := len(g.Records)
	assert.Equal(t, int(g.StartOffsetInCell[n]), len(g.GlobalCellIDs))
	assert.Equal(t, int(g.StartOffsetInPoint[n]), len(g.GlobalPointIDs))
	assert.Equal(t, len(g.GlobalCellIDs)*4, len(g.LocalConnectivities))
	assert.Equal(t, len(g.GlobalCellIDs)*4, len(g.LocalLinks))

	for i, rec := range g.Records {
		assert.Equal(t, int(g.StartOffsetInCell[i+1]-g.StartOffsetInCell[i]), len(rec.GlobalCells))
		assert.Equal(t, int(g.StartOffsetInPoint[i+1]-g.StartOffsetInPoint[i]), len(rec.GlobalPoints))
	}
}

// fanMesh fabricates n cells with fully distinct vertices; Build only reads
// topology and the query results, so positions can stay zero.
func fanMesh(n int) *mesh.Mesh {
	m := &mesh.Mesh{
		NumCells:     n,
		NumPoints:    n * 4,
		Connectivity: make([]int32, n*4),
		Links:        make([]int32, n*4),
		Positions:    make([]mgl64.Vec3, n*4),
	}
	for i := range m.Connectivity {
		m.Connectivity[i] = int32(i)
		m.Links[i] = -1
	}
	return m
}

func oneBlockCandidates(n int) (Candidates, []int32) {
	cand := Candidates{Tets: make([]int32, n), Blocks: make([]int32, n)}
	results := make([]int32, n)
	for i := 0; i < n; i++ {
		cand.Tets[i] = int32(i)
		results[i] = 1
	}
	return cand, results
}

func TestScratchClassificationExactBudget(t *testing.T) {
	// 64 cells with 256 distinct points cost exactly 11 KB in single
	// precision: 64*32 + 256*36 = 11264 bytes.
	m := fanMesh(64)
	lat := Lattice{Min: mgl64.Vec3{0, 0, 0}, Size: 4, Nx: 1, Ny: 1, Nz: 1}
	cand, results := oneBlockCandidates(64)

	g, err := Build(m, lat, cand, results, 11, 4)
	require.NoError(t, err)
	require.Len(t, g.Records, 1)
	assert.Equal(t, 11*1024, g.Records[0].NumBytes(4))
	// A footprint exactly equal to the budget fits.
	assert.True(t, g.Records[0].FitsInScratch)
	assert.Empty(t, g.BigBlocks)
	assert.Equal(t, 64, g.MaxScratchCells)
	assert.Equal(t, 256, g.MaxScratchPoints)
}

func TestScratchClassificationBig(t *testing.T) {
	m := fanMesh(64)
	lat := Lattice{Min: mgl64.Vec3{0, 0, 0}, Size: 4, Nx: 1, Ny: 1, Nz: 1}
	cand, results := oneBlockCandidates(64)

	g, err := Build(m, lat, cand, results, 10, 4)
	require.NoError(t, err)
	require.Len(t, g.BigBlocks, 1)
	assert.False(t, g.Records[0].FitsInScratch)
	assert.Equal(t, int32(0), g.BigIndexOfBlock[0])
	assert.Equal(t, 256, g.TotalBigPoints())
	// No fitting block contributes to the scratch sizing.
	assert.Equal(t, 0, g.MaxScratchCells)
}

func TestBuildNoInterestingBlocks(t *testing.T) {
	m := fanMesh(1)
	lat := Lattice{Min: mgl64.Vec3{0, 0, 0}, Size: 1, Nx: 1, Ny: 1, Nz: 1}
	cand := Candidates{Tets: []int32{0}, Blocks: []int32{0}}
	_, err := Build(m, lat, cand, []int32{0}, 16, 4)
	assert.Error(t, err)
}
