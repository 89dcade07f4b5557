package grid

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/vortexlab/tetracer/mesh"
)

// BlockRecord is one interesting block's local topology. Local point and
// cell ids follow first-occurrence order over GlobalCells; a -1 entry in
// LocalConnectivity or LocalLinks marks a vertex or neighbor outside the
// block.
type BlockRecord struct {
	GlobalCells       []int32
	GlobalPoints      []int32
	LocalConnectivity []int32
	LocalLinks        []int32
	FitsInScratch     bool
}

// NumBytes is the block's on-device footprint: positions, two velocity
// snapshots and the local topology.
func (b *BlockRecord) NumBytes(realSize int) int {
	points := len(b.GlobalPoints)
	cells := len(b.GlobalCells)
	return points*3*realSize*3 + cells*4*4*2
}

// Grid is the complete spatial decomposition: the interesting-block set,
// their local topology, the tet→(block, local id) inverse map, the
// big-block list and the flat device layouts.
type Grid struct {
	Lattice Lattice

	Records             []*BlockRecord
	InterestingBlockMap []int32 // lattice block id -> interesting index, or -1

	// Inverse map: for tet t, entries [StartOffsetsInLocalIDMap[t],
	// StartOffsetsInLocalIDMap[t+1]) of BlocksOfTets/LocalIDsOfTets give
	// the lattice blocks containing t and t's local cell id in each.
	StartOffsetsInLocalIDMap []int32
	BlocksOfTets             []int32
	LocalIDsOfTets           []int32

	BigBlocks       []int32 // interesting indices of blocks that do not fit
	BigIndexOfBlock []int32 // interesting index -> big index, or -1

	// Flat concatenations with per-block start offsets, for device upload.
	StartOffsetInCell        []int32
	StartOffsetInPoint       []int32
	LocalConnectivities      []int32
	LocalLinks               []int32
	GlobalCellIDs            []int32
	GlobalPointIDs           []int32
	StartOffsetInCellForBig  []int32
	StartOffsetInPointForBig []int32

	// Largest fitting block, for scratchpad sizing at kernel compile time.
	MaxScratchCells  int
	MaxScratchPoints int
}

// Build filters the query results into interesting blocks, constructs each
// block's local topology by renumbering global ids (first occurrence wins),
// classifies blocks against the scratchpad budget, and assembles the flat
// device layouts.
func Build(m *mesh.Mesh, lat Lattice, cand Candidates, results []int32, scratchKB, realSize int) (*Grid, error) {
	if len(results) != len(cand.Tets) {
		return nil, fmt.Errorf("query results length %d does not match %d candidates", len(results), len(cand.Tets))
	}

	g := &Grid{
		Lattice:             lat,
		InterestingBlockMap: make([]int32, lat.NumBlocks()),
	}
	for i := range g.InterestingBlockMap {
		g.InterestingBlockMap[i] = -1
	}

	numInteresting := 0
	for i, r := range results {
		if r == 0 {
			continue
		}
		if g.InterestingBlockMap[cand.Blocks[i]] == -1 {
			g.InterestingBlockMap[cand.Blocks[i]] = int32(numInteresting)
			numInteresting++
		}
	}
	if numInteresting == 0 {
		return nil, fmt.Errorf("no interesting blocks: no tetrahedron intersects the lattice")
	}

	// Count per-block cells and per-tet blocks, then fill both directions
	// of the map in one pass over the positive queries.
	cellsPerBlock := make([]int32, numInteresting)
	blocksPerTet := make([]int32, m.NumCells)
	for i, r := range results {
		if r == 0 {
			continue
		}
		cellsPerBlock[g.InterestingBlockMap[cand.Blocks[i]]]++
		blocksPerTet[cand.Tets[i]]++
	}

	g.StartOffsetsInLocalIDMap = make([]int32, m.NumCells+1)
	for i := 0; i < m.NumCells; i++ {
		g.StartOffsetsInLocalIDMap[i+1] = g.StartOffsetsInLocalIDMap[i] + blocksPerTet[i]
	}
	hashSize := int(g.StartOffsetsInLocalIDMap[m.NumCells])
	g.BlocksOfTets = make([]int32, hashSize)
	g.LocalIDsOfTets = make([]int32, hashSize)

	cellsInBlock := make([][]int32, numInteresting)
	for i := range cellsInBlock {
		cellsInBlock[i] = make([]int32, 0, cellsPerBlock[i])
	}
	topOfCells := make([]int32, m.NumCells)
	for i, r := range results {
		if r == 0 {
			continue
		}
		tet := cand.Tets[i]
		interesting := g.InterestingBlockMap[cand.Blocks[i]]
		pos := g.StartOffsetsInLocalIDMap[tet] + topOfCells[tet]
		g.BlocksOfTets[pos] = cand.Blocks[i]
		g.LocalIDsOfTets[pos] = int32(len(cellsInBlock[interesting]))
		topOfCells[tet]++
		cellsInBlock[interesting] = append(cellsInBlock[interesting], tet)
	}

	// Renumber each block with generation marks so the scratch arrays are
	// never cleared between blocks.
	cellMarks := make([]int, m.NumCells)
	pointMarks := make([]int, m.NumPoints)
	localCellIDs := make([]int32, m.NumCells)
	localPointIDs := make([]int32, m.NumPoints)
	markCount := 0

	budget := scratchKB * 1024
	g.Records = make([]*BlockRecord, numInteresting)
	g.BigIndexOfBlock = make([]int32, numInteresting)

	for b := 0; b < numInteresting; b++ {
		markCount++
		rec := &BlockRecord{GlobalCells: cellsInBlock[b]}

		for j, cell := range rec.GlobalCells {
			cellMarks[cell] = markCount
			localCellIDs[cell] = int32(j)
			for k := 0; k < 4; k++ {
				point := m.Connectivity[cell*4+int32(k)]
				if pointMarks[point] == markCount {
					continue
				}
				pointMarks[point] = markCount
				localPointIDs[point] = int32(len(rec.GlobalPoints))
				rec.GlobalPoints = append(rec.GlobalPoints, point)
			}
		}

		rec.FitsInScratch = rec.NumBytes(realSize) <= budget

		rec.LocalConnectivity = make([]int32, len(rec.GlobalCells)*4)
		rec.LocalLinks = make([]int32, len(rec.GlobalCells)*4)
		for j, cell := range rec.GlobalCells {
			for k := 0; k < 4; k++ {
				point := m.Connectivity[cell*4+int32(k)]
				if pointMarks[point] == markCount {
					rec.LocalConnectivity[j*4+k] = localPointIDs[point]
				} else {
					rec.LocalConnectivity[j*4+k] = -1
				}
				neighbor := m.Links[cell*4+int32(k)]
				if neighbor != -1 && cellMarks[neighbor] == markCount {
					rec.LocalLinks[j*4+k] = localCellIDs[neighbor]
				} else {
					rec.LocalLinks[j*4+k] = -1
				}
			}
		}

		g.Records[b] = rec
		if rec.FitsInScratch {
			g.BigIndexOfBlock[b] = -1
			if len(rec.GlobalCells) > g.MaxScratchCells {
				g.MaxScratchCells = len(rec.GlobalCells)
			}
			if len(rec.GlobalPoints) > g.MaxScratchPoints {
				g.MaxScratchPoints = len(rec.GlobalPoints)
			}
		} else {
			g.BigIndexOfBlock[b] = int32(len(g.BigBlocks))
			g.BigBlocks = append(g.BigBlocks, int32(b))
		}
	}

	g.buildFlatLayouts()
	g.logCensus()
	return g, nil
}

func (g *Grid) buildFlatLayouts() {
	n := len(g.Records)
	g.StartOffsetInCell = make([]int32, n+1)
	g.StartOffsetInPoint = make([]int32, n+1)
	for i, rec := range g.Records {
		g.StartOffsetInCell[i+1] = g.StartOffsetInCell[i] + int32(len(rec.GlobalCells))
		g.StartOffsetInPoint[i+1] = g.StartOffsetInPoint[i] + int32(len(rec.GlobalPoints))
	}
	totalCells := int(g.StartOffsetInCell[n])
	totalPoints := int(g.StartOffsetInPoint[n])
	g.LocalConnectivities = make([]int32, 0, totalCells*4)
	g.LocalLinks = make([]int32, 0, totalCells*4)
	g.GlobalCellIDs = make([]int32, 0, totalCells)
	g.GlobalPointIDs = make([]int32, 0, totalPoints)
	for _, rec := range g.Records {
		g.LocalConnectivities = append(g.LocalConnectivities, rec.LocalConnectivity...)
		g.LocalLinks = append(g.LocalLinks, rec.LocalLinks...)
		g.GlobalCellIDs = append(g.GlobalCellIDs, rec.GlobalCells...)
		g.GlobalPointIDs = append(g.GlobalPointIDs, rec.GlobalPoints...)
	}

	g.StartOffsetInCellForBig = make([]int32, len(g.BigBlocks)+1)
	g.StartOffsetInPointForBig = make([]int32, len(g.BigBlocks)+1)
	for i, b := range g.BigBlocks {
		rec := g.Records[b]
		g.StartOffsetInCellForBig[i+1] = g.StartOffsetInCellForBig[i] + int32(len(rec.GlobalCells))
		g.StartOffsetInPointForBig[i+1] = g.StartOffsetInPointForBig[i] + int32(len(rec.GlobalPoints))
	}
}

// NumInteresting returns the interesting-block count.
func (g *Grid) NumInteresting() int { return len(g.Records) }

// TotalBigPoints returns the point-slot count of the big-only layout.
func (g *Grid) TotalBigPoints() int {
	return int(g.StartOffsetInPointForBig[len(g.BigBlocks)])
}

// LocalCellID translates a global cell into its local id within a lattice
// block, or -1 when the cell does not intersect that block.
func (g *Grid) LocalCellID(tet int32, latticeBlock int32) int32 {
	for j := g.StartOffsetsInLocalIDMap[tet]; j < g.StartOffsetsInLocalIDMap[tet+1]; j++ {
		if g.BlocksOfTets[j] == latticeBlock {
			return g.LocalIDsOfTets[j]
		}
	}
	return -1
}

func (g *Grid) logCensus() {
	sizes := make([]float64, len(g.Records))
	under100, under200 := 0, 0
	for i, rec := range g.Records {
		sizes[i] = float64(len(rec.GlobalCells))
		if len(rec.GlobalCells) < 100 {
			under100++
		}
		if len(rec.GlobalCells) < 200 {
			under200++
		}
	}
	logrus.Infof("division: %d blocks, %d interesting, %d big", g.Lattice.NumBlocks(), len(g.Records), len(g.BigBlocks))
	logrus.Infof("division: cells per block min %.0f max %.0f mean %.1f, %d under 100, %d under 200",
		floats.Min(sizes), floats.Max(sizes), stat.Mean(sizes, nil), under100, under200)
}
