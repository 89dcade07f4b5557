package trace

import (
	"fmt"
	"os"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"

	"github.com/vortexlab/tetracer/config"
	"github.com/vortexlab/tetracer/device"
	"github.com/vortexlab/tetracer/kernels"
	"github.com/vortexlab/tetracer/mesh"
)

// LocateSeeds finds the containing cell of every seed lattice point on the
// device. Points outside the mesh stay at -1. For a point on a shared face
// the last kernel thread to write wins; either adjacent cell yields the
// same trajectory.
func LocateSeeds(dev *device.Device, positions, connectivity *device.Buffer,
	m *mesh.Mesh, seeds *config.SeedsConfig, epsilon float64) ([]int32, error) {

	n := seeds.NumGridPoints()
	kernel, err := dev.Compile("initial cell location", kernels.InitialCellLocationWGSL,
		dev.MaxWorkGroupSize(), nil)
	if err != nil {
		return nil, err
	}

	locations, err := dev.NewIntBuffer("cellLocations", n)
	if err != nil {
		return nil, err
	}
	defer locations.Release()

	initial := make([]int32, n)
	for i := range initial {
		initial[i] = -1
	}
	if err := dev.WriteInts(locations, 0, initial); err != nil {
		return nil, err
	}

	dx := (seeds.BoundingBoxMaxX - seeds.BoundingBoxMinX) / float64(seeds.BoundingBoxXRes)
	dy := (seeds.BoundingBoxMaxY - seeds.BoundingBoxMinY) / float64(seeds.BoundingBoxYRes)
	dz := (seeds.BoundingBoxMaxZ - seeds.BoundingBoxMinZ) / float64(seeds.BoundingBoxZRes)

	params := append(
		device.PackInts(int32(seeds.BoundingBoxXRes), int32(seeds.BoundingBoxYRes),
			int32(seeds.BoundingBoxZRes), int32(m.NumCells)),
		dev.EncodeReals([]float64{
			seeds.BoundingBoxMinX, seeds.BoundingBoxMinY, seeds.BoundingBoxMinZ,
			dx, dy, dz, epsilon, 0,
		})...)
	bufs := []*device.Buffer{positions, connectivity, locations}
	if err := dev.DispatchCovering(kernel, m.NumCells, bufs, params); err != nil {
		return nil, err
	}
	return dev.ReadInts(locations, 0, n)
}

// HostLocateSeeds is the host reference of the location kernel.
func HostLocateSeeds(m *mesh.Mesh, seeds *config.SeedsConfig, epsilon float64) []int32 {
	n := seeds.NumGridPoints()
	locations := make([]int32, n)
	for i := range locations {
		locations[i] = -1
	}
	dx := (seeds.BoundingBoxMaxX - seeds.BoundingBoxMinX) / float64(seeds.BoundingBoxXRes)
	dy := (seeds.BoundingBoxMaxY - seeds.BoundingBoxMinY) / float64(seeds.BoundingBoxYRes)
	dz := (seeds.BoundingBoxMaxZ - seeds.BoundingBoxMinZ) / float64(seeds.BoundingBoxZRes)
	for i := 0; i < n; i++ {
		p := seedPosition(seeds, i, dx, dy, dz)
		for c := 0; c < m.NumCells; c++ {
			if mesh.Contains(m.Tetrahedron(c), p, epsilon) {
				locations[i] = int32(c)
				break
			}
		}
	}
	return locations
}

// VerifySeedLocations cross-checks device locations against the host
// reference. A device hit must contain the point; a device miss must have
// no containing cell at all.
func VerifySeedLocations(m *mesh.Mesh, seeds *config.SeedsConfig, locations []int32, epsilon float64) error {
	reference := HostLocateSeeds(m, seeds, epsilon)
	dx := (seeds.BoundingBoxMaxX - seeds.BoundingBoxMinX) / float64(seeds.BoundingBoxXRes)
	dy := (seeds.BoundingBoxMaxY - seeds.BoundingBoxMinY) / float64(seeds.BoundingBoxYRes)
	dz := (seeds.BoundingBoxMaxZ - seeds.BoundingBoxMinZ) / float64(seeds.BoundingBoxZRes)
	for i, loc := range locations {
		if loc == -1 {
			if reference[i] != -1 {
				return fmt.Errorf("seed location mismatch at grid point %d: device found nothing, host found cell %d", i, reference[i])
			}
			continue
		}
		p := seedPosition(seeds, i, dx, dy, dz)
		if !mesh.Contains(m.Tetrahedron(int(loc)), p, epsilon) {
			return fmt.Errorf("seed location mismatch at grid point %d: cell %d does not contain it", i, loc)
		}
	}
	return nil
}

func seedPosition(seeds *config.SeedsConfig, gridPointID int, dx, dy, dz float64) mgl64.Vec3 {
	x, y, z := seeds.GridCoords(gridPointID)
	return mgl64.Vec3{
		seeds.BoundingBoxMinX + float64(x)*dx,
		seeds.BoundingBoxMinY + float64(y)*dy,
		seeds.BoundingBoxMinZ + float64(z)*dz,
	}
}

// ActiveSeeds turns located lattice points into seeds, dropping points
// outside the mesh.
func ActiveSeeds(seeds *config.SeedsConfig, locations []int32) []Seed {
	dx := (seeds.BoundingBoxMaxX - seeds.BoundingBoxMinX) / float64(seeds.BoundingBoxXRes)
	dy := (seeds.BoundingBoxMaxY - seeds.BoundingBoxMinY) / float64(seeds.BoundingBoxYRes)
	dz := (seeds.BoundingBoxMaxZ - seeds.BoundingBoxMinZ) / float64(seeds.BoundingBoxZRes)
	var out []Seed
	for i, loc := range locations {
		if loc == -1 {
			continue
		}
		out = append(out, Seed{
			GridPointID: int32(i),
			Position:    seedPosition(seeds, i, dx, dy, dz),
			Cell:        loc,
		})
	}
	return out
}

// seedDumpRecord is one row of the seed-location debug dump.
type seedDumpRecord struct {
	GridPointID int     `csv:"grid_point_id"`
	X           float64 `csv:"x"`
	Y           float64 `csv:"y"`
	Z           float64 `csv:"z"`
	Cell        int     `csv:"cell"`
}

// WriteSeedDump writes the located seeds as CSV for debugging.
func WriteSeedDump(path string, seeds *config.SeedsConfig, locations []int32) error {
	dx := (seeds.BoundingBoxMaxX - seeds.BoundingBoxMinX) / float64(seeds.BoundingBoxXRes)
	dy := (seeds.BoundingBoxMaxY - seeds.BoundingBoxMinY) / float64(seeds.BoundingBoxYRes)
	dz := (seeds.BoundingBoxMaxZ - seeds.BoundingBoxMinZ) / float64(seeds.BoundingBoxZRes)
	var records []seedDumpRecord
	for i, loc := range locations {
		if loc == -1 {
			continue
		}
		p := seedPosition(seeds, i, dx, dy, dz)
		records = append(records, seedDumpRecord{
			GridPointID: i, X: p[0], Y: p[1], Z: p[2], Cell: int(loc),
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating seed dump %s: %w", path, err)
	}
	defer f.Close()
	if err := gocsv.Marshal(records, f); err != nil {
		return fmt.Errorf("writing seed dump %s: %w", path, err)
	}
	logrus.Infof("seed location: %d of %d lattice points inside the mesh", len(records), len(locations))
	return nil
}
