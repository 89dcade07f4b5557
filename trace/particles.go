package trace

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/vortexlab/tetracer/device"
)

// Seed is one located lattice point about to become a particle.
type Seed struct {
	GridPointID int32
	Position    mgl64.Vec3
	Cell        int32
}

// ParticleStore holds the per-particle device state. The slot count is
// fixed at seeding; the kernels mutate the arrays in place for the rest of
// the run. Two active-particle index arrays are kept and flipped per
// micro-iteration.
type ParticleStore struct {
	NumParticles int
	GridPointIDs []int32 // host side, drives output ordering

	Stages           *device.Buffer
	PastTimes        *device.Buffer
	LastPositions    *device.Buffer
	K1               *device.Buffer
	K2               *device.Buffer
	K3               *device.Buffer
	PlacesOfInterest *device.Buffer
	ExitCells        *device.Buffer

	ActiveParticles [2]*device.Buffer
	CurrActiveArray int

	// Transient scheduling fields, rewritten each redistribution.
	ActiveBlockOfParticles *device.Buffer
	LocalTetIDs            *device.Buffer
	ParticleOrders         *device.Buffer
	BlockLocations         *device.Buffer
}

// NewParticleStore allocates and initializes one slot per active seed:
// stage 0, zero past time, last position and place of interest at the seed
// coordinates, exit cell at the seed's containing cell.
func NewParticleStore(dev *device.Device, seeds []Seed) (*ParticleStore, error) {
	n := len(seeds)
	if n == 0 {
		return nil, fmt.Errorf("zero active seeds: the seed lattice does not touch the mesh")
	}

	s := &ParticleStore{NumParticles: n, GridPointIDs: make([]int32, n)}

	var err error
	alloc := func(dst **device.Buffer, name string, reals bool, count int) {
		if err != nil {
			return
		}
		if reals {
			*dst, err = dev.NewRealBuffer(name, count)
		} else {
			*dst, err = dev.NewIntBuffer(name, count)
		}
	}
	alloc(&s.Stages, "stages", false, n)
	alloc(&s.PastTimes, "pastTimes", true, n)
	alloc(&s.LastPositions, "lastPositionForRK4", true, n*3)
	alloc(&s.K1, "k1ForRK4", true, n*3)
	alloc(&s.K2, "k2ForRK4", true, n*3)
	alloc(&s.K3, "k3ForRK4", true, n*3)
	alloc(&s.PlacesOfInterest, "placesOfInterest", true, n*3)
	alloc(&s.ExitCells, "exitCells", false, n)
	alloc(&s.ActiveParticles[0], "activeParticles[0]", false, n)
	alloc(&s.ActiveParticles[1], "activeParticles[1]", false, n)
	alloc(&s.ActiveBlockOfParticles, "activeBlockOfParticles", false, n)
	alloc(&s.LocalTetIDs, "localTetIDs", false, n)
	alloc(&s.ParticleOrders, "particleOrders", false, n)
	alloc(&s.BlockLocations, "blockLocations", false, n)
	if err != nil {
		return nil, err
	}

	stages := make([]int32, n)
	pastTimes := make([]float64, n)
	positions := make([]float64, n*3)
	exitCells := make([]int32, n)
	for i, seed := range seeds {
		s.GridPointIDs[i] = seed.GridPointID
		positions[i*3] = seed.Position[0]
		positions[i*3+1] = seed.Position[1]
		positions[i*3+2] = seed.Position[2]
		exitCells[i] = seed.Cell
	}

	if err := dev.WriteInts(s.Stages, 0, stages); err != nil {
		return nil, err
	}
	if err := dev.WriteReals(s.PastTimes, 0, pastTimes); err != nil {
		return nil, err
	}
	if err := dev.WriteReals(s.LastPositions, 0, positions); err != nil {
		return nil, err
	}
	if err := dev.WriteReals(s.PlacesOfInterest, 0, positions); err != nil {
		return nil, err
	}
	if err := dev.WriteInts(s.ExitCells, 0, exitCells); err != nil {
		return nil, err
	}
	return s, nil
}

// CurrActive returns the active-particle array of the current
// micro-iteration.
func (s *ParticleStore) CurrActive() *device.Buffer {
	return s.ActiveParticles[s.CurrActiveArray]
}

// Flip switches the active-particle double buffer and returns the new
// current array.
func (s *ParticleStore) Flip() *device.Buffer {
	s.CurrActiveArray = 1 - s.CurrActiveArray
	return s.ActiveParticles[s.CurrActiveArray]
}
