// Package trace drives the particle lifecycle: seeding, per-interval
// active-set collection, redistribution into blocks, kernel dispatch and
// final output.
package trace

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vortexlab/tetracer/config"
	"github.com/vortexlab/tetracer/device"
	"github.com/vortexlab/tetracer/grid"
	"github.com/vortexlab/tetracer/kernels"
	"github.com/vortexlab/tetracer/mesh"
)

// Integrator selects the tracing kernel and the stage count the scheduler
// buckets particles by.
type Integrator struct {
	Kind      string
	NumStages int
}

// NewIntegrator resolves a configured integration method. RK45 is
// enumerated in the configuration surface but has no tracing kernel yet.
func NewIntegrator(kind string) (Integrator, error) {
	switch kind {
	case config.IntegrationRK4:
		return Integrator{Kind: kind, NumStages: 4}, nil
	case config.IntegrationFE:
		return Integrator{Kind: kind, NumStages: 1}, nil
	case config.IntegrationRK45:
		return Integrator{}, fmt.Errorf("integration method RK45 is not supported yet")
	default:
		return Integrator{}, fmt.Errorf("unknown integration method %q", kind)
	}
}

// KernelSource returns the integrator's tracing kernel.
func (it Integrator) KernelSource() (string, error) {
	return kernels.BlockedTracing(it.Kind)
}

// TracerContext carries all run-wide state explicitly: configuration, the
// device, the mesh and its decomposition, and every device buffer that
// lives for the whole run.
type TracerContext struct {
	Cfg        *config.Config
	Dev        *device.Device
	Mesh       *mesh.Mesh
	Grid       *grid.Grid
	Integrator Integrator
	RunID      uuid.UUID

	Scanner *device.Scanner

	// Particles is set once seeding has produced the particle store.
	Particles *ParticleStore

	// Mesh-wide buffers.
	VertexPositions *device.Buffer
	Connectivity    *device.Buffer
	Links           *device.Buffer
	Velocities      [2]*device.Buffer

	// Block decomposition buffers.
	InterestingBlockMap      *device.Buffer
	StartOffsetsInLocalIDMap *device.Buffer
	BlocksOfTets             *device.Buffer
	LocalIDsOfTets           *device.Buffer
	StartOffsetInCell        *device.Buffer
	StartOffsetInPoint       *device.Buffer
	LocalConnectivities      *device.Buffer
	LocalLinks               *device.Buffer
	GlobalCellIDs            *device.Buffer
	GlobalPointIDs           *device.Buffer
	BigBlocks                *device.Buffer
	BigIndexOfBlock          *device.Buffer
	StartOffsetInPointForBig *device.Buffer
	VertexPositionsForBig    *device.Buffer
	StartVelocitiesForBig    *device.Buffer
	EndVelocitiesForBig      *device.Buffer
}

// NewTracerContext uploads the mesh and the block decomposition to the
// device and prepares the scan machinery. maxScanLength must cover the
// largest array the run will scan (particle count and block-stage counts).
func NewTracerContext(cfg *config.Config, dev *device.Device, m *mesh.Mesh, g *grid.Grid,
	positions, connectivity *device.Buffer, maxScanLength int) (*TracerContext, error) {

	integrator, err := NewIntegrator(cfg.Tracing.Integration)
	if err != nil {
		return nil, err
	}

	ctx := &TracerContext{
		Cfg:             cfg,
		Dev:             dev,
		Mesh:            m,
		Grid:            g,
		Integrator:      integrator,
		RunID:           uuid.New(),
		VertexPositions: positions,
		Connectivity:    connectivity,
	}

	scanWGSize := dev.MaxWorkGroupSize()
	ctx.Scanner, err = device.NewScanner(dev, kernels.ExclusiveScanWGSL, kernels.CompactWGSL,
		scanWGSize, cfg.Blocks.NumOfBanks, maxScanLength)
	if err != nil {
		return nil, fmt.Errorf("initializing scan: %w", err)
	}

	if ctx.Links, err = dev.NewIntBuffer("tetrahedralLinks", len(m.Links)); err != nil {
		return nil, err
	}
	if err = dev.WriteInts(ctx.Links, 0, m.Links); err != nil {
		return nil, err
	}
	for i := range ctx.Velocities {
		if ctx.Velocities[i], err = dev.NewRealBuffer(fmt.Sprintf("velocities[%d]", i), m.NumPoints*3); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		name string
		dst  **device.Buffer
		data []int32
	}{
		{"interestingBlockMap", &ctx.InterestingBlockMap, g.InterestingBlockMap},
		{"startOffsetsInLocalIDMap", &ctx.StartOffsetsInLocalIDMap, g.StartOffsetsInLocalIDMap},
		{"blocksOfTets", &ctx.BlocksOfTets, g.BlocksOfTets},
		{"localIDsOfTets", &ctx.LocalIDsOfTets, g.LocalIDsOfTets},
		{"startOffsetInCell", &ctx.StartOffsetInCell, g.StartOffsetInCell},
		{"startOffsetInPoint", &ctx.StartOffsetInPoint, g.StartOffsetInPoint},
		{"localConnectivities", &ctx.LocalConnectivities, g.LocalConnectivities},
		{"localLinks", &ctx.LocalLinks, g.LocalLinks},
		{"globalCellIDs", &ctx.GlobalCellIDs, g.GlobalCellIDs},
		{"globalPointIDs", &ctx.GlobalPointIDs, g.GlobalPointIDs},
		{"bigBlocks", &ctx.BigBlocks, g.BigBlocks},
		{"bigIndexOfBlock", &ctx.BigIndexOfBlock, g.BigIndexOfBlock},
		{"startOffsetInPointForBig", &ctx.StartOffsetInPointForBig, g.StartOffsetInPointForBig},
	}
	for _, up := range ints {
		buf, err := dev.NewIntBuffer(up.name, len(up.data))
		if err != nil {
			return nil, err
		}
		if err := dev.WriteInts(buf, 0, up.data); err != nil {
			return nil, err
		}
		*up.dst = buf
	}

	bigPoints := g.TotalBigPoints()
	if ctx.VertexPositionsForBig, err = dev.NewRealBuffer("vertexPositionsForBig", bigPoints*3); err != nil {
		return nil, err
	}
	if ctx.StartVelocitiesForBig, err = dev.NewRealBuffer("startVelocitiesForBig", bigPoints*3); err != nil {
		return nil, err
	}
	if ctx.EndVelocitiesForBig, err = dev.NewRealBuffer("endVelocitiesForBig", bigPoints*3); err != nil {
		return nil, err
	}
	return ctx, nil
}
