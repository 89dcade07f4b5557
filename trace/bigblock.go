package trace

import (
	"github.com/vortexlab/tetracer/device"
	"github.com/vortexlab/tetracer/kernels"
)

// BigBlockStaging maintains the dense global-memory copies of oversized
// blocks' vertex data: positions once per run, the two velocity snapshots
// once per interval.
type BigBlockStaging struct {
	ctx *TracerContext

	positionsKernel  *device.Kernel
	velocitiesKernel *device.Kernel
}

// NewBigBlockStaging compiles the staging kernels.
func NewBigBlockStaging(ctx *TracerContext) (*BigBlockStaging, error) {
	dev := ctx.Dev
	wgSize := dev.MaxWorkGroupSize()
	positionsKernel, err := dev.CompileEntry("big block positions", kernels.BigBlockWGSL, "positions", wgSize, nil)
	if err != nil {
		return nil, err
	}
	velocitiesKernel, err := dev.CompileEntry("big block velocities", kernels.BigBlockWGSL, "velocities", wgSize, nil)
	if err != nil {
		return nil, err
	}
	return &BigBlockStaging{
		ctx:              ctx,
		positionsKernel:  positionsKernel,
		velocitiesKernel: velocitiesKernel,
	}, nil
}

// InitPositions copies every big block's vertex positions into the big-only
// layout. One work group per big block.
func (s *BigBlockStaging) InitPositions() error {
	numBig := len(s.ctx.Grid.BigBlocks)
	if numBig == 0 {
		return nil
	}
	bufs := []*device.Buffer{
		s.ctx.BigBlocks, s.ctx.StartOffsetInPoint, s.ctx.StartOffsetInPointForBig,
		s.ctx.GlobalPointIDs, s.ctx.VertexPositions, s.ctx.VertexPositionsForBig,
	}
	return s.ctx.Dev.Dispatch(s.positionsKernel, numBig, bufs, device.PackInts(int32(numBig)))
}

// InitVelocities refreshes the big-block copies of the bracketing velocity
// snapshots. Called once per interval, after the end velocities have
// arrived.
func (s *BigBlockStaging) InitVelocities(startV, endV *device.Buffer) error {
	numBig := len(s.ctx.Grid.BigBlocks)
	if numBig == 0 {
		return nil
	}
	bufs := []*device.Buffer{
		s.ctx.BigBlocks, s.ctx.StartOffsetInPoint, s.ctx.StartOffsetInPointForBig,
		s.ctx.GlobalPointIDs, startV, endV,
		s.ctx.StartVelocitiesForBig, s.ctx.EndVelocitiesForBig,
	}
	return s.ctx.Dev.Dispatch(s.velocitiesKernel, numBig, bufs, device.PackInts(int32(numBig)))
}
