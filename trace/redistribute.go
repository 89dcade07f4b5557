package trace

import (
	"fmt"

	"github.com/vortexlab/tetracer/device"
	"github.com/vortexlab/tetracer/kernels"
)

// Redistributor translates a flat active-particle list into the
// block-grouped, stage-sorted layout the tracing kernel consumes, and
// assigns one or more work groups to every active block.
type Redistributor struct {
	ctx *TracerContext

	collectKernel     *device.Kernel
	countKernel       *device.Kernel
	scatterKernel     *device.Kernel
	offsetsKernel     *device.Kernel
	countGroupsKernel *device.Kernel
	assignKernel      *device.Kernel

	NumParticlesByStage    *device.Buffer
	InterestingBlockMarks  *device.Buffer
	NumActiveBlocks        *device.Buffer
	ActiveBlocks           *device.Buffer
	ActiveBlockIndices     *device.Buffer
	StartOffsetInParticles *device.Buffer
	BlockedActiveParticles *device.Buffer
	NumGroupsForBlocks     *device.Buffer
	BlockOfGroups          *device.Buffer
	OffsetInBlocks         *device.Buffer

	tracingWorkGroupSize int

	// generation only ever grows; a block whose mark is behind it has not
	// been claimed this micro-iteration. Marks are never wiped.
	generation int32
}

// NewRedistributor compiles the redistribution kernels and allocates the
// per-iteration work layout buffers.
func NewRedistributor(ctx *TracerContext, numParticles, tracingWorkGroupSize int) (*Redistributor, error) {
	r := &Redistributor{ctx: ctx, tracingWorkGroupSize: tracingWorkGroupSize}
	dev := ctx.Dev
	wgSize := dev.MaxWorkGroupSize()

	var err error
	if r.collectKernel, err = dev.CompileEntry("collect active blocks", kernels.RedistributeWGSL, "collect_blocks", wgSize, nil); err != nil {
		return nil, err
	}
	if r.countKernel, err = dev.CompileEntry("count particles by stage", kernels.RedistributeWGSL, "count_stages", wgSize, nil); err != nil {
		return nil, err
	}
	if r.scatterKernel, err = dev.CompileEntry("scatter particles", kernels.RedistributeWGSL, "scatter", wgSize, nil); err != nil {
		return nil, err
	}
	if r.offsetsKernel, err = dev.Compile("start offsets in particles", kernels.StartOffsetsWGSL, wgSize, nil); err != nil {
		return nil, err
	}
	if r.countGroupsKernel, err = dev.CompileEntry("count groups for blocks", kernels.AssignGroupsWGSL, "count_groups", wgSize, nil); err != nil {
		return nil, err
	}
	if r.assignKernel, err = dev.CompileEntry("assign groups", kernels.AssignGroupsWGSL, "assign", wgSize, nil); err != nil {
		return nil, err
	}

	numInteresting := ctx.Grid.NumInteresting()
	stages := ctx.Integrator.NumStages
	allocs := []struct {
		name string
		dst  **device.Buffer
		n    int
	}{
		{"numOfParticlesByStageInBlocks", &r.NumParticlesByStage, numInteresting*stages + 1},
		{"interestingBlockMarks", &r.InterestingBlockMarks, numInteresting},
		{"numOfActiveBlocks", &r.NumActiveBlocks, 1},
		{"activeBlocks", &r.ActiveBlocks, numInteresting},
		{"activeBlockIndices", &r.ActiveBlockIndices, numInteresting},
		{"startOffsetInParticles", &r.StartOffsetInParticles, numInteresting + 1},
		{"blockedActiveParticles", &r.BlockedActiveParticles, numParticles},
		{"numOfGroupsForBlocks", &r.NumGroupsForBlocks, numInteresting + 1},
		{"blockOfGroups", &r.BlockOfGroups, numParticles},
		{"offsetInBlocks", &r.OffsetInBlocks, numParticles},
	}
	for _, a := range allocs {
		if *a.dst, err = dev.NewIntBuffer(a.name, a.n); err != nil {
			return nil, err
		}
	}

	// Marks start at zero; the first generation is one.
	if err := dev.WriteInts(r.InterestingBlockMarks, 0, make([]int32, numInteresting)); err != nil {
		return nil, err
	}
	return r, nil
}

// Run performs one redistribution cycle over numActive particles listed in
// active. Returns the active block count and the total work-group count.
func (r *Redistributor) Run(active *device.Buffer, numActive int) (numActiveBlocks, numWorkGroups int, err error) {
	ctx := r.ctx
	dev := ctx.Dev
	lat := ctx.Grid.Lattice
	stages := ctx.Integrator.NumStages
	particles := ctx.Particles

	// Step 1: collect active blocks. The generational mark is bumped, not
	// reset, so stale claims from earlier iterations lose the atomic max.
	r.generation++
	if err = dev.WriteInts(r.NumActiveBlocks, 0, []int32{0}); err != nil {
		return 0, 0, err
	}
	collectParams := append(
		device.PackInts(int32(numActive), r.generation, int32(lat.Ny), int32(lat.Nz)),
		dev.EncodeReals([]float64{lat.Min[0], lat.Min[1], lat.Min[2], lat.Size})...)
	collectBufs := []*device.Buffer{
		active, particles.PlacesOfInterest, particles.ExitCells,
		ctx.InterestingBlockMap, ctx.StartOffsetsInLocalIDMap,
		ctx.BlocksOfTets, ctx.LocalIDsOfTets, r.InterestingBlockMarks,
		r.NumActiveBlocks, r.ActiveBlocks, r.ActiveBlockIndices,
		particles.BlockLocations, particles.LocalTetIDs,
	}
	if err = dev.DispatchCovering(r.collectKernel, numActive, collectBufs, collectParams); err != nil {
		return 0, 0, err
	}

	counts, err := dev.ReadInts(r.NumActiveBlocks, 0, 1)
	if err != nil {
		return 0, 0, err
	}
	numActiveBlocks = int(counts[0])
	if numActiveBlocks == 0 {
		return 0, 0, fmt.Errorf("redistribution found no active blocks for %d active particles", numActive)
	}

	// Step 2: count particles per (block, stage).
	if err = dev.WriteInts(r.NumParticlesByStage, 0, make([]int32, numActiveBlocks*stages)); err != nil {
		return 0, 0, err
	}
	countParams := device.PackInts(int32(numActive), int32(stages))
	countBufs := []*device.Buffer{
		active, particles.BlockLocations, ctx.InterestingBlockMap,
		r.ActiveBlockIndices, particles.Stages,
		particles.ActiveBlockOfParticles, r.NumParticlesByStage, particles.ParticleOrders,
	}
	if err = dev.DispatchCovering(r.countKernel, numActive, countBufs, countParams); err != nil {
		return 0, 0, err
	}

	// Step 3: exclusive scan of the (block, stage) counts.
	total, err := ctx.Scanner.Scan(r.NumParticlesByStage, numActiveBlocks*stages)
	if err != nil {
		return 0, 0, err
	}
	if total != numActive {
		return 0, 0, fmt.Errorf("stage counts sum to %d, want %d active particles", total, numActive)
	}

	// Step 4: scatter particles to their packed positions.
	scatterBufs := []*device.Buffer{
		active, particles.ActiveBlockOfParticles, particles.Stages,
		particles.ParticleOrders, r.NumParticlesByStage, r.BlockedActiveParticles,
	}
	if err = dev.DispatchCovering(r.scatterKernel, numActive, scatterBufs, countParams); err != nil {
		return 0, 0, err
	}

	// Step 5: per-block start offsets are every S-th scanned count.
	if err = dev.WriteInts(r.StartOffsetInParticles, numActiveBlocks, []int32{int32(numActive)}); err != nil {
		return 0, 0, err
	}
	offsetsBufs := []*device.Buffer{r.NumParticlesByStage, r.StartOffsetInParticles}
	offsetsParams := device.PackInts(int32(numActiveBlocks), int32(stages))
	if err = dev.DispatchCovering(r.offsetsKernel, numActiveBlocks, offsetsBufs, offsetsParams); err != nil {
		return 0, 0, err
	}

	// Step 6: work-group assignment.
	groupCountBufs := []*device.Buffer{r.StartOffsetInParticles, r.NumGroupsForBlocks}
	groupCountParams := device.PackInts(int32(numActiveBlocks), int32(r.tracingWorkGroupSize))
	if err = dev.DispatchCovering(r.countGroupsKernel, numActiveBlocks, groupCountBufs, groupCountParams); err != nil {
		return 0, 0, err
	}
	numWorkGroups, err = ctx.Scanner.Scan(r.NumGroupsForBlocks, numActiveBlocks)
	if err != nil {
		return 0, 0, err
	}
	if err = dev.WriteInts(r.NumGroupsForBlocks, numActiveBlocks, []int32{int32(numWorkGroups)}); err != nil {
		return 0, 0, err
	}
	assignBufs := []*device.Buffer{r.NumGroupsForBlocks, r.BlockOfGroups, r.OffsetInBlocks}
	assignParams := device.PackInts(int32(numActiveBlocks))
	if err = dev.Dispatch(r.assignKernel, numActiveBlocks, assignBufs, assignParams); err != nil {
		return 0, 0, err
	}
	return numActiveBlocks, numWorkGroups, nil
}
