package trace

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vortexlab/tetracer/device"
	"github.com/vortexlab/tetracer/kernels"
	"github.com/vortexlab/tetracer/mesh"
)

// Tracer runs the time-interval loop: velocity double-buffering, active
// particle collection, redistribution and tracing kernel dispatch.
type Tracer struct {
	ctx     *TracerContext
	redis   *Redistributor
	staging *BigBlockStaging

	tracingKernel     *device.Kernel
	intervalFlagsKern *device.Kernel
	runFlagsKern      *device.Kernel
	runPickKern       *device.Kernel

	flags     *device.Buffer
	flagsCopy *device.Buffer

	currStartVIndex int

	kernelTime  time.Duration
	kernelCalls int
}

// NewTracer compiles the tracing and collection kernels and builds the
// redistribution machinery. The particle store must already be seeded and
// attached to the context.
func NewTracer(ctx *TracerContext) (*Tracer, error) {
	if ctx.Particles == nil {
		return nil, fmt.Errorf("tracer requires a seeded particle store")
	}
	dev := ctx.Dev
	t := &Tracer{ctx: ctx, currStartVIndex: 1}

	source, err := ctx.Integrator.KernelSource()
	if err != nil {
		return nil, err
	}
	scratchCells := max(ctx.Grid.MaxScratchCells, 1)
	scratchPoints := max(ctx.Grid.MaxScratchPoints, 1)
	tracingWGSize := dev.MaxWorkGroupSize()
	t.tracingKernel, err = dev.Compile("blocked tracing", source, tracingWGSize, map[string]int{
		"SHARED_MAX_CELLS":  scratchCells,
		"SHARED_MAX_POINTS": scratchPoints,
	})
	if err != nil {
		return nil, err
	}
	logrus.Infof("tracing kernel: work group size %d, scratch %d cells / %d points",
		tracingWGSize, scratchCells, scratchPoints)

	wgSize := dev.MaxWorkGroupSize()
	if t.intervalFlagsKern, err = dev.CompileEntry("collect for interval", kernels.CollectActiveWGSL, "interval_flags", wgSize, nil); err != nil {
		return nil, err
	}
	if t.runFlagsKern, err = dev.CompileEntry("collect for run", kernels.CollectActiveWGSL, "run_flags", wgSize, nil); err != nil {
		return nil, err
	}
	if t.runPickKern, err = dev.CompileEntry("collect pick", kernels.CollectActiveWGSL, "run_pick", wgSize, nil); err != nil {
		return nil, err
	}

	n := ctx.Particles.NumParticles
	if t.flags, err = dev.NewIntBuffer("collectFlags", n); err != nil {
		return nil, err
	}
	if t.flagsCopy, err = dev.NewIntBuffer("collectFlagsCopy", n); err != nil {
		return nil, err
	}

	if t.redis, err = NewRedistributor(ctx, n, tracingWGSize); err != nil {
		return nil, err
	}
	if t.staging, err = NewBigBlockStaging(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// collectForNewInterval gathers every live particle into dst at an interval
// boundary. Live means the exit cell is not -1.
func (t *Tracer) collectForNewInterval(dst *device.Buffer) (int, error) {
	n := t.ctx.Particles.NumParticles
	params := device.PackInts(int32(n))
	bufs := []*device.Buffer{t.ctx.Particles.ExitCells, t.flags, t.flagsCopy}
	if err := t.ctx.Dev.DispatchCovering(t.intervalFlagsKern, n, bufs, params); err != nil {
		return 0, err
	}
	return t.ctx.Scanner.Compact(t.flags, t.flagsCopy, dst, n)
}

// collectForNewRun re-filters the previous micro-iteration's active list
// into dst, dropping particles that terminated or finished the interval in
// the last kernel run.
func (t *Tracer) collectForNewRun(src, dst *device.Buffer, lastCount int) (int, error) {
	if lastCount == 0 {
		return 0, nil
	}
	dev := t.ctx.Dev
	params := device.PackInts(int32(lastCount))
	flagBufs := []*device.Buffer{t.ctx.Particles.ExitCells, src, t.flags, t.flagsCopy}
	if err := dev.DispatchCovering(t.runFlagsKern, lastCount, flagBufs, params); err != nil {
		return 0, err
	}
	count, err := t.ctx.Scanner.Scan(t.flags, lastCount)
	if err != nil {
		return 0, err
	}
	pickBufs := []*device.Buffer{t.flagsCopy, t.flags, src, dst}
	if err := dev.DispatchCovering(t.runPickKern, lastCount, pickBufs, params); err != nil {
		return 0, err
	}
	return count, nil
}

// launchTracing runs one micro-iteration's tracing kernel over the blocked
// layout, bounded by the current interval.
func (t *Tracer) launchTracing(numWorkGroups int, startTime, endTime float64) error {
	ctx := t.ctx
	p := ctx.Particles
	startV := ctx.Velocities[t.currStartVIndex]
	endV := ctx.Velocities[1-t.currStartVIndex]

	params := append(
		device.PackInts(int32(ctx.Integrator.NumStages), 0, 0, 0),
		ctx.Dev.EncodeReals([]float64{startTime, endTime, ctx.Cfg.Tracing.TimeStep, ctx.Cfg.Tracing.Epsilon})...)
	bufs := []*device.Buffer{
		ctx.VertexPositions, startV, endV,
		ctx.StartOffsetInCell, ctx.StartOffsetInPoint,
		ctx.LocalConnectivities, ctx.LocalLinks, ctx.GlobalCellIDs,
		ctx.GlobalPointIDs, ctx.BigIndexOfBlock, ctx.StartOffsetInPointForBig,
		ctx.VertexPositionsForBig, ctx.StartVelocitiesForBig, ctx.EndVelocitiesForBig,
		t.redis.ActiveBlocks, t.redis.BlockOfGroups,
		t.redis.OffsetInBlocks, p.Stages, p.LastPositions,
		p.K1, p.K2, p.K3, p.PastTimes, p.PlacesOfInterest,
		t.redis.StartOffsetInParticles, t.redis.BlockedActiveParticles,
		p.LocalTetIDs, p.ExitCells, ctx.Links,
	}

	started := time.Now()
	if err := t.ctx.Dev.Dispatch(t.tracingKernel, numWorkGroups, bufs, params); err != nil {
		return err
	}
	t.ctx.Dev.Finish()
	t.kernelTime += time.Since(started)
	t.kernelCalls++
	return nil
}

// Run traces every interval between consecutive frames. Frame velocities
// are loaded lazily; at most the two bracketing snapshots are resident.
func (t *Tracer) Run(source mesh.FrameSource) error {
	ctx := t.ctx
	cfg := ctx.Cfg
	numFrames := cfg.Frames.NumOfFrames
	interval := cfg.Tracing.TimeInterval

	if err := t.staging.InitPositions(); err != nil {
		return err
	}

	startVelocities, err := source.LoadVelocities(0)
	if err != nil {
		return fmt.Errorf("loading frame 0 velocities: %w", err)
	}
	if err := ctx.Dev.WriteReals(ctx.Velocities[0], 0, mesh.FlatVelocities(startVelocities)); err != nil {
		return err
	}

	currTime := cfg.Frames.TimePoints[0]
	for frame := 0; frame+1 < numFrames; frame++ {
		intervalStart := time.Now()
		t.currStartVIndex = 1 - t.currStartVIndex

		lastNum, err := t.collectForNewInterval(ctx.Particles.CurrActive())
		if err != nil {
			return fmt.Errorf("interval %d: %w", frame, err)
		}

		endVelocities, err := source.LoadVelocities(frame + 1)
		if err != nil {
			return fmt.Errorf("loading frame %d velocities: %w", frame+1, err)
		}
		endBuf := ctx.Velocities[1-t.currStartVIndex]
		if err := ctx.Dev.WriteReals(endBuf, 0, mesh.FlatVelocities(endVelocities)); err != nil {
			return err
		}
		if err := t.staging.InitVelocities(ctx.Velocities[t.currStartVIndex], endBuf); err != nil {
			return err
		}

		iterations := 0
		for {
			src := ctx.Particles.CurrActive()
			dst := ctx.Particles.Flip()
			num, err := t.collectForNewRun(src, dst, lastNum)
			if err != nil {
				return fmt.Errorf("interval %d iteration %d: %w", frame, iterations, err)
			}
			lastNum = num
			if num == 0 {
				break
			}

			numBlocks, numGroups, err := t.redis.Run(dst, num)
			if err != nil {
				return fmt.Errorf("interval %d iteration %d: %w", frame, iterations, err)
			}
			logrus.Debugf("interval %d iteration %d: %d particles in %d blocks, %d groups",
				frame, iterations, num, numBlocks, numGroups)

			if err := t.launchTracing(numGroups, currTime, currTime+interval); err != nil {
				return fmt.Errorf("interval %d iteration %d: %w", frame, iterations, err)
			}
			iterations++
		}

		currTime += interval
		logrus.Infof("interval %d -> %d: %d micro-iterations, %s", frame, frame+1, iterations, time.Since(intervalStart))
	}

	logrus.Infof("tracing done: %d kernel calls, %s in tracing kernels", t.kernelCalls, t.kernelTime)
	return nil
}
