package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vortexlab/tetracer/config"
	"github.com/vortexlab/tetracer/device"
	"github.com/vortexlab/tetracer/grid"
	"github.com/vortexlab/tetracer/mesh"
	"github.com/vortexlab/tetracer/trace"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "tetracer",
	Short: "GPU flow-map tracer for time-varying tetrahedral velocity fields",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trace seed particles through all frames and write final positions",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if err := runTrace(false); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Locate seed lattice points and write the seed dump, then stop",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if err := runTrace(true); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

func runTrace(locateOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	source := &mesh.FileSource{
		Prefix:  cfg.Frames.DataFilePrefix,
		Suffix:  cfg.Frames.DataFileSuffix,
		Indices: cfg.Frames.DataFileIndices,
		Times:   cfg.Frames.TimePoints,
	}
	m, err := source.LoadMesh()
	if err != nil {
		return err
	}
	logrus.Infof("mesh: %d cells, %d points", m.NumCells, m.NumPoints)

	dev, err := device.Open(cfg.Precision.UseDouble)
	if err != nil {
		return err
	}
	defer dev.Close()

	positions, err := dev.NewRealBuffer("vertexPositions", m.NumPoints*3)
	if err != nil {
		return err
	}
	if err := dev.WriteReals(positions, 0, m.FlatPositions()); err != nil {
		return err
	}
	connectivity, err := dev.NewIntBuffer("tetrahedralConnectivities", len(m.Connectivity))
	if err != nil {
		return err
	}
	if err := dev.WriteInts(connectivity, 0, m.Connectivity); err != nil {
		return err
	}

	min, max := m.BoundingBox()
	lat := grid.NewLattice(min, max, cfg.Blocks.BlockSize)
	logrus.Infof("lattice: %dx%dx%d blocks of side %g", lat.Nx, lat.Ny, lat.Nz, lat.Size)

	cand := grid.EnumerateCandidates(m, lat)

	// The double path reuses the integrator epsilon; the single path uses
	// the dedicated intersection tolerance.
	intersectionEps := cfg.Blocks.EpsilonForTetBlkIntersection
	if cfg.Precision.UseDouble {
		intersectionEps = cfg.Tracing.Epsilon
	}
	results, err := grid.RunQueries(dev, positions, connectivity, cand, lat, intersectionEps)
	if err != nil {
		return err
	}
	if cfg.UnitTests.TetBlkIntersection {
		if err := grid.VerifyQueries(m, lat, cand, results, intersectionEps); err != nil {
			return err
		}
		logrus.Info("intersection unit test passed")
	}

	g, err := grid.Build(m, lat, cand, results, cfg.Blocks.SharedMemoryKilobytes, dev.RealSize())
	if err != nil {
		return err
	}

	locations, err := trace.LocateSeeds(dev, positions, connectivity, m, &cfg.Seeds, cfg.Tracing.Epsilon)
	if err != nil {
		return err
	}
	if cfg.UnitTests.InitialCellLocation {
		if err := trace.VerifySeedLocations(m, &cfg.Seeds, locations, cfg.Tracing.Epsilon); err != nil {
			return err
		}
		logrus.Info("seed location unit test passed")
	}
	if err := trace.WriteSeedDump(cfg.Output.SeedDumpPath, &cfg.Seeds, locations); err != nil {
		return err
	}
	if locateOnly {
		return nil
	}

	integrator, err := trace.NewIntegrator(cfg.Tracing.Integration)
	if err != nil {
		return err
	}
	seeds := trace.ActiveSeeds(&cfg.Seeds, locations)
	maxScan := len(seeds)
	if n := g.NumInteresting()*integrator.NumStages + 1; n > maxScan {
		maxScan = n
	}

	ctx, err := trace.NewTracerContext(cfg, dev, m, g, positions, connectivity, maxScan)
	if err != nil {
		return err
	}
	logrus.Infof("run %s: integrator %s, %d stages", ctx.RunID, integrator.Kind, integrator.NumStages)

	ctx.Particles, err = trace.NewParticleStore(dev, seeds)
	if err != nil {
		return err
	}

	tracer, err := trace.NewTracer(ctx)
	if err != nil {
		return err
	}
	if err := tracer.Run(source); err != nil {
		return err
	}

	if err := trace.WriteFinalPositions(cfg.Output.FinalPositionsPath, &cfg.Seeds, dev, ctx.Particles); err != nil {
		return err
	}
	logrus.Infof("final positions written to %s", cfg.Output.FinalPositionsPath)
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tetracer.yaml", "Path to the run configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(locateCmd)
}
