// Package config provides configuration loading and validation for a trace run.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Integration method selectors. RK4 is the fully supported path; FE is the
// single-stage variant; RK45 is accepted by the parser but not yet backed by
// a tracing kernel.
const (
	IntegrationFE   = "FE"
	IntegrationRK4  = "RK4"
	IntegrationRK45 = "RK45"
)

// Config holds all parameters of a trace run.
type Config struct {
	Frames    FramesConfig    `yaml:"frames"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Blocks    BlocksConfig    `yaml:"blocks"`
	Seeds     SeedsConfig     `yaml:"seeds"`
	Precision PrecisionConfig `yaml:"precision"`
	UnitTests UnitTestsConfig `yaml:"unit_tests"`
	Output    OutputConfig    `yaml:"output"`
}

// FramesConfig describes the time-stamped frame sequence.
type FramesConfig struct {
	NumOfFrames     int       `yaml:"num_of_frames"`
	TimePoints      []float64 `yaml:"time_points"`
	DataFilePrefix  string    `yaml:"data_file_prefix"`
	DataFileSuffix  string    `yaml:"data_file_suffix"`
	DataFileIndices []string  `yaml:"data_file_indices"`
}

// TracingConfig holds the integrator parameters.
type TracingConfig struct {
	Integration  string  `yaml:"integration"`
	TimeStep     float64 `yaml:"time_step"`
	TimeInterval float64 `yaml:"time_interval"`
	Epsilon      float64 `yaml:"epsilon"`
}

// BlocksConfig holds the spatial decomposition parameters.
type BlocksConfig struct {
	BlockSize                    float64 `yaml:"block_size"`
	SharedMemoryKilobytes        int     `yaml:"shared_memory_kilobytes"`
	EpsilonForTetBlkIntersection float64 `yaml:"epsilon_for_tet_blk_intersection"`
	NumOfBanks                   int     `yaml:"num_of_banks"`
}

// SeedsConfig describes the Cartesian seed lattice.
type SeedsConfig struct {
	BoundingBoxMinX float64 `yaml:"bounding_box_min_x"`
	BoundingBoxMaxX float64 `yaml:"bounding_box_max_x"`
	BoundingBoxMinY float64 `yaml:"bounding_box_min_y"`
	BoundingBoxMaxY float64 `yaml:"bounding_box_max_y"`
	BoundingBoxMinZ float64 `yaml:"bounding_box_min_z"`
	BoundingBoxMaxZ float64 `yaml:"bounding_box_max_z"`
	BoundingBoxXRes int     `yaml:"bounding_box_x_res"`
	BoundingBoxYRes int     `yaml:"bounding_box_y_res"`
	BoundingBoxZRes int     `yaml:"bounding_box_z_res"`
}

// PrecisionConfig selects the device float width.
type PrecisionConfig struct {
	UseDouble bool `yaml:"use_double"`
}

// UnitTestsConfig enables host-side cross checks after the corresponding
// GPU pass. A mismatch aborts the run.
type UnitTestsConfig struct {
	TetBlkIntersection  bool `yaml:"tet_blk_intersection"`
	InitialCellLocation bool `yaml:"initial_cell_location"`
}

// OutputConfig names the result files.
type OutputConfig struct {
	FinalPositionsPath string `yaml:"final_positions_path"`
	SeedDumpPath       string `yaml:"seed_dump_path"`
}

// Load reads a yaml configuration file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with the documented default values filled
// in. Frame and seed settings have no sensible defaults and must be set.
func Default() *Config {
	return &Config{
		Tracing: TracingConfig{
			Integration: IntegrationRK4,
			Epsilon:     1e-8,
		},
		Blocks: BlocksConfig{
			SharedMemoryKilobytes:        16,
			EpsilonForTetBlkIntersection: 1e-6,
			NumOfBanks:                   16,
		},
		Output: OutputConfig{
			FinalPositionsPath: "final_positions.txt",
			SeedDumpPath:       "seed_locations.csv",
		},
	}
}

// Validate checks the configuration before any device work starts.
func (c *Config) Validate() error {
	f := &c.Frames
	if f.NumOfFrames < 2 {
		return fmt.Errorf("num_of_frames must be at least 2, got %d", f.NumOfFrames)
	}
	if len(f.TimePoints) != f.NumOfFrames {
		return fmt.Errorf("time_points has %d entries, want %d", len(f.TimePoints), f.NumOfFrames)
	}
	for i := 1; i < len(f.TimePoints); i++ {
		if f.TimePoints[i] <= f.TimePoints[i-1] {
			return fmt.Errorf("time_points must be strictly increasing, violated at index %d", i)
		}
	}
	if len(f.DataFileIndices) != f.NumOfFrames {
		return fmt.Errorf("data_file_indices has %d entries, want %d", len(f.DataFileIndices), f.NumOfFrames)
	}

	switch c.Tracing.Integration {
	case IntegrationFE, IntegrationRK4, IntegrationRK45:
	default:
		return fmt.Errorf("unknown integration method %q", c.Tracing.Integration)
	}
	if c.Tracing.TimeStep <= 0 {
		return fmt.Errorf("time_step must be positive, got %g", c.Tracing.TimeStep)
	}
	if c.Tracing.TimeInterval <= 0 {
		return fmt.Errorf("time_interval must be positive, got %g", c.Tracing.TimeInterval)
	}
	if c.Tracing.Epsilon < 0 {
		return fmt.Errorf("epsilon must be non-negative, got %g", c.Tracing.Epsilon)
	}

	if c.Blocks.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %g", c.Blocks.BlockSize)
	}
	if c.Blocks.SharedMemoryKilobytes <= 0 {
		return fmt.Errorf("shared_memory_kilobytes must be positive, got %d", c.Blocks.SharedMemoryKilobytes)
	}
	if c.Blocks.NumOfBanks <= 0 {
		return fmt.Errorf("num_of_banks must be positive, got %d", c.Blocks.NumOfBanks)
	}

	s := &c.Seeds
	if s.BoundingBoxXRes <= 0 || s.BoundingBoxYRes <= 0 || s.BoundingBoxZRes <= 0 {
		return fmt.Errorf("seed lattice resolution must be positive in every axis, got (%d, %d, %d)",
			s.BoundingBoxXRes, s.BoundingBoxYRes, s.BoundingBoxZRes)
	}
	if s.BoundingBoxMaxX <= s.BoundingBoxMinX ||
		s.BoundingBoxMaxY <= s.BoundingBoxMinY ||
		s.BoundingBoxMaxZ <= s.BoundingBoxMinZ {
		return fmt.Errorf("seed bounding box must have positive extent in every axis")
	}
	return nil
}

// NumGridPoints returns the number of seed lattice points.
func (s *SeedsConfig) NumGridPoints() int {
	return (s.BoundingBoxXRes + 1) * (s.BoundingBoxYRes + 1) * (s.BoundingBoxZRes + 1)
}

// GridCoords decomposes a grid point id into lattice coordinates. The z axis
// varies fastest, matching the seeding order.
func (s *SeedsConfig) GridCoords(gridPointID int) (x, y, z int) {
	z = gridPointID % (s.BoundingBoxZRes + 1)
	rest := gridPointID / (s.BoundingBoxZRes + 1)
	y = rest % (s.BoundingBoxYRes + 1)
	x = rest / (s.BoundingBoxYRes + 1)
	return x, y, z
}

// FrameFile composes the data file name for a frame index.
func (f *FramesConfig) FrameFile(i int) string {
	return f.DataFilePrefix + f.DataFileIndices[i] + f.DataFileSuffix
}
