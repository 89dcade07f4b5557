package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tetracer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
frames:
  num_of_frames: 2
  time_points: [0.0, 1.0]
  data_file_prefix: "frames/flow_"
  data_file_suffix: ".txt"
  data_file_indices: ["000", "001"]
tracing:
  integration: RK4
  time_step: 0.25
  time_interval: 1.0
  epsilon: 1e-8
blocks:
  block_size: 1.0
  shared_memory_kilobytes: 16
  epsilon_for_tet_blk_intersection: 1e-6
  num_of_banks: 16
seeds:
  bounding_box_min_x: 0.0
  bounding_box_max_x: 2.0
  bounding_box_min_y: 0.0
  bounding_box_max_y: 2.0
  bounding_box_min_z: 0.0
  bounding_box_max_z: 2.0
  bounding_box_x_res: 4
  bounding_box_y_res: 4
  bounding_box_z_res: 4
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Frames.NumOfFrames)
	assert.Equal(t, IntegrationRK4, cfg.Tracing.Integration)
	assert.Equal(t, 0.25, cfg.Tracing.TimeStep)
	assert.Equal(t, 16, cfg.Blocks.NumOfBanks)
	assert.False(t, cfg.Precision.UseDouble)
	// Defaults survive a file that does not mention them.
	assert.Equal(t, "final_positions.txt", cfg.Output.FinalPositionsPath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"too few frames", func(c *Config) { c.Frames.NumOfFrames = 1; c.Frames.TimePoints = c.Frames.TimePoints[:1]; c.Frames.DataFileIndices = c.Frames.DataFileIndices[:1] }},
		{"non-monotone time points", func(c *Config) { c.Frames.TimePoints = []float64{1.0, 1.0} }},
		{"index count mismatch", func(c *Config) { c.Frames.DataFileIndices = []string{"000"} }},
		{"unknown integration", func(c *Config) { c.Tracing.Integration = "AB2" }},
		{"zero time step", func(c *Config) { c.Tracing.TimeStep = 0 }},
		{"negative block size", func(c *Config) { c.Blocks.BlockSize = -1 }},
		{"zero scratchpad", func(c *Config) { c.Blocks.SharedMemoryKilobytes = 0 }},
		{"zero resolution", func(c *Config) { c.Seeds.BoundingBoxZRes = 0 }},
		{"inverted bounding box", func(c *Config) { c.Seeds.BoundingBoxMaxX = c.Seeds.BoundingBoxMinX }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validConfig))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGridCoordsRoundTrip(t *testing.T) {
	s := SeedsConfig{BoundingBoxXRes: 2, BoundingBoxYRes: 3, BoundingBoxZRes: 4}
	id := 0
	for x := 0; x <= 2; x++ {
		for y := 0; y <= 3; y++ {
			for z := 0; z <= 4; z++ {
				gx, gy, gz := s.GridCoords(id)
				require.Equal(t, [3]int{x, y, z}, [3]int{gx, gy, gz}, "grid point %d", id)
				id++
			}
		}
	}
	assert.Equal(t, s.NumGridPoints(), id)
}

func TestFrameFile(t *testing.T) {
	f := FramesConfig{DataFilePrefix: "data/flow_", DataFileSuffix: ".txt", DataFileIndices: []string{"000", "010"}}
	assert.Equal(t, "data/flow_010.txt", f.FrameFile(1))
}
