package trace

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortexlab/tetracer/device"
)

// The packed-layout law behind redistribution steps 2-4: counting particles
// per (block, stage), exclusive-scanning the counts and scattering each
// particle at scan[bucket] + order places every particle at exactly one
// position, grouped by block and stage. The host mirror below follows the
// same arithmetic as the kernels; intra-bucket order is arrival order and
// deliberately unasserted.
func TestRedistributionLayoutLaw(t *testing.T) {
	const (
		numParticles = 200
		numBlocks    = 7
		stages       = 4
	)
	rng := rand.New(rand.NewSource(42))

	blockOf := make([]int32, numParticles)
	stageOf := make([]int32, numParticles)
	for p := range blockOf {
		blockOf[p] = int32(rng.Intn(numBlocks))
		stageOf[p] = int32(rng.Intn(stages))
	}

	// Step 2: count and record arrival orders.
	counts := make([]int32, numBlocks*stages)
	orders := make([]int32, numParticles)
	for p := 0; p < numParticles; p++ {
		bucket := blockOf[p]*stages + stageOf[p]
		orders[p] = counts[bucket]
		counts[bucket]++
	}

	// Step 3: exclusive scan; the total must equal the particle count.
	offsets := append([]int32(nil), counts...)
	total := device.ScanHost(offsets)
	require.Equal(t, int32(numParticles), total)

	// Step 4: scatter.
	packed := make([]int32, numParticles)
	for i := range packed {
		packed[i] = -1
	}
	for p := 0; p < numParticles; p++ {
		bucket := blockOf[p]*stages + stageOf[p]
		pos := offsets[bucket] + orders[p]
		require.Equal(t, int32(-1), packed[pos], "slot %d written twice", pos)
		packed[pos] = int32(p)
	}

	// Round trip: every particle appears exactly once.
	seen := make([]bool, numParticles)
	for _, p := range packed {
		require.NotEqual(t, int32(-1), p)
		require.False(t, seen[p])
		seen[p] = true
	}

	// Grouping: within the packed array, a particle's bucket offsets are
	// respected — all of bucket b's particles precede bucket b+1's.
	for pos, p := range packed {
		bucket := blockOf[p]*stages + stageOf[p]
		lo := int(offsets[bucket])
		hi := lo + int(counts[bucket])
		assert.GreaterOrEqual(t, pos, lo)
		assert.Less(t, pos, hi)
	}

	// Step 5: every S-th offset is the per-block particle start.
	prev := int32(0)
	for b := 0; b < numBlocks; b++ {
		start := offsets[b*stages]
		assert.GreaterOrEqual(t, start, prev)
		prev = start
	}
}

// Step 6's group arithmetic: ceil-divide each block's particle count by the
// tracing work-group size, scan, and the total matches the groups spawned.
func TestWorkGroupAssignmentLaw(t *testing.T) {
	const wgSize = 64
	particlesPerBlock := []int32{1, 64, 65, 0, 300}

	groups := make([]int32, len(particlesPerBlock))
	for i, n := range particlesPerBlock {
		groups[i] = (n + wgSize - 1) / wgSize
	}
	offsets := append([]int32(nil), groups...)
	total := device.ScanHost(offsets)

	assert.Equal(t, int32(1+1+2+0+5), total)

	// Each block spawns entries [offsets[b], offsets[b]+groups[b]); they
	// tile [0, total) with no gaps.
	var spawned int32
	for b := range particlesPerBlock {
		assert.Equal(t, spawned, offsets[b])
		spawned += groups[b]
	}
	assert.Equal(t, total, spawned)
}
