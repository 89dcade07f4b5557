package device

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanHostLaw(t *testing.T) {
	a := []int32{3, 1, 7, 0, 4, 1, 6, 3}
	orig := append([]int32(nil), a...)

	total := ScanHost(a)

	assert.Equal(t, int32(25), total)
	var sum int32
	for i := range orig {
		assert.Equal(t, sum, a[i], "prefix at %d", i)
		sum += orig[i]
	}
}

func TestScanHostEmpty(t *testing.T) {
	assert.Equal(t, int32(0), ScanHost(nil))
}

func TestScanHostSingle(t *testing.T) {
	a := []int32{9}
	assert.Equal(t, int32(9), ScanHost(a))
	assert.Equal(t, int32(0), a[0])
}

func TestCompactHostLaw(t *testing.T) {
	flags := []int32{0, 1, 1, 0, 0, 1, 0, 1}
	out := CompactHost(flags)
	require.Equal(t, []int32{1, 2, 5, 7}, out)
}

func TestCompactHostMatchesScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	flags := make([]int32, 513)
	want := 0
	for i := range flags {
		if rng.Intn(3) == 0 {
			flags[i] = 1
			want++
		}
	}
	out := CompactHost(flags)
	require.Len(t, out, want)

	// Output positions are strictly increasing and each flagged.
	copied := append([]int32(nil), flags...)
	total := ScanHost(copied)
	assert.Equal(t, int32(want), total)
	for i, pos := range out {
		assert.Equal(t, int32(1), flags[pos])
		// The scanned offset of a flagged position is its output slot.
		assert.Equal(t, int32(i), copied[pos])
	}
}
