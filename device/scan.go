package device

// Exclusive prefix scan and stream compaction over device int arrays.
// The scan is the two-kernel scheme the tracing pipeline leans on: each work
// group scans a tile of 2*WORK_GROUP_SIZE elements in scratchpad memory with
// a bank-stride offset, writes its tile total to a sums array, and a reverse
// update adds the scanned tile totals back. Tile totals are scanned by the
// same machinery, recursively, one level per order of magnitude.

import (
	"fmt"
)

// Scanner owns the scan kernels and the per-level tile-sum scratch buffers
// for arrays up to a fixed maximum length.
type Scanner struct {
	dev *Device

	scanKernel    *Kernel
	reverseKernel *Kernel
	pickKernel    *Kernel

	workGroupSize int
	maxLength     int

	// levels[i] holds tile sums for a scan at recursion depth i.
	levels []*Buffer
}

// NewScanner compiles the scan kernels and allocates scratch for arrays of
// up to maxLength elements. numOfBanks is the bank-conflict avoidance stride
// baked into the scan kernel.
func NewScanner(dev *Device, scanSource, compactSource string, workGroupSize, numOfBanks, maxLength int) (*Scanner, error) {
	consts := map[string]int{"NUM_OF_BANKS": numOfBanks}
	scanKernel, err := dev.CompileEntry("exclusive scan", scanSource, "scan", workGroupSize, consts)
	if err != nil {
		return nil, err
	}
	reverseKernel, err := dev.CompileEntry("scan reverse update", scanSource, "reverse_update", workGroupSize, consts)
	if err != nil {
		return nil, err
	}
	pickKernel, err := dev.Compile("compact pick", compactSource, workGroupSize, nil)
	if err != nil {
		return nil, err
	}

	s := &Scanner{
		dev:           dev,
		scanKernel:    scanKernel,
		reverseKernel: reverseKernel,
		pickKernel:    pickKernel,
		workGroupSize: workGroupSize,
		maxLength:     maxLength,
	}
	tile := 2 * workGroupSize
	for n := maxLength; ; n = (n + tile - 1) / tile {
		groups := (n + tile - 1) / tile
		level, err := dev.NewIntBuffer(fmt.Sprintf("scan sums level %d", len(s.levels)), groups+1)
		if err != nil {
			return nil, err
		}
		s.levels = append(s.levels, level)
		if groups == 1 {
			break
		}
	}
	return s, nil
}

// Scan replaces a[i] with the exclusive prefix sum of a[0..length) in place
// and returns the total. Synchronizes with the device once per recursion
// level.
func (s *Scanner) Scan(buf *Buffer, length int) (int, error) {
	if length <= 0 {
		return 0, nil
	}
	if length > s.maxLength {
		return 0, fmt.Errorf("scan length %d exceeds scanner capacity %d", length, s.maxLength)
	}
	return s.scanLevel(buf, length, 0)
}

func (s *Scanner) scanLevel(buf *Buffer, length, depth int) (int, error) {
	tile := 2 * s.workGroupSize
	groups := (length + tile - 1) / tile
	if depth >= len(s.levels) {
		return 0, fmt.Errorf("scan recursion depth %d exceeds preallocated levels", depth)
	}
	sums := s.levels[depth]

	params := PackInts(int32(length))
	if err := s.dev.Dispatch(s.scanKernel, groups, []*Buffer{buf, sums}, params); err != nil {
		return 0, fmt.Errorf("scan level %d: %w", depth, err)
	}

	if groups == 1 {
		total, err := s.dev.ReadInts(sums, 0, 1)
		if err != nil {
			return 0, fmt.Errorf("reading scan total: %w", err)
		}
		return int(total[0]), nil
	}

	total, err := s.scanLevel(sums, groups, depth+1)
	if err != nil {
		return 0, err
	}
	if err := s.dev.Dispatch(s.reverseKernel, groups, []*Buffer{buf, sums}, params); err != nil {
		return 0, fmt.Errorf("scan reverse update level %d: %w", depth, err)
	}
	return total, nil
}

// Compact scans the 0/1 flags array in place, then gathers the positions of
// set flags into out in increasing order. flagsCopy must hold an untouched
// copy of the flags; it is how the pick pass re-tests the predicate after
// the scan has overwritten the flags with offsets. Returns the count.
func (s *Scanner) Compact(flags, flagsCopy, out *Buffer, length int) (int, error) {
	count, err := s.Scan(flags, length)
	if err != nil {
		return 0, fmt.Errorf("compacting %s: %w", flags.Label(), err)
	}
	params := PackInts(int32(length))
	if err := s.dev.DispatchCovering(s.pickKernel, length, []*Buffer{flagsCopy, flags, out}, params); err != nil {
		return 0, fmt.Errorf("compact pick over %s: %w", flags.Label(), err)
	}
	return count, nil
}

// ScanHost is the host reference of the exclusive scan, used by unit-test
// mode and by tests. It mutates a in place and returns the total.
func ScanHost(a []int32) int32 {
	var sum int32
	for i, v := range a {
		a[i] = sum
		sum += v
	}
	return sum
}

// CompactHost is the host reference of stream compaction.
func CompactHost(flags []int32) []int32 {
	var out []int32
	for i, f := range flags {
		if f != 0 {
			out = append(out, int32(i))
		}
	}
	return out
}
