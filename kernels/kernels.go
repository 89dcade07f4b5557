// Package kernels embeds the WGSL device kernels. Sources are written
// against the precision-neutral aliases `real`/`real3`; the device façade
// injects the concrete binding (f32 or f64) and the work-group size at
// compile time, so a single source serves both precisions.
package kernels

import (
	_ "embed"
	"fmt"
)

//go:embed tet_block_intersection.wgsl
var TetBlockIntersectionWGSL string

//go:embed initial_cell_location.wgsl
var InitialCellLocationWGSL string

//go:embed exclusive_scan.wgsl
var ExclusiveScanWGSL string

//go:embed compact.wgsl
var CompactWGSL string

//go:embed collect_active.wgsl
var CollectActiveWGSL string

//go:embed redistribute.wgsl
var RedistributeWGSL string

//go:embed start_offsets.wgsl
var StartOffsetsWGSL string

//go:embed assign_groups.wgsl
var AssignGroupsWGSL string

//go:embed big_block.wgsl
var BigBlockWGSL string

//go:embed blocked_tracing_rk4.wgsl
var BlockedTracingRK4WGSL string

//go:embed blocked_tracing_fe.wgsl
var BlockedTracingFEWGSL string

// BlockedTracing returns the tracing kernel source for an integration
// method name.
func BlockedTracing(integration string) (string, error) {
	switch integration {
	case "RK4":
		return BlockedTracingRK4WGSL, nil
	case "FE":
		return BlockedTracingFEWGSL, nil
	default:
		return "", fmt.Errorf("no tracing kernel for integration method %q", integration)
	}
}
