// Package device wraps the WebGPU compute surface used by the tracer:
// typed buffers, kernel compilation from WGSL source, 1D dispatch and
// host readback. All failures are fatal for the run; every error names the
// failing operation and buffer or kernel.
package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/cogentcore/webgpu/wgpu"
)

// Device is the compute façade. The queue executes submissions in order, so
// cross-dispatch ordering is carried by submission boundaries; Finish blocks
// until all submitted work is done.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	dev      *wgpu.Device
	queue    *wgpu.Queue

	useDouble bool
}

// Buffer is a typed device allocation.
type Buffer struct {
	raw   *wgpu.Buffer
	label string
	size  uint64
}

// Kernel is a compiled compute pipeline with a fixed work-group size.
type Kernel struct {
	name          string
	pipeline      *wgpu.ComputePipeline
	workGroupSize int
}

// Open acquires the first suitable adapter and creates a device.
func Open(useDouble bool) (*Device, error) {
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("no suitable compute adapter: %w", err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("requesting device: %w", err)
	}
	return &Device{
		instance:  instance,
		adapter:   adapter,
		dev:       dev,
		queue:     dev.GetQueue(),
		useDouble: useDouble,
	}, nil
}

// UseDouble reports the configured device float width.
func (d *Device) UseDouble() bool { return d.useDouble }

// RealSize returns the byte width of the device real type.
func (d *Device) RealSize() int {
	if d.useDouble {
		return 8
	}
	return 4
}

// MaxWorkGroupSize returns the largest power of two not exceeding the
// device's compute work-group limit.
func (d *Device) MaxWorkGroupSize() int {
	limits := d.dev.GetLimits()
	maxSize := int(limits.Limits.MaxComputeWorkgroupSizeX)
	if maxSize < 1 {
		maxSize = 1
	}
	size := 1
	for size*2 <= maxSize {
		size <<= 1
	}
	return size
}

// NewIntBuffer allocates storage for n int32 values.
func (d *Device) NewIntBuffer(label string, n int) (*Buffer, error) {
	return d.newStorage(label, uint64(n)*4)
}

// NewRealBuffer allocates storage for n device reals.
func (d *Device) NewRealBuffer(label string, n int) (*Buffer, error) {
	return d.newStorage(label, uint64(n)*uint64(d.RealSize()))
}

func (d *Device) newStorage(label string, size uint64) (*Buffer, error) {
	if size == 0 {
		// WebGPU rejects zero-sized bindings; keep a one-element stub.
		size = 4
	}
	raw, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("creating buffer %s: %w", label, err)
	}
	return &Buffer{raw: raw, label: label, size: size}, nil
}

// Label returns the buffer's debug name.
func (b *Buffer) Label() string { return b.label }

// Release frees the underlying allocation.
func (b *Buffer) Release() {
	if b.raw != nil {
		b.raw.Release()
		b.raw = nil
	}
}

// WriteInts uploads int32 data at an element offset.
func (d *Device) WriteInts(b *Buffer, offset int, data []int32) error {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
	}
	if err := d.queue.WriteBuffer(b.raw, uint64(offset)*4, raw); err != nil {
		return fmt.Errorf("writing buffer %s: %w", b.label, err)
	}
	return nil
}

// WriteReals uploads host float64 data, narrowing to f32 when the device is
// configured for single precision.
func (d *Device) WriteReals(b *Buffer, offset int, data []float64) error {
	raw := d.EncodeReals(data)
	if err := d.queue.WriteBuffer(b.raw, uint64(offset)*uint64(d.RealSize()), raw); err != nil {
		return fmt.Errorf("writing buffer %s: %w", b.label, err)
	}
	return nil
}

// EncodeReals converts host float64 values into the device real layout.
func (d *Device) EncodeReals(data []float64) []byte {
	if d.useDouble {
		raw := make([]byte, len(data)*8)
		for i, v := range data {
			binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
		}
		return raw
	}
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
	}
	return raw
}

// ReadInts copies n int32 values from a storage buffer back to the host.
// This is a synchronization point.
func (d *Device) ReadInts(b *Buffer, offset, n int) ([]int32, error) {
	raw, err := d.readback(b, uint64(offset)*4, uint64(n)*4)
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// ReadReals copies n device reals back to the host as float64.
// This is a synchronization point.
func (d *Device) ReadReals(b *Buffer, offset, n int) ([]float64, error) {
	rs := uint64(d.RealSize())
	raw, err := d.readback(b, uint64(offset)*rs, uint64(n)*rs)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	if d.useDouble {
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	} else {
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	}
	return out, nil
}

func (d *Device) readback(b *Buffer, offset, size uint64) ([]byte, error) {
	staging, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + " readback",
		Size:  size,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("creating readback for %s: %w", b.label, err)
	}
	defer staging.Release()

	encoder, err := d.dev.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("creating encoder for %s readback: %w", b.label, err)
	}
	encoder.CopyBufferToBuffer(b.raw, offset, staging, 0, size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("encoding %s readback: %w", b.label, err)
	}
	d.queue.Submit(cmd)

	mapped := false
	failed := false
	staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status == wgpu.BufferMapAsyncStatusSuccess {
			mapped = true
		} else {
			failed = true
		}
	})
	for !mapped && !failed {
		d.dev.Poll(true, nil)
	}
	if failed {
		return nil, fmt.Errorf("mapping readback for %s failed", b.label)
	}
	data := staging.GetMappedRange(0, uint(size))
	out := make([]byte, size)
	copy(out, data)
	staging.Unmap()
	return out, nil
}

// CopyBuffer enqueues a device-side copy of size bytes.
func (d *Device) CopyBuffer(src, dst *Buffer, srcOffset, dstOffset, size uint64) error {
	encoder, err := d.dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("creating encoder for copy %s -> %s: %w", src.label, dst.label, err)
	}
	encoder.CopyBufferToBuffer(src.raw, srcOffset, dst.raw, dstOffset, size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("encoding copy %s -> %s: %w", src.label, dst.label, err)
	}
	d.queue.Submit(cmd)
	return nil
}

// Compile builds a kernel from WGSL source. The source is textually
// specialized before compilation: the device real type is aliased, the
// work-group size constant is injected, and any extra substitution constants
// are prepended. A build failure surfaces the compiler's message verbatim.
func (d *Device) Compile(name, source string, workGroupSize int, consts map[string]int) (*Kernel, error) {
	return d.CompileEntry(name, source, "main", workGroupSize, consts)
}

// CompileEntry compiles one entry point of a source that declares several.
func (d *Device) CompileEntry(name, source, entryPoint string, workGroupSize int, consts map[string]int) (*Kernel, error) {
	var header strings.Builder
	if d.useDouble {
		header.WriteString("alias real = f64;\nalias real3 = vec3<f64>;\n")
	} else {
		header.WriteString("alias real = f32;\nalias real3 = vec3<f32>;\n")
	}
	fmt.Fprintf(&header, "const WORK_GROUP_SIZE : u32 = %du;\n", workGroupSize)
	for k, v := range consts {
		fmt.Fprintf(&header, "const %s : i32 = %d;\n", k, v)
	}

	module, err := d.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: header.String() + source},
	})
	if err != nil {
		return nil, fmt.Errorf("building kernel %s: %w", name, err)
	}
	pipeline, err := d.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: name,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline %s: %w", name, err)
	}
	return &Kernel{name: name, pipeline: pipeline, workGroupSize: workGroupSize}, nil
}

// Name returns the kernel's debug name.
func (k *Kernel) Name() string { return k.name }

// WorkGroupSize returns the compiled work-group size.
func (k *Kernel) WorkGroupSize() int { return k.workGroupSize }

// bindingsPerGroup is how many slots a kernel binds in one bind group
// before spilling into the next. Kernel sources follow the same rule:
// slot i lives at @group(i/8) @binding(i%8).
const bindingsPerGroup = 8

// Dispatch binds the given buffers at ascending slots (eight per bind
// group), uploads the uniform block (when non-nil) at the slot after the
// last buffer, and dispatches numGroups work groups.
func (d *Device) Dispatch(k *Kernel, numGroups int, buffers []*Buffer, uniform []byte) error {
	if numGroups <= 0 {
		return nil
	}
	raws := make([]*wgpu.Buffer, 0, len(buffers)+1)
	for _, b := range buffers {
		raws = append(raws, b.raw)
	}
	if uniform != nil {
		uniformBuf, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: k.name + " params",
			Size:  uint64(len(uniform)),
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("creating params for kernel %s: %w", k.name, err)
		}
		defer uniformBuf.Release()
		if err := d.queue.WriteBuffer(uniformBuf, 0, uniform); err != nil {
			return fmt.Errorf("writing params for kernel %s: %w", k.name, err)
		}
		raws = append(raws, uniformBuf)
	}

	var bindGroups []*wgpu.BindGroup
	for first := 0; first < len(raws); first += bindingsPerGroup {
		last := min(first+bindingsPerGroup, len(raws))
		entries := make([]wgpu.BindGroupEntry, 0, last-first)
		for i := first; i < last; i++ {
			entries = append(entries, wgpu.BindGroupEntry{
				Binding: uint32(i - first),
				Buffer:  raws[i],
				Size:    wgpu.WholeSize,
			})
		}
		bindGroup, err := d.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   k.name,
			Layout:  k.pipeline.GetBindGroupLayout(uint32(first / bindingsPerGroup)),
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("creating bind group %d for kernel %s: %w", first/bindingsPerGroup, k.name, err)
		}
		bindGroups = append(bindGroups, bindGroup)
	}

	encoder, err := d.dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("creating encoder for kernel %s: %w", k.name, err)
	}
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(k.pipeline)
	for g, bindGroup := range bindGroups {
		pass.SetBindGroup(uint32(g), bindGroup, nil)
	}
	pass.DispatchWorkgroups(uint32(numGroups), 1, 1)
	pass.End()
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("encoding kernel %s: %w", k.name, err)
	}
	d.queue.Submit(cmd)
	return nil
}

// DispatchCovering launches enough groups of k's work-group size to cover n
// items.
func (d *Device) DispatchCovering(k *Kernel, n int, buffers []*Buffer, uniform []byte) error {
	if n <= 0 {
		return nil
	}
	groups := (n + k.workGroupSize - 1) / k.workGroupSize
	return d.Dispatch(k, groups, buffers, uniform)
}

// Finish blocks until all submitted device work has completed.
func (d *Device) Finish() {
	d.dev.Poll(true, nil)
}

// Close releases the device.
func (d *Device) Close() {
	if d.dev != nil {
		d.dev.Release()
		d.dev = nil
	}
}

// PackInts encodes int32 values little-endian for uniform blocks.
func PackInts(vals ...int32) []byte {
	raw := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
	}
	return raw
}
