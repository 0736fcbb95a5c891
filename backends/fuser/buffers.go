package fuser

import (
	"reflect"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/types/shapes"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// allocator accounts the bytes of live buffers against an optional budget.
//
// Unlike the eager engine, the fuser does not pool buffers: every allocation and release is
// visible to the budget, so budget-exhaustion behavior is deterministic.
type allocator struct {
	// budget in bytes. 0 means unlimited.
	budget uint64

	// live bytes currently allocated.
	live atomic.Int64
}

func newAllocator(budget uint64) *allocator {
	return &allocator{budget: budget}
}

// reserve accounts for numBytes of a new buffer, failing with backends.ErrOutOfMemory when
// the reservation would exceed the budget.
func (a *allocator) reserve(numBytes int) error {
	newLive := a.live.Add(int64(numBytes))
	if a.budget > 0 && newLive > 0 && uint64(newLive) > a.budget {
		a.live.Add(-int64(numBytes))
		return errors.Wrapf(backends.ErrOutOfMemory,
			"allocating %s would exceed the engine budget of %s (%s already live)",
			humanize.IBytes(uint64(numBytes)), humanize.IBytes(a.budget), humanize.IBytes(uint64(newLive)-uint64(numBytes)))
	}
	return nil
}

// release returns numBytes to the budget.
func (a *allocator) release(numBytes int) {
	a.live.Add(-int64(numBytes))
}

// inUse returns the bytes currently reserved.
func (a *allocator) inUse() uint64 {
	live := a.live.Load()
	if live < 0 {
		return 0
	}
	return uint64(live)
}

// Buffer for the fuser engine holds a shape and a reference to the flat data.
type Buffer struct {
	shape shapes.Shape
	valid bool

	// charged is whether the buffer's bytes were reserved from the budget individually.
	// Buffers created during execution are not: they are covered by the executable's plan
	// charge, so finalizing them is budget-neutral.
	charged bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// allocBuffer allocates a buffer for shape, accounted against the budget.
func (b *Backend) allocBuffer(shape shapes.Shape) (*Buffer, error) {
	numBytes := int(shape.Memory())
	if err := b.allocator.reserve(numBytes); err != nil {
		return nil, err
	}
	buffer := newRawBuffer(shape)
	buffer.charged = true
	return buffer, nil
}

// newRawBuffer allocates a buffer for shape without touching the budget -- see Buffer.charged.
func newRawBuffer(shape shapes.Shape) *Buffer {
	return &Buffer{
		shape: shape.Clone(),
		valid: true,
		flat:  reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface(),
	}
}

// freeBuffer invalidates the buffer and, if it was individually charged, returns its bytes to
// the budget. It is a no-op on buffers already freed.
func (b *Backend) freeBuffer(buffer *Buffer) {
	if buffer == nil || !buffer.valid {
		return
	}
	buffer.valid = false
	buffer.flat = nil
	if buffer.charged {
		b.allocator.release(int(buffer.shape.Memory()))
	}
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// cloneBuffer allocates a new buffer with the same shape and contents.
func (b *Backend) cloneBuffer(buffer *Buffer) (*Buffer, error) {
	newBuffer, err := b.allocBuffer(buffer.shape)
	if err != nil {
		return nil, err
	}
	copyFlat(newBuffer.flat, buffer.flat)
	return newBuffer, nil
}

// checkBuffer converts a backends.Buffer to a fuser *Buffer, verifying it is usable.
func (b *Backend) checkBuffer(backendBuffer backends.Buffer) (*Buffer, error) {
	buffer, ok := backendBuffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer is not a %q engine buffer", BackendName)
	}
	if buffer == nil || buffer.flat == nil || !buffer.shape.Ok() {
		return nil, errors.Errorf("buffer (%p) is empty or malformed", buffer)
	}
	if !buffer.valid {
		return nil, errors.Errorf("buffer (%p) was already finalized", buffer)
	}
	return buffer, nil
}

// BufferFinalize tells the engine the buffer is no longer needed: its bytes return to the
// budget immediately.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, err := b.checkBuffer(backendBuffer)
	if err != nil {
		return errors.WithMessage(err, "BufferFinalize")
	}
	b.freeBuffer(buffer)
	return nil
}

// BufferShape returns the shape for the buffer.
func (b *Backend) BufferShape(backendBuffer backends.Buffer) (shapes.Shape, error) {
	buffer, err := b.checkBuffer(backendBuffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buffer.shape, nil
}

// BufferDeviceNum returns the deviceNum for the buffer: always 0 for the fuser engine.
func (b *Backend) BufferDeviceNum(backendBuffer backends.Buffer) (backends.DeviceNum, error) {
	_, err := b.checkBuffer(backendBuffer)
	if err != nil {
		return 0, err
	}
	return 0, nil
}

// BufferToFlatData transfers the flat values of the buffer to the Go flat slice.
// The slice flat must have the exact number of elements required to store the buffer shape.
func (b *Backend) BufferToFlatData(backendBuffer backends.Buffer, flat any) error {
	buffer, err := b.checkBuffer(backendBuffer)
	if err != nil {
		return err
	}
	copyFlat(flat, buffer.flat)
	return nil
}

// BufferFromFlatData transfers data from a Go flat slice (of the type corresponding to the
// shape DType) to the engine, and returns the corresponding backends.Buffer.
//
// The new buffer counts against the engine's memory budget.
func (b *Backend) BufferFromFlatData(deviceNum backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	if deviceNum != 0 {
		return nil, errors.Errorf("engine %q only supports deviceNum 0, cannot create buffer on deviceNum %d (shape=%s)",
			BackendName, deviceNum, shape)
	}
	if dtypes.FromGoType(reflect.TypeOf(flat).Elem()) != shape.DType {
		return nil, errors.Errorf("flat data type (%s) does not match shape DType (%s)",
			reflect.TypeOf(flat).Elem(), shape.DType)
	}
	if reflect.ValueOf(flat).Len() != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s requires %d",
			reflect.ValueOf(flat).Len(), shape, shape.Size())
	}
	buffer, err := b.allocBuffer(shape)
	if err != nil {
		return nil, err
	}
	copyFlat(buffer.flat, flat)
	return buffer, nil
}

// HasSharedBuffers returns true: the fuser engine runs on the host and its buffers can be
// directly read or mutated by the client.
func (b *Backend) HasSharedBuffers() bool {
	return true
}

// NewSharedBuffer returns a buffer that can be both used as input for execution and directly
// read or mutated by the client.
//
// The shared buffer should not be mutated while it is in use by an execution.
func (b *Backend) NewSharedBuffer(deviceNum backends.DeviceNum, shape shapes.Shape) (buffer backends.Buffer, flat any, err error) {
	if deviceNum != 0 {
		return nil, nil, errors.Errorf("engine %q only supports deviceNum 0, cannot create buffer on deviceNum %d (shape=%s)",
			BackendName, deviceNum, shape)
	}
	newBuffer, err := b.allocBuffer(shape)
	if err != nil {
		return nil, nil, err
	}
	return newBuffer, newBuffer.flat, nil
}

// BufferData returns a slice pointing to the buffer storage memory directly.
//
// The returned slice becomes invalid after the buffer is finalized.
func (b *Backend) BufferData(backendBuffer backends.Buffer) (flat any, err error) {
	buffer, err := b.checkBuffer(backendBuffer)
	if err != nil {
		return nil, err
	}
	return buffer.flat, nil
}
