package eager

import (
	"reflect"
	"sync"

	"github.com/fusediff/fusediff/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/backends"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for the eager engine holds a shape and a reference to the flat data.
//
// Buffers handed out as execution outputs are always owned by the caller: the engine never
// aliases them with its internal temporaries.
type Buffer struct {
	shape shapes.Shape
	valid bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer from the backend pool of buffers.
func (b *Backend) getBuffer(dtype dtypes.DType, length int) *Buffer {
	pool := b.getBufferPool(dtype, length)
	buf := pool.Get().(*Buffer)
	buf.valid = true
	return buf
}

// putBuffer back into the backend pool of buffers.
// After this any references to buffer should be dropped.
func (b *Backend) putBuffer(buffer *Buffer) {
	if buffer == nil || !buffer.shape.Ok() {
		return
	}
	buffer.valid = false
	pool := b.getBufferPool(buffer.shape.DType, buffer.shape.Size())
	pool.Put(buffer)
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// cloneBuffer using the pool to allocate a new one.
func (b *Backend) cloneBuffer(buffer *Buffer) *Buffer {
	newBuffer := b.getBuffer(buffer.shape.DType, buffer.shape.Size())
	newBuffer.shape = buffer.shape.Clone()
	copyFlat(newBuffer.flat, buffer.flat)
	return newBuffer
}

// NewBuffer creates the buffer with a newly allocated flat space.
func (b *Backend) NewBuffer(shape shapes.Shape) *Buffer {
	buffer := b.getBuffer(shape.DType, shape.Size())
	buffer.shape = shape.Clone()
	return buffer
}

// checkBuffer converts a backends.Buffer to an eager *Buffer, verifying it is usable.
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

// BufferFinalize tells the engine the buffer is no longer needed, and its space can be reused.
//
// A finalized buffer should never be used again. Preferably, the caller should set its
// references to it to nil.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, err := b.checkBuffer(backendBuffer)
	if err != nil {
		return errors.WithMessage(err, "BufferFinalize")
	}
	b.putBuffer(buffer)
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

// BufferDeviceNum returns the deviceNum for the buffer: always 0 for the eager engine.
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
	buffer := b.NewBuffer(shape)
	copyFlat(buffer.flat, flat)
	return buffer, nil
}

// HasSharedBuffers returns true: the eager engine runs on the host and its buffers can be
// directly read or mutated by the client.
func (b *Backend) HasSharedBuffers() bool {
	return true
}

// NewSharedBuffer returns a buffer that can be both used as input for execution and
// directly read or mutated by the client.
//
// The shared buffer should not be mutated while it is in use by an execution.
func (b *Backend) NewSharedBuffer(deviceNum backends.DeviceNum, shape shapes.Shape) (buffer backends.Buffer, flat any, err error) {
	if deviceNum != 0 {
		return nil, nil, errors.Errorf("engine %q only supports deviceNum 0, cannot create buffer on deviceNum %d (shape=%s)",
			BackendName, deviceNum, shape)
	}
	newBuffer := b.NewBuffer(shape)
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
