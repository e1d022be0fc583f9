package device

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-shardsync/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Buffer = (*CPUBuffer)(nil)

// CPUBackend keeps buffers in ordinary Go slices. It is the reference
// backend used by the in-process collective engine and by tests.
type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUBuffer{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewBuffer(size int, data []float32) Buffer {
	buf := &CPUBuffer{backend: b}
	if data == nil {
		buf.data = make([]float32, size)
	} else {
		if len(data) != size {
			panic(fmt.Sprintf("NewBuffer: provided data length %d does not match size %d", len(data), size))
		}
		buf.data = make([]float32, size)
		copy(buf.data, data)
	}
	return buf
}

func (b *CPUBackend) GetBuffer(size int) Buffer {
	v := b.pool.Get()
	cb, ok := v.(*CPUBuffer)
	if !ok || cb == nil {
		cb = &CPUBuffer{}
	}

	cb.backend = b
	if cap(cb.data) < size {
		cb.data = make([]float32, size)
		poolMisses.Inc()
	} else {
		cb.data = cb.data[:size]
		simd.Zero(cb.data)
		poolHits.Inc()
	}
	return cb
}

func (b *CPUBackend) PutBuffer(buf Buffer) {
	cb, ok := buf.(*CPUBuffer)
	if !ok {
		return // Don't pool foreign buffers
	}
	if cb.view {
		return // Views don't own their storage
	}
	b.pool.Put(cb)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

// CPUBuffer is a host-resident flat float32 buffer. SubRange views share
// the parent's storage.
type CPUBuffer struct {
	backend *CPUBackend
	data    []float32
	view    bool
}

func (t *CPUBuffer) Size() int {
	return len(t.data)
}

func (t *CPUBuffer) At(i int) float32 {
	return t.data[i]
}

func (t *CPUBuffer) Set(i int, v float32) {
	t.data[i] = v
}

func (t *CPUBuffer) Data() []float32 {
	return t.data
}

func (t *CPUBuffer) ToHost() []float32 {
	dst := make([]float32, len(t.data))
	copy(dst, t.data)
	return dst
}

func (t *CPUBuffer) CopyFromHost(data []float32) {
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("CopyFromHost: length %d does not match buffer size %d", len(data), len(t.data)))
	}
	copy(t.data, data)
}

func (t *CPUBuffer) CopyFrom(from Buffer) {
	if from.Size() != len(t.data) {
		panic(fmt.Sprintf("CopyFrom: source size %d does not match buffer size %d", from.Size(), len(t.data)))
	}
	if src := from.Data(); src != nil {
		copy(t.data, src)
		return
	}
	copy(t.data, from.ToHost())
}

func (t *CPUBuffer) SubRange(offset, length int) Buffer {
	if offset < 0 || length < 0 || offset+length > len(t.data) {
		panic(fmt.Sprintf("SubRange: [%d, %d) out of bounds for buffer of size %d", offset, offset+length, len(t.data)))
	}
	return &CPUBuffer{
		backend: t.backend,
		data:    t.data[offset : offset+length],
		view:    true,
	}
}
