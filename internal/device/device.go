package device

// Buffer represents a flat float32 vector resident on a compute device.
// Parameter and gradient storage, as well as shard views into them, are
// all Buffers.
type Buffer interface {
	// Size returns the element count.
	Size() int

	// At returns the value at index i.
	// This is often slow and should be used for debugging or infrequent access.
	At(i int) float32

	// Set sets the value at index i.
	Set(i int, v float32)

	// Data returns the underlying slice if the buffer is host-resident
	// (nil if on GPU).
	Data() []float32

	// ToHost copies the content to a fresh Go slice.
	ToHost() []float32

	// CopyFromHost copies data from a Go slice into the buffer.
	// The lengths must match.
	CopyFromHost(data []float32)

	// CopyFrom copies content from another buffer of the same size.
	CopyFrom(from Buffer)

	// SubRange returns a view of [offset, offset+length). The view shares
	// storage with the parent; writes through it are visible in the parent.
	SubRange(offset, length int) Buffer
}

// Backend creates buffers and manages device memory.
type Backend interface {
	Name() string

	// NewBuffer allocates a buffer of the given size, copying data into it
	// when data is non-nil.
	NewBuffer(size int, data []float32) Buffer

	// GetBuffer gets a zeroed buffer from the pool or creates a new one.
	GetBuffer(size int) Buffer

	// PutBuffer returns a buffer to the pool.
	PutBuffer(b Buffer)

	// Synchronize blocks until all queued device operations are complete.
	Synchronize()
}

// Replica is one local device's copy of the model: a full parameter buffer
// and a full gradient buffer of identical size.
type Replica interface {
	Backend() Backend
	Params() Buffer
	Grads() Buffer
	Size() int
}

type replica struct {
	backend Backend
	params  Buffer
	grads   Buffer
}

// NewReplica allocates a replica with zeroed parameter and gradient
// buffers of the given size on the backend.
func NewReplica(b Backend, size int) Replica {
	return &replica{
		backend: b,
		params:  b.NewBuffer(size, nil),
		grads:   b.NewBuffer(size, nil),
	}
}

func (r *replica) Backend() Backend { return r.backend }
func (r *replica) Params() Buffer   { return r.params }
func (r *replica) Grads() Buffer    { return r.grads }
func (r *replica) Size() int        { return r.params.Size() }
