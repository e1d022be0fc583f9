// Package pgroup provides the process-level rendezvous primitives used by
// the communicator: a barrier across all worker processes and an ordered
// broadcast of float vectors. Device-level collectives live in the
// collective package; pgroup only coordinates whole processes.
package pgroup

import "context"

// Group is one process's handle on the job's process group. Barrier and
// Broadcast are collective: every process must issue the matching call, in
// the same relative order. A skewed call sequence is not detected and
// blocks until the context is cancelled or the operator kills the job.
type Group interface {
	// Rank returns this process's rank, in [0, Size).
	Rank() int

	// Size returns the number of processes in the job.
	Size() int

	// Barrier blocks until every process has reached it.
	Barrier(ctx context.Context) error

	// Broadcast distributes root's vals to every process. The root passes
	// the data and gets it back unchanged; other ranks pass nil and
	// receive root's vector.
	Broadcast(ctx context.Context, root int, vals []float32) ([]float32, error)

	// Close releases the group's connection. The group must not be used
	// afterwards.
	Close() error
}

// ensure interface compliance
var _ Group = Single{}

// Single is the degenerate group for single-process jobs.
type Single struct{}

func (Single) Rank() int { return 0 }
func (Single) Size() int { return 1 }

func (Single) Barrier(context.Context) error { return nil }

func (Single) Broadcast(_ context.Context, root int, vals []float32) ([]float32, error) {
	if root != 0 {
		panic("pgroup: broadcast root out of range for single-process group")
	}
	return vals, nil
}

func (Single) Close() error { return nil }
