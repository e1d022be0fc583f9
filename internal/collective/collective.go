// Package collective defines the device-level collective communication
// capability consumed by the communicator, and an in-process loopback
// engine implementing it over CPU buffers.
//
// A Channel spans a fixed set of ranks. Every rank must issue the matching
// collective call for an operation to complete; mismatched call sequences
// across participants are a programming error and block forever rather
// than being detected here.
package collective

import "github.com/23skdu/longbow-shardsync/internal/device"

// Channel is the collective engine boundary. Per-device submissions
// between GroupStart and GroupEnd form one logical collective step, after
// the style of the NCCL group API; all submissions of one step are issued
// from a single goroutine. Submission errors are fatal conditions and
// panic; an engine backed by real hardware wraps its status checks the
// same way.
type Channel interface {
	// NumRanks returns the number of ranks this channel spans.
	NumRanks() int

	// GroupStart begins batching per-device calls into one collective step.
	GroupStart()

	// GroupEnd submits the batched step. The operation may still be in
	// flight on the device when GroupEnd returns; Synchronize gives the
	// completion guarantee.
	GroupEnd()

	// ReduceScatter sums send across all ranks and writes the block owned
	// by rank (countPerRank elements at offset rank*countPerRank) into
	// recv. send holds the full vector; recv holds one block.
	ReduceScatter(rank int, send, recv device.Buffer, countPerRank int)

	// AllGather concatenates every rank's send block in rank order and
	// writes the full vector into recv on every rank. send holds one
	// block; recv holds the full vector.
	AllGather(rank int, send, recv device.Buffer, countPerRank int)

	// AllReduce sums send across all ranks and writes the full result
	// into recv on every rank.
	AllReduce(rank int, send, recv device.Buffer, count int)

	// Synchronize blocks until all submitted collective work is complete
	// on every local device stream.
	Synchronize()
}
