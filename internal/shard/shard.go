// Package shard computes the partitioning of a flat parameter vector
// across the ranks of a training job. All functions are pure: every rank
// computes the same boundaries independently, without communicating them.
package shard

import "fmt"

// Size returns the number of elements per shard when dataSize elements are
// split across numRanks ranks. All shards must have identical size; an
// uneven split is a configuration bug and panics rather than silently
// truncating the last shard.
func Size(dataSize, numRanks int) int {
	if dataSize <= 0 || numRanks <= 0 {
		panic(fmt.Sprintf("shard: invalid partition %d elements across %d ranks", dataSize, numRanks))
	}
	size := (dataSize + numRanks - 1) / numRanks
	if size*numRanks != dataSize {
		panic(fmt.Sprintf("shard: %d elements do not divide evenly across %d ranks (shard size %d)", dataSize, numRanks, size))
	}
	return size
}

// Range returns the half-open index range [begin, end) owned by rank.
func Range(dataSize, numRanks, rank int) (begin, end int) {
	size := Size(dataSize, numRanks)
	begin = rank * size
	end = begin + size
	// Clip the last shard. With the uniform-size precondition in Size this
	// never shrinks it, but the clamp keeps Range safe on its own.
	if end > dataSize {
		end = dataSize
	}
	return begin, end
}

// Rank maps a (process, local device) pair to its global rank. Ordering is
// process-major: all local devices of process 0 come before process 1.
func Rank(processRank, devicesPerProcess, localDevice int) int {
	return processRank*devicesPerProcess + localDevice
}

// NumRanks returns the total rank count for a job of numProcesses processes
// with devicesPerProcess local devices each.
func NumRanks(numProcesses, devicesPerProcess int) int {
	return numProcesses * devicesPerProcess
}
