// Package comm orchestrates sharded gradient and parameter synchronization
// across the devices and processes of one training job.
//
// A Communicator is bound to the local devices of one process. The flat
// parameter vector is partitioned into equal shards, one per global rank;
// gradients are reduce-scattered so each rank holds the globally summed
// values for its own shard, the optimizer updates that shard locally, and
// an all-gather propagates the updated shards back into every device's
// full buffer. The communicator only borrows the buffers during a call and
// holds no ownership across calls.
package comm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shardsync/internal/collective"
	"github.com/23skdu/longbow-shardsync/internal/device"
	"github.com/23skdu/longbow-shardsync/internal/dispatch"
	"github.com/23skdu/longbow-shardsync/internal/pgroup"
	"github.com/23skdu/longbow-shardsync/internal/shard"
)

// Communicator coordinates collective operations over the local device
// replicas of one process. All collective methods must be invoked on every
// process of the job in the same relative order; a skewed sequence blocks
// on the underlying primitives and is not detected here.
type Communicator struct {
	replicas []device.Replica
	channel  collective.Channel
	group    pgroup.Group
	pool     *dispatch.Pool
	dataSize int
}

// New creates a communicator over the given local replicas. The collective
// channel must span every rank of the job (process count times local
// device count), and the flat vector must divide evenly across the ranks.
func New(replicas []device.Replica, channel collective.Channel, group pgroup.Group) (*Communicator, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("comm: at least one local device replica is required")
	}
	dataSize := replicas[0].Size()
	for i, r := range replicas {
		if r.Size() != dataSize {
			return nil, fmt.Errorf("comm: replica %d holds %d elements, replica 0 holds %d", i, r.Size(), dataSize)
		}
	}

	numRanks := group.Size() * len(replicas)
	if channel.NumRanks() != numRanks {
		return nil, fmt.Errorf("comm: collective channel spans %d ranks, job has %d", channel.NumRanks(), numRanks)
	}
	shardSize := (dataSize + numRanks - 1) / numRanks
	if shardSize*numRanks != dataSize {
		return nil, fmt.Errorf("comm: %d elements do not divide evenly across %d ranks", dataSize, numRanks)
	}

	log.Info().
		Int("devices", len(replicas)).
		Int("processes", group.Size()).
		Int("ranks", numRanks).
		Int("data_size", dataSize).
		Int("shard_size", shardSize).
		Msg("Communicator ready")

	return &Communicator{
		replicas: replicas,
		channel:  channel,
		group:    group,
		pool:     dispatch.NewPool(len(replicas)),
		dataSize: dataSize,
	}, nil
}

// Close releases the dispatch workers. Collective calls must not be in
// flight.
func (c *Communicator) Close() {
	c.pool.Close()
}

// NumDevices returns the local device count.
func (c *Communicator) NumDevices() int { return len(c.replicas) }

// NumRanks returns the global rank count.
func (c *Communicator) NumRanks() int { return c.group.Size() * len(c.replicas) }

// DataSize returns the flat vector's element count.
func (c *Communicator) DataSize() int { return c.dataSize }

// ShardSize returns the per-rank shard element count.
func (c *Communicator) ShardSize() int { return shard.Size(c.dataSize, c.NumRanks()) }

// Rank maps a local device index to its global rank.
func (c *Communicator) Rank(local int) int {
	return shard.Rank(c.group.Rank(), len(c.replicas), local)
}

// ShardRange returns the flat-vector range owned by a local device's rank.
func (c *Communicator) ShardRange(local int) (begin, end int) {
	return shard.Range(c.dataSize, c.NumRanks(), c.Rank(local))
}

// Group returns the process group the communicator runs over.
func (c *Communicator) Group() pgroup.Group { return c.group }

// ScatterReduce sums each device's full gradient buffer across all ranks,
// leaving every device with the globally reduced values for its own shard.
// Positions outside the shard are stale after return. The device streams
// are synchronized before returning.
func (c *Communicator) ScatterReduce() {
	defer observe("scatter_reduce", c.dataSize*len(c.replicas))()

	shardSize := c.ShardSize()
	c.channel.GroupStart()
	for i, r := range c.replicas {
		begin, end := c.ShardRange(i)
		grads := r.Grads()
		c.channel.ReduceScatter(c.Rank(i), grads, grads.SubRange(begin, end-begin), shardSize)
	}
	c.channel.GroupEnd()
	c.channel.Synchronize()
}

// AllGather broadcasts each device's own shard to all ranks so that every
// device's full buffer is refreshed and identical across the job. It
// operates on the parameter buffers when params is true, on the gradient
// buffers otherwise. The device streams are synchronized before returning.
func (c *Communicator) AllGather(params bool) {
	defer observe("all_gather", c.dataSize*len(c.replicas))()

	shardSize := c.ShardSize()
	c.channel.GroupStart()
	for i, r := range c.replicas {
		begin, end := c.ShardRange(i)
		buf := r.Grads()
		if params {
			buf = r.Params()
		}
		c.channel.AllGather(c.Rank(i), buf.SubRange(begin, end-begin), buf, shardSize)
	}
	c.channel.GroupEnd()
	c.channel.Synchronize()
}

// AllReduceGrads sums the full gradient buffers across all ranks, leaving
// every device with the complete reduced vector. Sharded training prefers
// ScatterReduce followed by AllGather; this is the unsharded fallback.
func (c *Communicator) AllReduceGrads() {
	defer observe("all_reduce", c.dataSize*len(c.replicas))()

	c.channel.GroupStart()
	for i, r := range c.replicas {
		grads := r.Grads()
		c.channel.AllReduce(c.Rank(i), grads, grads, c.dataSize)
	}
	c.channel.GroupEnd()
	c.channel.Synchronize()
}

// Foreach runs fn once per local device with the device's shard range,
// concurrently when parallel is set. It returns after every callback has
// finished. Callbacks run on disjoint shards and must not share mutable
// state without their own synchronization.
func (c *Communicator) Foreach(fn func(local, begin, end int), parallel bool) {
	wrapped := func(i int) {
		begin, end := c.ShardRange(i)
		fn(i, begin, end)
	}
	if parallel && len(c.replicas) > 1 {
		c.pool.Run(len(c.replicas), wrapped)
	} else {
		c.pool.RunSequential(len(c.replicas), wrapped)
	}
}

// GatherState collects one CPU-side vector per local device via get,
// concatenates them in rank order, and extends the concatenation across
// all processes through the group's ordered broadcast rendezvous. Every
// process returns the identical full concatenation.
func (c *Communicator) GatherState(ctx context.Context, get func(local int) []float32) ([]float32, error) {
	defer observe("gather_state", 0)()

	var local []float32
	for i := range c.replicas {
		local = append(local, get(i)...)
	}
	if c.group.Size() == 1 {
		return local, nil
	}

	var full []float32
	for p := 0; p < c.group.Size(); p++ {
		var in []float32
		if p == c.group.Rank() {
			in = local
		}
		seg, err := c.group.Broadcast(ctx, p, in)
		if err != nil {
			return nil, fmt.Errorf("comm: gather state from process %d: %w", p, err)
		}
		full = append(full, seg...)
	}
	return full, nil
}

// ScatterState distributes slices of a CPU-side vector to the local
// devices via set. The vector is assumed identical on every process, so no
// communication happens; each device receives the slice for its global
// rank. An uneven split panics, as the data is almost certainly corrupt.
func (c *Communicator) ScatterState(data []float32, set func(local int, vals []float32)) {
	defer observe("scatter_state", 0)()

	numRanks := c.NumRanks()
	for i := range c.replicas {
		begin, end := shard.Range(len(data), numRanks, c.Rank(i))
		set(i, data[begin:end])
	}
}

// SwapParams exchanges the distributed smoothed parameter shards (one per
// local device) with the canonical parameter buffer replicated on every
// device: afterwards the replicated buffer holds what was smoothed, and
// the shard store holds the corresponding pieces of what was replicated.
// Only data moves; no arithmetic occurs. This is a collective call and
// must be invoked identically on every process of the job.
func (c *Communicator) SwapParams(ctx context.Context, shards []device.Buffer) error {
	defer observe("swap_params", c.dataSize)()

	if len(shards) != len(c.replicas) {
		panic(fmt.Sprintf("comm: %d parameter shards for %d local devices", len(shards), len(c.replicas)))
	}
	for i, s := range shards {
		begin, end := c.ShardRange(i)
		if s.Size() != end-begin {
			panic(fmt.Sprintf("comm: shard %d holds %d elements, its range is %d", i, s.Size(), end-begin))
		}
	}

	// Assemble the full smoothed vector from the distributed shards, and
	// read the canonical buffer from device 0 (all devices are identical
	// by the all-gather invariant).
	smoothed, err := c.GatherState(ctx, func(local int) []float32 {
		return shards[local].ToHost()
	})
	if err != nil {
		return fmt.Errorf("comm: swap params: %w", err)
	}
	canonical := c.replicas[0].Params().ToHost()
	if len(smoothed) != len(canonical) {
		panic(fmt.Sprintf("comm: smoothed vector holds %d elements, canonical %d", len(smoothed), len(canonical)))
	}

	// The old canonical content becomes the new shard store, and the old
	// smoothed content becomes the new replicated buffer on every device.
	c.ScatterState(canonical, func(local int, vals []float32) {
		shards[local].CopyFromHost(vals)
	})
	c.pool.Run(len(c.replicas), func(i int) {
		c.replicas[i].Params().CopyFromHost(smoothed)
	})
	return nil
}

// PushParams copies each local device's own shard of the parameter buffer
// into the corresponding shard buffer.
func (c *Communicator) PushParams(shards []device.Buffer) {
	if len(shards) != len(c.replicas) {
		panic(fmt.Sprintf("comm: %d parameter shards for %d local devices", len(shards), len(c.replicas)))
	}
	c.Foreach(func(local, begin, end int) {
		view := c.replicas[local].Params().SubRange(begin, shards[local].Size())
		shards[local].CopyFrom(view)
	}, true)
}

// PullParams writes each shard buffer into every local device's parameter
// buffer at the shard's offset.
func (c *Communicator) PullParams(shards []device.Buffer) {
	if len(shards) != len(c.replicas) {
		panic(fmt.Sprintf("comm: %d parameter shards for %d local devices", len(shards), len(c.replicas)))
	}
	c.Foreach(func(local, begin, end int) {
		for _, r := range c.replicas {
			r.Params().SubRange(begin, shards[local].Size()).CopyFrom(shards[local])
		}
	}, true)
}

// AllReduceScalar sums one value per local device across every rank of
// the job and returns the total, identical on all processes. The values
// ride in pooled one-element device buffers so the call allocates nothing
// in steady state.
func (c *Communicator) AllReduceScalar(vals []float32) float32 {
	defer observe("all_reduce_scalar", len(vals))()

	if len(vals) != len(c.replicas) {
		panic(fmt.Sprintf("comm: %d values for %d local devices", len(vals), len(c.replicas)))
	}
	bufs := make([]device.Buffer, len(vals))
	c.channel.GroupStart()
	for i, v := range vals {
		b := c.replicas[i].Backend().GetBuffer(1)
		b.Set(0, v)
		bufs[i] = b
		c.channel.AllReduce(c.Rank(i), b, b, 1)
	}
	c.channel.GroupEnd()
	c.channel.Synchronize()

	total := bufs[0].At(0)
	for i, b := range bufs {
		c.replicas[i].Backend().PutBuffer(b)
	}
	return total
}

// Barrier blocks until every process of the job has reached it.
func (c *Communicator) Barrier(ctx context.Context) error {
	return c.group.Barrier(ctx)
}

// observe times a collective call and accounts its payload.
func observe(op string, elements int) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		collectiveDuration.WithLabelValues(op).Observe(elapsed.Seconds())
		collectiveCalls.WithLabelValues(op).Inc()
		if elements > 0 {
			collectiveBytes.WithLabelValues(op).Add(float64(elements * 4))
		}
		log.Debug().Str("op", op).Dur("elapsed", elapsed).Int("elements", elements).Msg("Collective complete")
	}
}
