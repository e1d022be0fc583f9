package collective

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shardsync/internal/device"
	"github.com/23skdu/longbow-shardsync/internal/pgroup"
	"github.com/23skdu/longbow-shardsync/internal/simd"
)

var _ Channel = (*Distributed)(nil)

// Distributed spans every rank of a multi-process job. Each process sums
// its local devices' contribution in memory, then the per-process sums
// are folded together over the group's ordered broadcast rendezvous, so
// every collective costs one full-vector broadcast per process. This is
// the software fallback engine; a hardware channel replaces it where one
// exists.
type Distributed struct {
	ctx          context.Context
	group        pgroup.Group
	localDevices int
	grouped      bool
	staged       []op
}

// NewDistributed creates a channel over all processes of group with
// localDevices device ranks per process. The context bounds every
// rendezvous exchange; canceling it is the only way out of a collective
// whose peers never arrive.
func NewDistributed(ctx context.Context, group pgroup.Group, localDevices int) *Distributed {
	if localDevices < 1 {
		panic("collective: distributed channel needs at least one local device")
	}
	log.Debug().
		Int("processes", group.Size()).
		Int("local_devices", localDevices).
		Msg("Using rendezvous-backed distributed collective engine")
	return &Distributed{ctx: ctx, group: group, localDevices: localDevices}
}

func (d *Distributed) NumRanks() int { return d.group.Size() * d.localDevices }

// rankBase returns the first global rank owned by this process.
func (d *Distributed) rankBase() int { return d.group.Rank() * d.localDevices }

func (d *Distributed) GroupStart() {
	if d.grouped {
		panic("collective: nested GroupStart")
	}
	d.grouped = true
}

func (d *Distributed) GroupEnd() {
	if !d.grouped {
		panic("collective: GroupEnd without GroupStart")
	}
	d.grouped = false
	staged := d.staged
	d.staged = d.staged[:0]
	if len(staged) == 0 {
		return
	}
	d.execute(staged)
}

func (d *Distributed) submit(o op) {
	if !d.grouped {
		if d.NumRanks() == 1 {
			d.execute([]op{o})
			return
		}
		panic("collective: call must be issued between GroupStart and GroupEnd")
	}
	d.staged = append(d.staged, o)
}

func (d *Distributed) ReduceScatter(rank int, send, recv device.Buffer, countPerRank int) {
	d.submit(op{kind: opReduceScatter, rank: rank, send: send, recv: recv, count: countPerRank})
}

func (d *Distributed) AllGather(rank int, send, recv device.Buffer, countPerRank int) {
	d.submit(op{kind: opAllGather, rank: rank, send: send, recv: recv, count: countPerRank})
}

func (d *Distributed) AllReduce(rank int, send, recv device.Buffer, count int) {
	d.submit(op{kind: opAllReduce, rank: rank, send: send, recv: recv, count: count})
}

func (d *Distributed) Synchronize() {
	// Collectives complete during GroupEnd, rendezvous included.
}

// execute resolves one collective step. A process submits exactly one op
// per local device, for the global ranks it owns; the remote shares
// arrive through the rendezvous.
func (d *Distributed) execute(staged []op) {
	kind := staged[0].kind
	count := staged[0].count
	base := d.rankBase()
	byLocal := make([]*op, d.localDevices)
	for i := range staged {
		o := &staged[i]
		if o.kind != kind {
			panic(fmt.Sprintf("collective: mixed %s and %s in one group", kind, o.kind))
		}
		if o.count != count {
			panic(fmt.Sprintf("collective: count mismatch in %s group: %d vs %d", kind, count, o.count))
		}
		local := o.rank - base
		if local < 0 || local >= d.localDevices {
			panic(fmt.Sprintf("collective: rank %d is not local to process %d", o.rank, d.group.Rank()))
		}
		if byLocal[local] != nil {
			panic(fmt.Sprintf("collective: duplicate %s submission for rank %d", kind, o.rank))
		}
		byLocal[local] = o
	}
	for local, o := range byLocal {
		if o == nil {
			panic(fmt.Sprintf("collective: %s group is missing rank %d", kind, base+local))
		}
	}

	full := count
	if kind != opAllReduce {
		full = count * d.NumRanks()
	}
	contribution := make([]float32, full)

	switch kind {
	case opReduceScatter, opAllReduce:
		for _, o := range byLocal {
			if o.send.Size() != full {
				panic(fmt.Sprintf("collective: %s send size %d, want %d", kind, o.send.Size(), full))
			}
			simd.Add(hostView(o.send), contribution)
		}
	case opAllGather:
		for _, o := range byLocal {
			if o.send.Size() != count {
				panic(fmt.Sprintf("collective: all_gather send size %d, want %d", o.send.Size(), count))
			}
			copy(contribution[o.rank*count:], hostView(o.send))
		}
	}

	global := d.foldAcrossProcesses(contribution)

	switch kind {
	case opReduceScatter:
		for _, o := range byLocal {
			if o.recv.Size() != count {
				panic(fmt.Sprintf("collective: reduce_scatter recv size %d, want %d", o.recv.Size(), count))
			}
			begin := o.rank * count
			o.recv.CopyFromHost(global[begin : begin+count])
		}
	case opAllGather, opAllReduce:
		for _, o := range byLocal {
			if o.recv.Size() != full {
				panic(fmt.Sprintf("collective: %s recv size %d, want %d", kind, o.recv.Size(), full))
			}
			o.recv.CopyFromHost(global)
		}
	}
}

// foldAcrossProcesses sums every process's contribution vector via the
// ordered broadcast. All-gather contributions are zero outside the ranks
// a process owns, so summing doubles as placement. A rendezvous failure
// leaves the job's ranks out of step, which no amount of local recovery
// can repair, so it panics like any other fatal collective fault.
func (d *Distributed) foldAcrossProcesses(contribution []float32) []float32 {
	if d.group.Size() == 1 {
		return contribution
	}
	sum := make([]float32, len(contribution))
	for p := 0; p < d.group.Size(); p++ {
		var in []float32
		if p == d.group.Rank() {
			in = contribution
		}
		seg, err := d.group.Broadcast(d.ctx, p, in)
		if err != nil {
			panic(fmt.Sprintf("collective: rendezvous with process %d failed: %v", p, err))
		}
		if len(seg) != len(contribution) {
			panic(fmt.Sprintf("collective: process %d contributed %d elements, want %d", p, len(seg), len(contribution)))
		}
		simd.Add(seg, sum)
	}
	return sum
}
