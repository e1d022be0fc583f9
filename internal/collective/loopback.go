package collective

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shardsync/internal/device"
	"github.com/23skdu/longbow-shardsync/internal/simd"
)

type opKind int

const (
	opReduceScatter opKind = iota
	opAllGather
	opAllReduce
)

func (k opKind) String() string {
	switch k {
	case opReduceScatter:
		return "reduce_scatter"
	case opAllGather:
		return "all_gather"
	default:
		return "all_reduce"
	}
}

type op struct {
	kind  opKind
	rank  int
	send  device.Buffer
	recv  device.Buffer
	count int
}

// ensure interface compliance
var _ Channel = (*Loopback)(nil)

// Loopback executes collectives over the devices of a single process by
// staging per-device submissions and resolving them in shared memory at
// GroupEnd. It spans exactly the local ranks 0..numRanks-1 and is the
// engine used by tests and CPU-only runs; multi-process jobs need a
// hardware channel spanning all ranks.
type Loopback struct {
	numRanks int
	grouped  bool
	staged   []op
}

// NewLoopback creates a loopback channel spanning numRanks local devices.
func NewLoopback(numRanks int) *Loopback {
	if numRanks < 1 {
		panic("collective: loopback channel needs at least one rank")
	}
	log.Debug().Int("ranks", numRanks).Msg("Using in-process loopback collective engine")
	return &Loopback{numRanks: numRanks}
}

func (l *Loopback) NumRanks() int { return l.numRanks }

func (l *Loopback) GroupStart() {
	if l.grouped {
		panic("collective: nested GroupStart")
	}
	l.grouped = true
}

func (l *Loopback) GroupEnd() {
	if !l.grouped {
		panic("collective: GroupEnd without GroupStart")
	}
	l.grouped = false
	staged := l.staged
	l.staged = l.staged[:0]
	if len(staged) == 0 {
		return
	}
	l.execute(staged)
}

func (l *Loopback) submit(o op) {
	if !l.grouped {
		// A single-rank channel can resolve the call immediately; with
		// more ranks the engine needs every rank's submission first.
		if l.numRanks == 1 {
			l.execute([]op{o})
			return
		}
		panic("collective: call must be issued between GroupStart and GroupEnd")
	}
	l.staged = append(l.staged, o)
}

func (l *Loopback) ReduceScatter(rank int, send, recv device.Buffer, countPerRank int) {
	l.submit(op{kind: opReduceScatter, rank: rank, send: send, recv: recv, count: countPerRank})
}

func (l *Loopback) AllGather(rank int, send, recv device.Buffer, countPerRank int) {
	l.submit(op{kind: opAllGather, rank: rank, send: send, recv: recv, count: countPerRank})
}

func (l *Loopback) AllReduce(rank int, send, recv device.Buffer, count int) {
	l.submit(op{kind: opAllReduce, rank: rank, send: send, recv: recv, count: count})
}

func (l *Loopback) Synchronize() {
	// Loopback collectives complete during GroupEnd.
}

// execute resolves one collective step. Every rank must have submitted the
// same operation with the same count; anything else means the participants
// disagree about the step and continuing would corrupt training state.
func (l *Loopback) execute(staged []op) {
	kind := staged[0].kind
	count := staged[0].count
	byRank := make([]*op, l.numRanks)
	for i := range staged {
		o := &staged[i]
		if o.kind != kind {
			panic(fmt.Sprintf("collective: mixed %s and %s in one group", kind, o.kind))
		}
		if o.count != count {
			panic(fmt.Sprintf("collective: count mismatch in %s group: %d vs %d", kind, count, o.count))
		}
		if o.rank < 0 || o.rank >= l.numRanks {
			panic(fmt.Sprintf("collective: rank %d outside channel of %d ranks", o.rank, l.numRanks))
		}
		if byRank[o.rank] != nil {
			panic(fmt.Sprintf("collective: duplicate %s submission for rank %d", kind, o.rank))
		}
		byRank[o.rank] = o
	}
	for rank, o := range byRank {
		if o == nil {
			panic(fmt.Sprintf("collective: %s group is missing rank %d", kind, rank))
		}
	}

	switch kind {
	case opReduceScatter:
		l.reduceScatter(byRank, count)
	case opAllGather:
		l.allGather(byRank, count)
	case opAllReduce:
		l.allReduce(byRank, count)
	}
}

func (l *Loopback) reduceScatter(byRank []*op, countPerRank int) {
	full := countPerRank * l.numRanks
	sum := make([]float32, full)
	for _, o := range byRank {
		if o.send.Size() != full {
			panic(fmt.Sprintf("collective: reduce_scatter send size %d, want %d", o.send.Size(), full))
		}
		simd.Add(hostView(o.send), sum)
	}
	// recv may alias the rank's own block of send, so all sends are summed
	// before any recv is written.
	for _, o := range byRank {
		if o.recv.Size() != countPerRank {
			panic(fmt.Sprintf("collective: reduce_scatter recv size %d, want %d", o.recv.Size(), countPerRank))
		}
		begin := o.rank * countPerRank
		o.recv.CopyFromHost(sum[begin : begin+countPerRank])
	}
}

func (l *Loopback) allGather(byRank []*op, countPerRank int) {
	full := countPerRank * l.numRanks
	gathered := make([]float32, full)
	for _, o := range byRank {
		if o.send.Size() != countPerRank {
			panic(fmt.Sprintf("collective: all_gather send size %d, want %d", o.send.Size(), countPerRank))
		}
		copy(gathered[o.rank*countPerRank:], hostView(o.send))
	}
	for _, o := range byRank {
		if o.recv.Size() != full {
			panic(fmt.Sprintf("collective: all_gather recv size %d, want %d", o.recv.Size(), full))
		}
		o.recv.CopyFromHost(gathered)
	}
}

func (l *Loopback) allReduce(byRank []*op, count int) {
	sum := make([]float32, count)
	for _, o := range byRank {
		if o.send.Size() != count {
			panic(fmt.Sprintf("collective: all_reduce send size %d, want %d", o.send.Size(), count))
		}
		simd.Add(hostView(o.send), sum)
	}
	for _, o := range byRank {
		if o.recv.Size() != count {
			panic(fmt.Sprintf("collective: all_reduce recv size %d, want %d", o.recv.Size(), count))
		}
		o.recv.CopyFromHost(sum)
	}
}

// hostView returns the buffer's host slice without copying when it is
// host-resident, falling back to a copy for foreign buffers.
func hostView(b device.Buffer) []float32 {
	if d := b.Data(); d != nil {
		return d
	}
	return b.ToHost()
}
