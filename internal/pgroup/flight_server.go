package pgroup

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
)

const (
	actionBarrier = "barrier"
	bcastPrefix   = "bcast"
)

// vectorSchema is the wire schema for broadcast payloads: a single
// float32 column.
var vectorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "values", Type: arrow.PrimitiveTypes.Float32},
	},
	nil,
)

type barrierState struct {
	arrived int
	done    chan struct{}
}

type castState struct {
	data   []float32
	ready  chan struct{}
	served int
}

// CoordinatorServer is the Flight service backing a FlightGroup. One
// process (by convention rank 0) hosts it; every rank, the host included,
// talks to it through a FlightGroup client. Barriers arrive as DoAction
// calls that block until all processes have checked in; broadcasts arrive
// as a DoPut from the root and matching DoGets from the other ranks, keyed
// by a per-group sequence number.
type CoordinatorServer struct {
	flight.BaseFlightServer
	size  int
	alloc memory.Allocator

	mu       sync.Mutex
	barriers map[uint64]*barrierState
	casts    map[string]*castState

	srv flight.Server
}

// StartCoordinator starts a coordinator for a job of size processes,
// listening on addr ("host:0" picks a free port). The returned server is
// running; use Addr to hand its address to the workers and Shutdown to
// stop it.
func StartCoordinator(addr string, size int) (*CoordinatorServer, error) {
	if size < 1 {
		return nil, fmt.Errorf("pgroup: coordinator needs at least one process, got %d", size)
	}
	c := &CoordinatorServer{
		size:     size,
		alloc:    memory.NewGoAllocator(),
		barriers: make(map[uint64]*barrierState),
		casts:    make(map[string]*castState),
	}

	srv := flight.NewFlightServer()
	srv.RegisterFlightService(c)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("pgroup: failed to init coordinator listener: %w", err)
	}
	c.srv = srv

	go func() {
		if err := srv.Serve(); err != nil {
			log.Error().Err(err).Msg("Coordinator server stopped")
		}
	}()

	log.Info().Str("addr", srv.Addr().String()).Int("size", size).Msg("Started process group coordinator")
	return c, nil
}

// Addr returns the address the coordinator is listening on.
func (c *CoordinatorServer) Addr() string {
	return c.srv.Addr().String()
}

// Shutdown stops the server. In-flight rendezvous calls fail.
func (c *CoordinatorServer) Shutdown() {
	c.srv.Shutdown()
}

// DoAction handles barrier rendezvous. The action body carries the
// caller's collective sequence number; the call returns once all
// processes have arrived at the same sequence.
func (c *CoordinatorServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	if action.Type != actionBarrier {
		return fmt.Errorf("unknown action %q", action.Type)
	}
	if len(action.Body) != 8 {
		return fmt.Errorf("barrier body must be an 8-byte sequence number")
	}
	seq := binary.LittleEndian.Uint64(action.Body)

	c.mu.Lock()
	b := c.barriers[seq]
	if b == nil {
		b = &barrierState{done: make(chan struct{})}
		c.barriers[seq] = b
	}
	b.arrived++
	if b.arrived == c.size {
		close(b.done)
		delete(c.barriers, seq)
	}
	c.mu.Unlock()

	select {
	case <-b.done:
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	return stream.Send(&flight.Result{Body: action.Body})
}

// DoPut stores a broadcast payload from the root rank under the key in
// the flight descriptor path.
func (c *CoordinatorServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) != 2 || desc.Path[0] != bcastPrefix {
		return fmt.Errorf("broadcast descriptor must be a path [%s, seq]", bcastPrefix)
	}
	key := desc.Path[0] + "/" + desc.Path[1]

	var data []float32
	for reader.Next() {
		rec := reader.Record()
		if rec.NumCols() != 1 {
			return fmt.Errorf("broadcast batch must have one column, got %d", rec.NumCols())
		}
		col, ok := rec.Column(0).(*array.Float32)
		if !ok {
			return fmt.Errorf("broadcast column must be float32")
		}
		data = append(data, col.Float32Values()...)
	}
	if err := reader.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	cast := c.casts[key]
	if cast == nil {
		cast = &castState{ready: make(chan struct{})}
		c.casts[key] = cast
	}
	cast.data = data
	close(cast.ready)
	c.mu.Unlock()

	log.Debug().Str("key", key).Int("elements", len(data)).Msg("Broadcast payload stored")
	return nil
}

// DoGet serves a broadcast payload to a receiving rank, blocking until
// the root has put it.
func (c *CoordinatorServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	key := string(ticket.Ticket)

	c.mu.Lock()
	cast := c.casts[key]
	if cast == nil {
		cast = &castState{ready: make(chan struct{})}
		c.casts[key] = cast
	}
	c.mu.Unlock()

	select {
	case <-cast.ready:
	case <-stream.Context().Done():
		return stream.Context().Err()
	}

	builder := array.NewFloat32Builder(c.alloc)
	defer builder.Release()
	builder.AppendValues(cast.data, nil)
	col := builder.NewArray()
	defer col.Release()

	rec := array.NewRecordBatch(vectorSchema, []arrow.Array{col}, int64(len(cast.data)))
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(vectorSchema), ipc.WithAllocator(c.alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	// Each of the size-1 receivers fetches the payload once; drop it after
	// the last one so long jobs don't accumulate state.
	c.mu.Lock()
	cast.served++
	if cast.served >= c.size-1 {
		delete(c.casts, key)
	}
	c.mu.Unlock()
	return nil
}
