package pgroup

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ensure interface compliance
var _ Group = (*FlightGroup)(nil)

// FlightGroup is a process group backed by a coordinator Flight service.
// Every process, including the one hosting the coordinator, joins as a
// client. The collective sequence number advances identically on every
// rank because collective calls are issued in the same order everywhere;
// it is what matches a rank's barrier or broadcast with its peers'.
type FlightGroup struct {
	rank   int
	size   int
	seq    atomic.Uint64
	conn   *grpc.ClientConn
	client flight.Client
	alloc  memory.Allocator
}

// Join connects rank to the coordinator at addr for a job of size
// processes. The connection is lazy; the first collective call blocks
// until the coordinator is reachable.
func Join(addr string, rank, size int) (*FlightGroup, error) {
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("pgroup: rank %d out of range for %d processes", rank, size)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("pgroup: failed to connect to coordinator at %s: %w", addr, err)
	}

	log.Info().Str("coordinator", addr).Int("rank", rank).Int("size", size).Msg("Joined process group")
	return &FlightGroup{
		rank:   rank,
		size:   size,
		conn:   conn,
		client: flight.NewClientFromConn(conn, nil),
		alloc:  memory.NewGoAllocator(),
	}, nil
}

func (g *FlightGroup) Rank() int { return g.rank }
func (g *FlightGroup) Size() int { return g.size }

// Barrier blocks until every process in the group has issued its matching
// barrier call.
func (g *FlightGroup) Barrier(ctx context.Context) error {
	seq := g.seq.Add(1)
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, seq)

	stream, err := g.client.DoAction(ctx, &flight.Action{Type: actionBarrier, Body: body}, grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("pgroup: barrier %d failed: %w", seq, err)
	}
	if _, err := stream.Recv(); err != nil {
		return fmt.Errorf("pgroup: barrier %d failed: %w", seq, err)
	}
	// Drain the action stream.
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pgroup: barrier %d failed: %w", seq, err)
		}
	}
}

// Broadcast distributes root's vals to every rank.
func (g *FlightGroup) Broadcast(ctx context.Context, root int, vals []float32) ([]float32, error) {
	if root < 0 || root >= g.size {
		panic(fmt.Sprintf("pgroup: broadcast root %d out of range for %d processes", root, g.size))
	}
	seq := g.seq.Add(1)
	if g.size == 1 {
		return vals, nil
	}
	if g.rank == root {
		if err := g.put(ctx, seq, vals); err != nil {
			return nil, err
		}
		return vals, nil
	}
	return g.get(ctx, seq)
}

func (g *FlightGroup) put(ctx context.Context, seq uint64, vals []float32) error {
	stream, err := g.client.DoPut(ctx, grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("pgroup: broadcast %d put failed: %w", seq, err)
	}

	builder := array.NewFloat32Builder(g.alloc)
	defer builder.Release()
	builder.AppendValues(vals, nil)
	col := builder.NewArray()
	defer col.Release()
	rec := array.NewRecordBatch(vectorSchema, []arrow.Array{col}, int64(len(vals)))
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(vectorSchema), ipc.WithAllocator(g.alloc))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{bcastPrefix, strconv.FormatUint(seq, 10)},
	})
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("pgroup: broadcast %d put failed: %w", seq, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("pgroup: broadcast %d put failed: %w", seq, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("pgroup: broadcast %d put failed: %w", seq, err)
	}
	// Wait for the coordinator to acknowledge the payload before moving
	// on; receivers only unblock once it is stored.
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pgroup: broadcast %d put failed: %w", seq, err)
		}
	}
}

func (g *FlightGroup) get(ctx context.Context, seq uint64) ([]float32, error) {
	key := bcastPrefix + "/" + strconv.FormatUint(seq, 10)
	stream, err := g.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(key)}, grpc.WaitForReady(true))
	if err != nil {
		return nil, fmt.Errorf("pgroup: broadcast %d get failed: %w", seq, err)
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(g.alloc))
	if err != nil {
		return nil, fmt.Errorf("pgroup: broadcast %d get failed: %w", seq, err)
	}
	defer reader.Release()

	var out []float32
	for reader.Next() {
		rec := reader.Record()
		col, ok := rec.Column(0).(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("pgroup: broadcast %d carried a non-float32 column", seq)
		}
		out = append(out, col.Float32Values()...)
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("pgroup: broadcast %d get failed: %w", seq, err)
	}
	return out, nil
}

// Close closes the connection to the coordinator.
func (g *FlightGroup) Close() error {
	return g.conn.Close()
}
