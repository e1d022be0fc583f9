package collective

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-shardsync/internal/device"
	"github.com/23skdu/longbow-shardsync/internal/pgroup"
)

func TestDistributedSingleProcessMatchesLoopback(t *testing.T) {
	const numRanks, count = 4, 8
	backend := device.NewCPUBackend()
	full := numRanks * count

	newSends := func(ch Channel) ([]device.Buffer, []device.Buffer) {
		sends := make([]device.Buffer, numRanks)
		recvs := make([]device.Buffer, numRanks)
		for r := 0; r < numRanks; r++ {
			data := make([]float32, full)
			for i := range data {
				data[i] = float32(r+1) * float32(i)
			}
			sends[r] = backend.NewBuffer(full, data)
			recvs[r] = backend.NewBuffer(count, nil)
		}
		ch.GroupStart()
		for r := 0; r < numRanks; r++ {
			ch.ReduceScatter(r, sends[r], recvs[r], count)
		}
		ch.GroupEnd()
		ch.Synchronize()
		return sends, recvs
	}

	_, loopRecvs := newSends(NewLoopback(numRanks))
	_, distRecvs := newSends(NewDistributed(context.Background(), pgroup.Single{}, numRanks))

	for r := 0; r < numRanks; r++ {
		assert.Equal(t, loopRecvs[r].ToHost(), distRecvs[r].ToHost(), "rank %d", r)
	}
}

func TestDistributedRejectsForeignRank(t *testing.T) {
	backend := device.NewCPUBackend()
	d := NewDistributed(context.Background(), pgroup.Single{}, 2)

	d.GroupStart()
	d.AllReduce(0, backend.NewBuffer(4, nil), backend.NewBuffer(4, nil), 4)
	d.AllReduce(5, backend.NewBuffer(4, nil), backend.NewBuffer(4, nil), 4)
	assert.Panics(t, func() { d.GroupEnd() })
}

// procResult carries one simulated process's device buffers back to the
// assertion loop.
type procResult struct {
	err   error
	grads []device.Buffer
}

func TestDistributedReduceScatterAllGather(t *testing.T) {
	const procs, devsPerProc, count = 2, 2, 5
	numRanks := procs * devsPerProc
	full := numRanks * count

	coord, err := pgroup.StartCoordinator("127.0.0.1:0", procs)
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	results := make([]procResult, procs)
	var wg sync.WaitGroup
	for p := 0; p < procs; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			group, err := pgroup.Join(coord.Addr(), p, procs)
			if err != nil {
				results[p].err = err
				return
			}
			defer group.Close()

			backend := device.NewCPUBackend()
			ch := NewDistributed(ctx, group, devsPerProc)

			bufs := make([]device.Buffer, devsPerProc)
			for i := range bufs {
				rank := p*devsPerProc + i
				data := make([]float32, full)
				for j := range data {
					data[j] = float32(rank + 1)
				}
				bufs[i] = backend.NewBuffer(full, data)
			}

			ch.GroupStart()
			for i, b := range bufs {
				rank := p*devsPerProc + i
				ch.ReduceScatter(rank, b, b.SubRange(rank*count, count), count)
			}
			ch.GroupEnd()

			ch.GroupStart()
			for i, b := range bufs {
				rank := p*devsPerProc + i
				ch.AllGather(rank, b.SubRange(rank*count, count), b, count)
			}
			ch.GroupEnd()
			ch.Synchronize()

			results[p].grads = bufs
		}(p)
	}
	wg.Wait()

	// Every rank sent the constant rank+1, so each position sums to
	// 1+2+...+numRanks, and the all-gather leaves that everywhere.
	wantVal := float32(numRanks*(numRanks+1)) / 2
	want := make([]float32, full)
	for i := range want {
		want[i] = wantVal
	}
	for p := 0; p < procs; p++ {
		require.NoError(t, results[p].err, "process %d", p)
		for i, b := range results[p].grads {
			assert.Equal(t, want, b.ToHost(), "process %d device %d", p, i)
		}
	}
}

func TestDistributedAllReduce(t *testing.T) {
	const procs, devsPerProc, count = 2, 1, 6
	coord, err := pgroup.StartCoordinator("127.0.0.1:0", procs)
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	results := make([]procResult, procs)
	var wg sync.WaitGroup
	for p := 0; p < procs; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			group, err := pgroup.Join(coord.Addr(), p, procs)
			if err != nil {
				results[p].err = err
				return
			}
			defer group.Close()

			backend := device.NewCPUBackend()
			ch := NewDistributed(ctx, group, devsPerProc)

			data := make([]float32, count)
			for j := range data {
				data[j] = float32((p + 1) * (j + 1))
			}
			buf := backend.NewBuffer(count, data)

			ch.GroupStart()
			ch.AllReduce(p, buf, buf, count)
			ch.GroupEnd()
			ch.Synchronize()

			results[p].grads = []device.Buffer{buf}
		}(p)
	}
	wg.Wait()

	want := make([]float32, count)
	for j := range want {
		want[j] = float32(3 * (j + 1))
	}
	for p := 0; p < procs; p++ {
		require.NoError(t, results[p].err, "process %d", p)
		assert.Equal(t, want, results[p].grads[0].ToHost(), "process %d", p)
	}
}
