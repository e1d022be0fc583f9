package collective

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-shardsync/internal/device"
)

func TestReduceScatter(t *testing.T) {
	backend := device.NewCPUBackend()
	ch := NewLoopback(2)

	// Two ranks, 4 elements, 2 per rank.
	g0 := backend.NewBuffer(4, []float32{1, 2, 3, 4})
	g1 := backend.NewBuffer(4, []float32{10, 20, 30, 40})

	ch.GroupStart()
	ch.ReduceScatter(0, g0, g0.SubRange(0, 2), 2)
	ch.ReduceScatter(1, g1, g1.SubRange(2, 2), 2)
	ch.GroupEnd()
	ch.Synchronize()

	// Rank 0 holds the summed first block, rank 1 the summed second block.
	assert.Equal(t, []float32{11, 22}, g0.SubRange(0, 2).ToHost())
	assert.Equal(t, []float32{33, 44}, g1.SubRange(2, 2).ToHost())
}

func TestAllGather(t *testing.T) {
	backend := device.NewCPUBackend()
	ch := NewLoopback(2)

	p0 := backend.NewBuffer(4, []float32{1, 2, 0, 0})
	p1 := backend.NewBuffer(4, []float32{0, 0, 3, 4})

	ch.GroupStart()
	ch.AllGather(0, p0.SubRange(0, 2), p0, 2)
	ch.AllGather(1, p1.SubRange(2, 2), p1, 2)
	ch.GroupEnd()
	ch.Synchronize()

	want := []float32{1, 2, 3, 4}
	assert.Equal(t, want, p0.ToHost())
	assert.Equal(t, want, p1.ToHost())
}

func TestAllReduce(t *testing.T) {
	backend := device.NewCPUBackend()
	ch := NewLoopback(3)

	bufs := make([]device.Buffer, 3)
	for i := range bufs {
		v := float32(i + 1)
		bufs[i] = backend.NewBuffer(2, []float32{v, -v})
	}

	ch.GroupStart()
	for i, b := range bufs {
		ch.AllReduce(i, b, b, 2)
	}
	ch.GroupEnd()

	for i, b := range bufs {
		assert.Equal(t, []float32{6, -6}, b.ToHost(), "rank %d", i)
	}
}

func TestSingleRankImmediate(t *testing.T) {
	backend := device.NewCPUBackend()
	ch := NewLoopback(1)

	b := backend.NewBuffer(3, []float32{1, 2, 3})
	// No group needed with one rank.
	ch.AllReduce(0, b, b, 3)
	assert.Equal(t, []float32{1, 2, 3}, b.ToHost())
}

func TestGroupValidation(t *testing.T) {
	backend := device.NewCPUBackend()
	b := backend.NewBuffer(4, nil)

	t.Run("ungrouped multi-rank call", func(t *testing.T) {
		ch := NewLoopback(2)
		assert.Panics(t, func() { ch.AllReduce(0, b, b, 4) })
	})

	t.Run("missing rank", func(t *testing.T) {
		ch := NewLoopback(2)
		ch.GroupStart()
		ch.AllReduce(0, b, b, 4)
		assert.Panics(t, func() { ch.GroupEnd() })
	})

	t.Run("mixed kinds", func(t *testing.T) {
		ch := NewLoopback(2)
		ch.GroupStart()
		ch.AllReduce(0, b, b, 4)
		ch.AllGather(1, b.SubRange(0, 2), b, 2)
		assert.Panics(t, func() { ch.GroupEnd() })
	})

	t.Run("duplicate rank", func(t *testing.T) {
		ch := NewLoopback(2)
		ch.GroupStart()
		ch.AllReduce(0, b, b, 4)
		ch.AllReduce(0, b, b, 4)
		assert.Panics(t, func() { ch.GroupEnd() })
	})

	t.Run("empty group is a no-op", func(t *testing.T) {
		ch := NewLoopback(2)
		ch.GroupStart()
		require.NotPanics(t, func() { ch.GroupEnd() })
	})
}
