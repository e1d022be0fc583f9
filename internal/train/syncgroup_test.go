package train

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-shardsync/internal/collective"
	"github.com/23skdu/longbow-shardsync/internal/comm"
	"github.com/23skdu/longbow-shardsync/internal/device"
	"github.com/23skdu/longbow-shardsync/internal/pgroup"
	"github.com/23skdu/longbow-shardsync/internal/records"
)

func newGroup(t *testing.T, numDevices, dataSize int, cfg Config) (*SyncGroup, *comm.Communicator, []device.Replica) {
	t.Helper()
	backend := device.NewCPUBackend()
	replicas := make([]device.Replica, numDevices)
	for i := range replicas {
		replicas[i] = device.NewReplica(backend, dataSize)
	}
	c, err := comm.New(replicas, collective.NewLoopback(numDevices), pgroup.Single{})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	g, err := New(c, replicas, cfg)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g, c, replicas
}

func setParams(replicas []device.Replica, vals []float32) {
	for _, r := range replicas {
		r.Params().CopyFromHost(vals)
	}
}

func fillGrads(replicas []device.Replica, fn func(dev, idx int) float32) {
	for d, r := range replicas {
		g := make([]float32, r.Size())
		for i := range g {
			g[i] = fn(d, i)
		}
		r.Grads().CopyFromHost(g)
	}
}

func TestNewValidation(t *testing.T) {
	backend := device.NewCPUBackend()
	replicas := []device.Replica{device.NewReplica(backend, 8), device.NewReplica(backend, 8)}
	c, err := comm.New(replicas, collective.NewLoopback(2), pgroup.Single{})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = New(c, replicas[:1], Config{Optimizer: "sgd", LearningRate: 0.1})
	assert.Error(t, err, "replica count must match the communicator")

	_, err = New(c, replicas, Config{Optimizer: "momentum", LearningRate: 0.1})
	assert.Error(t, err, "unknown optimizer must be rejected")

	_, err = New(c, replicas, Config{Optimizer: "sgd", LearningRate: 0.1, SmoothingDecay: 1})
	assert.Error(t, err, "decay of 1 never moves the average")

	_, err = New(c, replicas, Config{Optimizer: "sgd", LearningRate: 0.1, GradClipNorm: -1})
	assert.Error(t, err)
}

func TestStepReportsGradNorm(t *testing.T) {
	g, _, replicas := newGroup(t, 2, 8, Config{Optimizer: "sgd", LearningRate: 0.1})

	// Every device sends ones, so the reduced gradient is 2 everywhere
	// and its norm is sqrt(8 * 2^2).
	fillGrads(replicas, func(dev, idx int) float32 { return 1 })
	g.Step()
	assert.InDelta(t, math.Sqrt(32), float64(g.GradNorm()), 1e-5)
}

func TestGradientClipping(t *testing.T) {
	const clip = 1.0
	g, _, replicas := newGroup(t, 2, 8, Config{Optimizer: "sgd", LearningRate: 1, GradClipNorm: clip})

	fillGrads(replicas, func(dev, idx int) float32 { return 1 })
	g.Step()

	// Reduced gradient is 2 with norm sqrt(32) > 1, so the update uses
	// 2 * clip/norm per position. GradNorm reports the pre-clip norm.
	norm := float32(math.Sqrt(32))
	assert.InDelta(t, float64(norm), float64(g.GradNorm()), 1e-5)
	want := -2 * clip / norm
	for _, v := range replicas[0].Params().ToHost() {
		assert.InDelta(t, float64(want), float64(v), 1e-5)
	}

	clipped, _, clippedReplicas := newGroup(t, 2, 8, Config{Optimizer: "sgd", LearningRate: 1, GradClipNorm: 100})
	fillGrads(clippedReplicas, func(dev, idx int) float32 { return 1 })
	clipped.Step()
	assert.InDelta(t, -2.0, float64(clippedReplicas[0].Params().ToHost()[0]), 1e-5,
		"a norm under the threshold must pass through unscaled")
}

func TestCloseReleasesSmoothedShards(t *testing.T) {
	g, _, replicas := newGroup(t, 2, 8, Config{Optimizer: "sgd", LearningRate: 1, SmoothingDecay: 0.9})

	// Pooled shard buffers arrive zeroed.
	for _, shard := range g.SmoothedShards() {
		assert.Equal(t, make([]float32, 4), shard.ToHost())
	}

	fillGrads(replicas, func(dev, idx int) float32 { return 1 })
	g.Step()

	g.Close()
	assert.Nil(t, g.SmoothedShards())
	g.Close()
}

func TestStepSGDMatchesScalarUpdate(t *testing.T) {
	const lr = 0.5
	g, _, replicas := newGroup(t, 2, 8, Config{Optimizer: "sgd", LearningRate: lr})

	init := make([]float32, 8)
	for i := range init {
		init[i] = float32(i)
	}
	setParams(replicas, init)
	fillGrads(replicas, func(dev, idx int) float32 {
		return float32(dev+1) * 0.1 * float32(idx)
	})

	g.Step()

	want := make([]float32, 8)
	for i := range want {
		gradSum := (0.1 + 0.2) * float32(i)
		want[i] = init[i] - lr*gradSum
	}
	for d, r := range replicas {
		assert.InDeltaSlice(t, want, r.Params().ToHost(), 1e-5, "device %d", d)
	}
	assert.Equal(t, uint64(1), g.Steps())
}

func TestStepKeepsReplicasIdentical(t *testing.T) {
	g, _, replicas := newGroup(t, 4, 16, Config{Optimizer: "adam", LearningRate: 0.01})

	for step := 0; step < 5; step++ {
		fillGrads(replicas, func(dev, idx int) float32 {
			return float32((dev+1)*(idx+1)+step) * 0.01
		})
		g.Step()

		first := replicas[0].Params().ToHost()
		for d := 1; d < len(replicas); d++ {
			assert.Equal(t, first, replicas[d].Params().ToHost(), "device %d diverged at step %d", d, step)
		}
	}
}

func TestSmoothingSeedsThenAverages(t *testing.T) {
	const decay = 0.5
	g, c, replicas := newGroup(t, 2, 8, Config{Optimizer: "sgd", LearningRate: 1, SmoothingDecay: decay})

	fillGrads(replicas, func(dev, idx int) float32 { return 1 })
	g.Step()

	afterFirst := replicas[0].Params().ToHost()
	for i, shard := range g.SmoothedShards() {
		begin, end := c.ShardRange(i)
		assert.Equal(t, afterFirst[begin:end], shard.ToHost(), "first step seeds the average")
	}

	g.Step()
	afterSecond := replicas[0].Params().ToHost()
	for i, shard := range g.SmoothedShards() {
		begin, _ := c.ShardRange(i)
		got := shard.ToHost()
		for j := range got {
			want := decay*afterFirst[begin+j] + (1-decay)*afterSecond[begin+j]
			assert.InDelta(t, want, got[j], 1e-5)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	// Adagrad continuation is exact after a restore; Adam's bias
	// correction restarts because the step counter is not persisted.
	cfg := Config{Optimizer: "adagrad", LearningRate: 0.01}

	g, _, replicas := newGroup(t, 2, 8, cfg)
	setParams(replicas, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	for step := 0; step < 3; step++ {
		fillGrads(replicas, func(dev, idx int) float32 { return float32(idx) * 0.1 })
		g.Step()
	}
	require.NoError(t, g.SaveCheckpoint(context.Background(), path))

	restored, _, restoredReplicas := newGroup(t, 2, 8, cfg)
	require.NoError(t, restored.LoadCheckpoint(path))
	assert.Equal(t, replicas[0].Params().ToHost(), restoredReplicas[0].Params().ToHost())

	// Continuing from the restored state must track the original run.
	for step := 0; step < 2; step++ {
		grads := func(dev, idx int) float32 { return float32(idx+step) * 0.05 }
		fillGrads(replicas, grads)
		g.Step()
		fillGrads(restoredReplicas, grads)
		restored.Step()
	}
	assert.Equal(t, replicas[0].Params().ToHost(), restoredReplicas[0].Params().ToHost(),
		"restored optimizer state must continue the original trajectory")
}

func TestCheckpointWritesSmoothedParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	g, _, replicas := newGroup(t, 2, 8, Config{Optimizer: "sgd", LearningRate: 1, SmoothingDecay: 0.9})

	for step := 0; step < 4; step++ {
		fillGrads(replicas, func(dev, idx int) float32 { return float32(idx) * 0.1 })
		g.Step()
	}

	rawBefore := replicas[0].Params().ToHost()
	var smoothed []float32
	for _, shard := range g.SmoothedShards() {
		smoothed = append(smoothed, shard.ToHost()...)
	}

	require.NoError(t, g.SaveCheckpoint(context.Background(), path))

	// The raw replicated parameters and the smoothed shards must come
	// back bit exact after the bracketing swaps.
	assert.Equal(t, rawBefore, replicas[0].Params().ToHost())
	var smoothedAfter []float32
	for _, shard := range g.SmoothedShards() {
		smoothedAfter = append(smoothedAfter, shard.ToHost()...)
	}
	assert.Equal(t, smoothed, smoothedAfter)

	recs, err := records.Load(path)
	require.NoError(t, err)
	rec, ok := records.Find(recs, "params")
	require.True(t, ok)
	assert.Equal(t, smoothed, rec.Data, "the smoothed average is what lands on disk")
}

func TestLoadMissingCheckpointStartsFresh(t *testing.T) {
	g, _, replicas := newGroup(t, 2, 8, Config{Optimizer: "sgd", LearningRate: 0.1})
	setParams(replicas, []float32{1, 1, 1, 1, 1, 1, 1, 1})

	require.NoError(t, g.LoadCheckpoint(filepath.Join(t.TempDir(), "missing.bin")))
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1, 1, 1}, replicas[0].Params().ToHost())
}
