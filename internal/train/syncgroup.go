// Package train drives sharded synchronous data-parallel updates: reduce
// the gradients so each rank holds the global sum for its shard, apply
// the shard-local optimizer, then gather the refreshed parameters back
// onto every device. It also maintains the exponentially smoothed
// parameter average and brackets checkpoints so the smoothed weights are
// what lands on disk.
package train

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shardsync/internal/comm"
	"github.com/23skdu/longbow-shardsync/internal/device"
	"github.com/23skdu/longbow-shardsync/internal/optim"
	"github.com/23skdu/longbow-shardsync/internal/optstate"
	"github.com/23skdu/longbow-shardsync/internal/records"
	"github.com/23skdu/longbow-shardsync/internal/simd"
)

const paramsRecord = "params"

// Config selects the optimizer and the smoothing behavior of a SyncGroup.
type Config struct {
	// Optimizer kind: "sgd", "adagrad" or "adam".
	Optimizer string

	LearningRate float32

	// SmoothingDecay is the EMA decay for the smoothed parameter average,
	// e.g. 0.999. Zero disables smoothing.
	SmoothingDecay float32

	// GradClipNorm rescales the reduced gradient when its global L2 norm
	// exceeds this value. Zero disables clipping.
	GradClipNorm float32
}

// SyncGroup owns one optimizer per local device and runs the
// reduce-scatter, shard update, all-gather cycle over a communicator.
type SyncGroup struct {
	comm     *comm.Communicator
	replicas []device.Replica
	opts     []optim.Optimizer
	codec    *optstate.Codec

	decay    float32
	avg      []device.Buffer
	avgReady bool

	clipNorm float32
	gradNorm float32

	steps uint64
}

// New builds a sync group over the communicator's devices. The replicas
// must be the same slice the communicator was built from.
func New(c *comm.Communicator, replicas []device.Replica, cfg Config) (*SyncGroup, error) {
	if len(replicas) != c.NumDevices() {
		return nil, fmt.Errorf("train: %d replicas for a communicator over %d devices", len(replicas), c.NumDevices())
	}
	if cfg.SmoothingDecay < 0 || cfg.SmoothingDecay >= 1 {
		return nil, fmt.Errorf("train: smoothing decay %g outside [0, 1)", cfg.SmoothingDecay)
	}
	if cfg.GradClipNorm < 0 {
		return nil, fmt.Errorf("train: negative gradient clip norm %g", cfg.GradClipNorm)
	}

	opts := make([]optim.Optimizer, len(replicas))
	states := make([]optim.State, len(replicas))
	for i := range replicas {
		o, err := optim.New(cfg.Optimizer, cfg.LearningRate)
		if err != nil {
			return nil, err
		}
		opts[i] = o
		states[i] = o.State()
	}
	codec, err := optstate.NewCodec(c, states)
	if err != nil {
		return nil, err
	}

	g := &SyncGroup{
		comm:     c,
		replicas: replicas,
		opts:     opts,
		codec:    codec,
		decay:    cfg.SmoothingDecay,
		clipNorm: cfg.GradClipNorm,
	}
	if g.decay > 0 {
		g.avg = make([]device.Buffer, len(replicas))
		for i := range replicas {
			begin, end := c.ShardRange(i)
			g.avg[i] = replicas[i].Backend().GetBuffer(end - begin)
		}
	}

	log.Info().
		Str("optimizer", cfg.Optimizer).
		Float64("lr", float64(cfg.LearningRate)).
		Float64("smoothing_decay", float64(cfg.SmoothingDecay)).
		Msg("Sync group ready")
	return g, nil
}

// Step runs one synchronization cycle over the gradients currently in the
// replica gradient buffers. On return every device holds the identical
// updated parameter vector.
func (g *SyncGroup) Step() {
	start := time.Now()

	seedAvg := g.decay > 0 && !g.avgReady
	g.comm.ScatterReduce()

	// Each device owns the global sum for its shard, so the squared shard
	// norms all-reduce to the squared norm of the full reduced gradient.
	normSq := make([]float32, len(g.replicas))
	g.comm.Foreach(func(local, begin, end int) {
		v := hostView(g.replicas[local].Grads().SubRange(begin, end-begin))
		normSq[local] = simd.Dot(v, v)
	}, true)
	norm := float32(math.Sqrt(float64(g.comm.AllReduceScalar(normSq))))
	g.gradNorm = norm
	gradNormGauge.Set(float64(norm))

	scale := float32(1)
	if g.clipNorm > 0 && norm > g.clipNorm {
		scale = g.clipNorm / norm
	}

	g.comm.Foreach(func(local, begin, end int) {
		r := g.replicas[local]
		params := r.Params().SubRange(begin, end-begin)
		grads := r.Grads().SubRange(begin, end-begin)
		withHost(params, func(pvals []float32) {
			gvals := hostView(grads)
			if scale != 1 {
				simd.Scale(scale, gvals)
			}
			g.opts[local].Update(pvals, gvals)
			if g.decay > 0 {
				g.updateAvg(local, pvals, seedAvg)
			}
		})
	}, true)
	g.comm.AllGather(true)
	if seedAvg {
		g.avgReady = true
	}

	log.Debug().Uint64("step", g.steps+1).Float64("grad_norm", float64(norm)).Msg("Step complete")

	g.steps++
	stepsTotal.Inc()
	stepDuration.Observe(time.Since(start).Seconds())
}

// updateAvg folds the freshly updated shard into the smoothed average.
// The first step seeds the average with the parameters themselves.
func (g *SyncGroup) updateAvg(local int, pvals []float32, seed bool) {
	withHost(g.avg[local], func(avals []float32) {
		if seed {
			copy(avals, pvals)
			return
		}
		simd.Lerp(g.decay, pvals, avals)
	})
}

// Steps returns the number of completed synchronization cycles.
func (g *SyncGroup) Steps() uint64 { return g.steps }

// GradNorm returns the global L2 norm of the reduced gradient from the
// last step, before any clipping.
func (g *SyncGroup) GradNorm() float32 { return g.gradNorm }

// Close returns the smoothed shard buffers to their backend pools. The
// group must not be stepped afterwards.
func (g *SyncGroup) Close() {
	for i, b := range g.avg {
		g.replicas[i].Backend().PutBuffer(b)
	}
	g.avg = nil
}

// SmoothedShards exposes the distributed smoothed parameter shards, one
// per local device, or nil when smoothing is disabled.
func (g *SyncGroup) SmoothedShards() []device.Buffer { return g.avg }

// SaveCheckpoint writes the parameter vector to path and the optimizer
// state to path+".optimizer". With smoothing enabled the smoothed average
// is what gets written: the shards are swapped into the replicated buffer
// for the duration of the save and swapped back before returning, bit
// exact. This is a collective call; only process rank 0 touches the disk.
func (g *SyncGroup) SaveCheckpoint(ctx context.Context, path string) error {
	swapped := false
	if g.decay > 0 && g.avgReady {
		if err := g.comm.SwapParams(ctx, g.avg); err != nil {
			return fmt.Errorf("train: swap in smoothed params: %w", err)
		}
		swapped = true
	}

	saveErr := g.writeCheckpoint(ctx, path)

	if swapped {
		if err := g.comm.SwapParams(ctx, g.avg); err != nil {
			return fmt.Errorf("train: restore params after save: %w", err)
		}
	}
	if saveErr == nil {
		checkpointsTotal.Inc()
		log.Info().Str("path", path).Uint64("step", g.steps).Msg("Checkpoint written")
	}
	return saveErr
}

func (g *SyncGroup) writeCheckpoint(ctx context.Context, path string) error {
	if g.comm.Group().Rank() == 0 {
		params := g.replicas[0].Params().ToHost()
		rec := records.Record{
			Name:  paramsRecord,
			Shape: []int64{1, int64(len(params))},
			Data:  params,
		}
		if err := records.Save(path, []records.Record{rec}); err != nil {
			return fmt.Errorf("train: save params: %w", err)
		}
	}
	return g.codec.Save(ctx, path+".optimizer")
}

// LoadCheckpoint restores the parameter vector and optimizer state
// written by SaveCheckpoint. A missing file is not an error: training
// starts fresh. With smoothing enabled the average is reseeded from the
// loaded parameters.
func (g *SyncGroup) LoadCheckpoint(path string) error {
	recs, err := records.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", path).Msg("No checkpoint, starting fresh")
			return nil
		}
		return fmt.Errorf("train: load checkpoint %s: %w", path, err)
	}

	rec, ok := records.Find(recs, paramsRecord)
	if !ok {
		return fmt.Errorf("train: checkpoint %s carries no %q record", path, paramsRecord)
	}
	if len(rec.Data) != g.comm.DataSize() {
		return fmt.Errorf("train: checkpoint holds %d parameters, model has %d", len(rec.Data), g.comm.DataSize())
	}
	log.Info().Str("path", path).Msg("Loading checkpoint")
	for _, r := range g.replicas {
		r.Params().CopyFromHost(rec.Data)
	}
	if g.decay > 0 {
		g.comm.PushParams(g.avg)
		g.avgReady = true
	}
	return g.codec.Load(path + ".optimizer")
}

// withHost runs fn on a host view of the buffer and writes the result
// back when the buffer is not host resident.
func withHost(buf device.Buffer, fn func(vals []float32)) {
	if d := buf.Data(); d != nil {
		fn(d)
		return
	}
	h := buf.ToHost()
	fn(h)
	buf.CopyFromHost(h)
}

// hostView returns a read-only host slice of the buffer.
func hostView(buf device.Buffer) []float32 {
	if d := buf.Data(); d != nil {
		return d
	}
	return buf.ToHost()
}
