// Package optstate persists sharded optimizer state. Each named state
// field (Adam's moments, Adagrad's squared-gradient sum) is gathered from
// all ranks into one full vector and written as a named record; on
// restore the records are sliced back onto each rank's shard. A record
// missing from a checkpoint is not an error: the field stays at its
// zero-initialized default, so checkpoints survive optimizer changes
// between runs.
package optstate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shardsync/internal/comm"
	"github.com/23skdu/longbow-shardsync/internal/optim"
	"github.com/23skdu/longbow-shardsync/internal/records"
)

// Codec moves optimizer state between the per-rank shard owners and the
// single concatenated on-disk representation.
type Codec struct {
	comm   *comm.Communicator
	states []optim.State
}

// NewCodec binds a codec to the communicator and one optimizer state per
// local device. All states must expose the same field names.
func NewCodec(c *comm.Communicator, states []optim.State) (*Codec, error) {
	if len(states) != c.NumDevices() {
		return nil, fmt.Errorf("optstate: %d states for %d local devices", len(states), c.NumDevices())
	}
	names := fieldNames(states[0])
	for i, s := range states[1:] {
		if got := fieldNames(s); !equalNames(names, got) {
			return nil, fmt.Errorf("optstate: state %d exposes fields %v, state 0 exposes %v", i+1, got, names)
		}
	}
	return &Codec{comm: c, states: states}, nil
}

// Save gathers every state field across all ranks and writes the
// checkpoint. It is a collective call: every process must invoke it, and
// only process rank 0 writes the file.
func (c *Codec) Save(ctx context.Context, path string) error {
	names := fieldNames(c.states[0])
	recs := make([]records.Record, 0, len(names))
	totalSize := c.comm.DataSize()

	for _, name := range names {
		full, err := c.comm.GatherState(ctx, func(local int) []float32 {
			vals := fieldValues(c.states[local], name)
			if vals == nil {
				// Never-allocated shard still owns its slot in the
				// concatenation, so stand in a zero run of shard length.
				begin, end := c.comm.ShardRange(local)
				return make([]float32, end-begin)
			}
			return vals
		})
		if err != nil {
			return fmt.Errorf("optstate: failed to gather field %q: %w", name, err)
		}
		recs = append(recs, records.Record{
			Name:  name,
			Shape: []int64{1, int64(totalSize)},
			Data:  fitTo(full, totalSize),
		})
	}

	if c.comm.Group().Rank() != 0 {
		return nil
	}
	log.Info().Str("path", path).Int("fields", len(recs)).Msg("Saving optimizer state")
	return records.Save(path, recs)
}

// Load restores state fields from a checkpoint. The file holds full
// vectors, so no communication happens; every process slices out its own
// ranks' shards. A missing file or missing field leaves the state at its
// default and only logs a warning.
func (c *Codec) Load(path string) error {
	recs, err := records.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", path).Msg("No optimizer state checkpoint, starting fresh")
			return nil
		}
		return fmt.Errorf("optstate: failed to load %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("Loading optimizer state")
	for _, name := range fieldNames(c.states[0]) {
		rec, ok := records.Find(recs, name)
		if !ok {
			log.Warn().Str("field", name).Str("path", path).Msg("Optimizer state field not found in checkpoint, leaving at default")
			continue
		}
		name := name
		c.comm.ScatterState(rec.Data, func(local int, vals []float32) {
			c.states[local].ScatterFields([]optim.Field{{Name: name, Values: vals}})
		})
	}
	return nil
}

func fieldNames(s optim.State) []string {
	fields := s.GatherFields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func fieldValues(s optim.State, name string) []float32 {
	for _, f := range s.GatherFields() {
		if f.Name == name {
			return f.Values
		}
	}
	return nil
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fitTo truncates or zero-pads v to exactly n elements. A shard whose
// state was never allocated contributes nothing to the gather, so the
// concatenation can come up short; padding keeps the on-disk record at
// the full element count.
func fitTo(v []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, v)
	return out
}
