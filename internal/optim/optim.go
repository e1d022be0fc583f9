// Package optim implements the shard-local optimizers whose accumulator
// state the synchronization layer shards, persists, and restores. Each
// rank owns one optimizer instance operating on its shard of the flat
// parameter vector; state buffers are allocated lazily on the first
// update or the first restore.
package optim

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shardsync/internal/simd"
)

// Field is one named optimizer-state vector, e.g. Adam's first moment.
type Field struct {
	Name   string
	Values []float32
}

// State exposes an optimizer's accumulators as named fields so callers
// can gather and scatter them without knowing the concrete optimizer
// type. GatherFields always reports every field name the optimizer owns;
// an unallocated field carries nil values. ScatterFields lazily allocates
// a field to the incoming length; writing a different length into an
// already allocated field means the data is corrupt and panics.
type State interface {
	GatherFields() []Field
	ScatterFields(fields []Field)
}

// Optimizer updates one shard of the parameter vector from the matching
// shard of the reduced gradient.
type Optimizer interface {
	Update(params, grads []float32)
	State() State
}

// New creates an optimizer by kind name: "sgd", "adagrad" or "adam".
func New(kind string, lr float32) (Optimizer, error) {
	switch kind {
	case "sgd":
		return NewSGD(lr), nil
	case "adagrad":
		return NewAdagrad(lr), nil
	case "adam":
		return NewAdam(lr), nil
	default:
		return nil, fmt.Errorf("optim: unknown optimizer %q", kind)
	}
}

// scatterInto applies one incoming field to a lazily allocated target.
func scatterInto(target *[]float32, f Field) {
	if *target == nil {
		*target = append([]float32(nil), f.Values...)
		return
	}
	if len(f.Values) != len(*target) {
		panic(fmt.Sprintf("optim: field %q carries %d elements, shard state holds %d", f.Name, len(f.Values), len(*target)))
	}
	copy(*target, f.Values)
}

// SGD is plain stochastic gradient descent. It carries no state.
type SGD struct {
	lr float32
}

func NewSGD(lr float32) *SGD {
	return &SGD{lr: lr}
}

func (o *SGD) Update(params, grads []float32) {
	simd.Axpy(-o.lr, grads, params)
}

func (o *SGD) State() State { return o }

func (o *SGD) GatherFields() []Field { return nil }

func (o *SGD) ScatterFields(fields []Field) {
	for _, f := range fields {
		log.Warn().Str("field", f.Name).Msg("SGD carries no optimizer state, ignoring field")
	}
}

// Adagrad accumulates squared gradients.
type Adagrad struct {
	lr  float32
	eps float32
	gt  []float32
}

func NewAdagrad(lr float32) *Adagrad {
	return &Adagrad{lr: lr, eps: 1e-6}
}

func (o *Adagrad) Update(params, grads []float32) {
	if o.gt == nil {
		o.gt = make([]float32, len(params))
	}
	for i, g := range grads {
		o.gt[i] += g * g
		params[i] -= o.lr * g / (sqrt32(o.gt[i]) + o.eps)
	}
}

func (o *Adagrad) State() State { return o }

func (o *Adagrad) GatherFields() []Field {
	return []Field{{Name: "adagrad_gt", Values: o.gt}}
}

func (o *Adagrad) ScatterFields(fields []Field) {
	for _, f := range fields {
		switch f.Name {
		case "adagrad_gt":
			scatterInto(&o.gt, f)
		default:
			log.Warn().Str("field", f.Name).Msg("Unknown Adagrad state field, ignoring")
		}
	}
}

// Adam keeps exponential moving averages of gradients and their squares.
type Adam struct {
	lr    float32
	beta1 float32
	beta2 float32
	eps   float32
	step  int
	mt    []float32
	vt    []float32
}

func NewAdam(lr float32) *Adam {
	return &Adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
}

func (o *Adam) Update(params, grads []float32) {
	if o.mt == nil {
		o.mt = make([]float32, len(params))
		o.vt = make([]float32, len(params))
	}
	o.step++
	denom1 := 1 - float32(math.Pow(float64(o.beta1), float64(o.step)))
	denom2 := 1 - float32(math.Pow(float64(o.beta2), float64(o.step)))

	for i, g := range grads {
		o.mt[i] = o.beta1*o.mt[i] + (1-o.beta1)*g
		o.vt[i] = o.beta2*o.vt[i] + (1-o.beta2)*g*g
		params[i] -= o.lr * (o.mt[i] / denom1) / (sqrt32(o.vt[i]/denom2) + o.eps)
	}
}

func (o *Adam) State() State { return o }

func (o *Adam) GatherFields() []Field {
	return []Field{
		{Name: "adam_mt", Values: o.mt},
		{Name: "adam_vt", Values: o.vt},
	}
}

func (o *Adam) ScatterFields(fields []Field) {
	for _, f := range fields {
		switch f.Name {
		case "adam_mt":
			scatterInto(&o.mt, f)
		case "adam_vt":
			scatterInto(&o.vt, f)
		default:
			log.Warn().Str("field", f.Name).Msg("Unknown Adam state field, ignoring")
		}
	}
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
