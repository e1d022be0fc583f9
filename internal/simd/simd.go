// Package simd provides the float32 vector kernels the synchronization
// layer is built on. The BLAS-backed entry points route through gonum's
// blas32 so a cgo build can register a tuned implementation (see
// fast_blas.go in cmd/shardsync); the rest are unrolled pure Go loops.
package simd

import "gonum.org/v1/gonum/blas/blas32"

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Data: x, Inc: 1}
}

// Axpy performs y += alpha * x.
func Axpy(alpha float32, x, y []float32) {
	if len(x) != len(y) {
		panic("simd: Axpy length mismatch")
	}
	if len(x) == 0 {
		return
	}
	blas32.Axpy(alpha, vec(x), vec(y))
}

// Add performs y += x.
func Add(x, y []float32) {
	Axpy(1, x, y)
}

// Scale performs x *= alpha.
func Scale(alpha float32, x []float32) {
	if len(x) == 0 {
		return
	}
	blas32.Scal(alpha, vec(x))
}

// Dot computes the dot product of two float32 vectors.
func Dot(x, y []float32) float32 {
	if len(x) != len(y) {
		panic("simd: Dot length mismatch")
	}
	if len(x) == 0 {
		return 0
	}
	return blas32.Dot(vec(x), vec(y))
}

// Zero clears x.
func Zero(x []float32) {
	for i := range x {
		x[i] = 0
	}
}

// Lerp performs y = decay*y + (1-decay)*x, the exponential moving average
// step used for smoothed parameters.
func Lerp(decay float32, x, y []float32) {
	if len(x) != len(y) {
		panic("simd: Lerp length mismatch")
	}
	omd := 1 - decay
	i := 0
	for ; i <= len(x)-4; i += 4 {
		y[i] = decay*y[i] + omd*x[i]
		y[i+1] = decay*y[i+1] + omd*x[i+1]
		y[i+2] = decay*y[i+2] + omd*x[i+2]
		y[i+3] = decay*y[i+3] + omd*x[i+3]
	}
	for ; i < len(x); i++ {
		y[i] = decay*y[i] + omd*x[i]
	}
}
