package mcts

import (
	"math"
	"math/rand"
	randv2 "math/rand/v2"

	"gonum.org/v1/gonum/stat/distmv"
)

// SampleDirichlet draws one sample from a symmetric Dirichlet(alpha) of the
// given size. The gonum source is seeded from rng so runs stay reproducible.
func SampleDirichlet(rng *rand.Rand, alpha float64, size int) []float32 {
	out := make([]float32, size)
	if size == 0 {
		return out
	}
	alphas := make([]float64, size)
	for i := range alphas {
		alphas[i] = alpha
	}
	src := randv2.NewPCG(rng.Uint64(), rng.Uint64())
	draws := distmv.NewDirichlet(alphas, src).Rand(nil)

	// Very small alphas can underflow every gamma draw to zero.
	sum := 0.0
	for _, d := range draws {
		sum += d
	}
	if sum <= 0 || math.IsNaN(sum) {
		for i := range out {
			out[i] = 1 / float32(size)
		}
		return out
	}
	for i, d := range draws {
		out[i] = float32(d / sum)
	}
	return out
}

// MixNoise returns (1-epsilon)*policy + epsilon*Dirichlet(alpha).
func MixNoise(rng *rand.Rand, policy []float32, epsilon, alpha float64) []float32 {
	noise := SampleDirichlet(rng, alpha, len(policy))
	mixed := make([]float32, len(policy))
	for i, p := range policy {
		mixed[i] = float32(1-epsilon)*p + float32(epsilon)*noise[i]
	}
	return mixed
}
