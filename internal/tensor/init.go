package tensor

import (
	"math"
	"math/rand"
)

// FillUniform fills t with reproducible values drawn from U(-bound, bound).
// Multiple calls with the same seed produce identical tensors.
func FillUniform(t *Tensor, bound float32, seed int64) {
	fillUniform(t, bound, newRand(seed))
}

func fillUniform(t *Tensor, bound float32, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = (2*rng.Float32() - 1) * bound
	}
}

// KaimingUniform applies He-uniform initialisation with negative slope √5,
// which for a 2D weight reduces to U(-1/√fan_in, 1/√fan_in) with fan_in the
// number of columns.
func KaimingUniform(t *Tensor, rng *rand.Rand) {
	fanIn := 1
	if len(t.Shape) >= 2 {
		for _, d := range t.Shape[1:] {
			fanIn *= d
		}
	} else if len(t.Shape) == 1 {
		fanIn = t.Shape[0]
	}
	if fanIn == 0 {
		return
	}
	const a = 2.2360679774997896 // √5
	gain := math.Sqrt(2.0 / (1 + a*a))
	bound := gain * math.Sqrt(3.0/float64(fanIn))
	fillUniform(t, float32(bound), rng)
}

// Gaussian fills t with N(0, std²) samples.
func Gaussian(t *Tensor, std float32, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// FillGaussianSeed is Gaussian with a fresh seeded source.
func FillGaussianSeed(t *Tensor, std float32, seed int64) {
	Gaussian(t, std, newRand(seed))
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
