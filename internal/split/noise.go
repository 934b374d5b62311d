package split

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-palisade/internal/metrics"
	"github.com/23skdu/longbow-palisade/internal/tensor"
)

// gaussianNoise returns x plus gaussian noise scaled by the value range:
// x + N(0,1) * (max(x) - min(x)) * noise_scale. The input is not mutated.
func (e *Executor) gaussianNoise(x *tensor.Tensor) *tensor.Tensor {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: e.rng}
	spread := (x.Max() - x.Min()) * e.cfg.NoiseScale
	out := x.Clone()
	data := out.Data()
	magnitude := 0.0
	for i := range data {
		n := normal.Rand() * spread
		data[i] += n
		magnitude += math.Abs(n)
	}
	metrics.BoundaryNoiseMagnitude.Observe(magnitude / float64(len(data)))
	return out
}

// dxpNoise applies word-level metric differential privacy to token
// embeddings, before position information is added. Each embedding row gets
// an isotropic perturbation whose norm follows Gamma(D, noise_scale), then
// snaps to the nearest vocabulary embedding so downstream layers see a
// valid token representation. The input is not mutated.
func (e *Executor) dxpNoise(x *tensor.Tensor) *tensor.Tensor {
	rows, dims := x.Dim(0), x.Dim(1)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: e.rng}
	gamma := distuv.Gamma{Alpha: float64(dims), Beta: e.cfg.NoiseScale, Src: e.rng}

	out := x.Clone()
	data := out.Data()
	wte := e.m.TokenEmbedding().Data()
	dir := make([]float64, dims)
	magnitude := 0.0
	for r := 0; r < rows; r++ {
		norm := 0.0
		for j := range dir {
			dir[j] = normal.Rand()
			norm += dir[j] * dir[j]
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			continue
		}
		radius := gamma.Rand()
		row := data[r*dims : (r+1)*dims]
		for j := range row {
			row[j] += dir[j] / norm * radius
		}
		id := e.m.NearestToken(row)
		copy(row, wte[id*dims:(id+1)*dims])
		magnitude += radius
	}
	metrics.BoundaryNoiseMagnitude.Observe(magnitude / float64(rows))
	return out
}
