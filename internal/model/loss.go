package model

import (
	"math"

	"github.com/23skdu/longbow-palisade/internal/tensor"
)

// LossAndGrad computes the next-token cross-entropy over (B*T, V) logits and
// its gradient. Position t is scored against ids[b][t+1]; the final position
// of each sequence and positions whose target token is padding are excluded.
// Loss and gradient are averaged over the included positions.
func (m *Model) LossAndGrad(logits *tensor.Tensor, ids [][]int, mask [][]float64) (float64, *tensor.Tensor) {
	batch, seqLen := batchDims(ids)
	vocab := m.cfg.VocabSize
	probs := tensor.Softmax(logits)
	grad := tensor.New(batch*seqLen, vocab)

	loss := 0.0
	count := 0
	pdata := probs.Data()
	gdata := grad.Data()
	for bi := 0; bi < batch; bi++ {
		for ti := 0; ti < seqLen-1; ti++ {
			if mask != nil && (mask[bi][ti] == 0 || mask[bi][ti+1] == 0) {
				continue
			}
			target := ids[bi][ti+1]
			row := (bi*seqLen + ti) * vocab
			p := pdata[row+target]
			if p < 1e-12 {
				p = 1e-12
			}
			loss -= math.Log(p)
			copy(gdata[row:row+vocab], pdata[row:row+vocab])
			gdata[row+target] -= 1
			count++
		}
	}
	if count == 0 {
		return 0, grad
	}
	inv := 1.0 / float64(count)
	for i := range gdata {
		gdata[i] *= inv
	}
	return loss * inv, grad
}
