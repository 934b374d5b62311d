// Package attacker defines the contract reconstruction attackers implement
// against captured boundary crossings, and ships a nearest-embedding
// inversion baseline. Heavier generator-based attackers plug in through the
// same interfaces.
package attacker

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/split"
)

// Attacker reconstructs input text from one captured boundary crossing.
// The returned slice holds one reconstruction per sequence in the batch.
type Attacker interface {
	Attack(ctx context.Context, inter *split.Intermediate) ([]string, error)
}

// SearchAttacker additionally gets read access to the frozen executor, so it
// can probe the model (resume from the cut, score candidates) during the
// attack. The executor must not be trained through.
type SearchAttacker interface {
	Attacker
	AttackSearch(ctx context.Context, inter *split.Intermediate, exec *split.Executor) ([]string, error)
}

// NearestEmbedding inverts a bottom-trunk activation by stripping the
// position embeddings and snapping each row to its nearest token embedding.
// Exact when the cut sits at the embedding output and degrades as blocks
// mix the representation.
type NearestEmbedding struct {
	m      *model.Model
	decode func([]int) string
}

// NewNearestEmbedding builds the baseline over the given model and decoder.
func NewNearestEmbedding(m *model.Model, decode func([]int) string) *NearestEmbedding {
	return &NearestEmbedding{m: m, decode: decode}
}

// Attack reconstructs one text per sequence in the captured batch.
func (a *NearestEmbedding) Attack(ctx context.Context, inter *split.Intermediate) ([]string, error) {
	if inter == nil || inter.Activation == nil {
		return nil, fmt.Errorf("attacker: no activation to attack")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := inter.Activation.Dim(1)
	wpe := a.m.PositionEmbedding().Data()
	act := inter.Activation.Data()

	texts := make([]string, inter.Batch)
	row := make([]float64, dims)
	for bi := 0; bi < inter.Batch; bi++ {
		ids := make([]int, inter.SeqLen)
		for ti := 0; ti < inter.SeqLen; ti++ {
			src := act[(bi*inter.SeqLen+ti)*dims : (bi*inter.SeqLen+ti+1)*dims]
			pos := wpe[ti*dims : (ti+1)*dims]
			for j := range row {
				row[j] = src[j] - pos[j]
			}
			ids[ti] = a.m.NearestToken(row)
		}
		texts[bi] = a.decode(ids)
	}
	return texts, nil
}

// CutGreedy reconstructs text from a trunk-top activation by resuming the
// model from the cut and reading the greedy next-token predictions.
type CutGreedy struct {
	m      *model.Model
	decode func([]int) string
}

// NewCutGreedy builds the search attacker over the given model and decoder.
func NewCutGreedy(m *model.Model, decode func([]int) string) *CutGreedy {
	return &CutGreedy{m: m, decode: decode}
}

// Attack without executor access falls back to nearest-embedding inversion.
func (a *CutGreedy) Attack(ctx context.Context, inter *split.Intermediate) ([]string, error) {
	return NewNearestEmbedding(a.m, a.decode).Attack(ctx, inter)
}

// AttackSearch resumes the forward pass from the captured trunk-top state
// and decodes the position-wise argmax. Position t's prediction stands in
// for token t+1; the first token is unrecoverable and left out.
func (a *CutGreedy) AttackSearch(ctx context.Context, inter *split.Intermediate, exec *split.Executor) ([]string, error) {
	if inter == nil || inter.Activation == nil {
		return nil, fmt.Errorf("attacker: no activation to attack")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logits := exec.CutForward(inter.Activation, nil, inter.Batch, inter.SeqLen)
	vocab := logits.Dim(1)
	data := logits.Data()

	texts := make([]string, inter.Batch)
	for bi := 0; bi < inter.Batch; bi++ {
		ids := make([]int, 0, inter.SeqLen)
		for ti := 0; ti < inter.SeqLen-1; ti++ {
			row := data[(bi*inter.SeqLen+ti)*vocab : (bi*inter.SeqLen+ti+1)*vocab]
			best := 0
			for id, v := range row {
				if v > row[best] {
					best = id
				}
			}
			ids = append(ids, best)
		}
		texts[bi] = a.decode(ids)
	}
	return texts, nil
}
