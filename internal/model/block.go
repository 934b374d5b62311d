package model

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-palisade/internal/tensor"
)

// block is one pre-norm transformer block. The attention projection uses a
// combined c_attn matrix (D, 3D) holding Q, K and V side by side.
type block struct {
	idx int

	ln1W, ln1B   *Param
	attnW, attnB *Param // c_attn
	projW, projB *Param // attn c_proj

	ln2W, ln2B           *Param
	fcW, fcB             *Param // mlp c_fc
	mlpProjW, mlpProjB   *Param // mlp c_proj
	loraAttnA, loraAttnB *Param
	loraMlpA, loraMlpB   *Param
	loraScale            float64
}

func (m *Model) newBlock(i int) *block {
	d, ff := m.cfg.EmbedDim, m.cfg.FFHidden
	prefix := fmt.Sprintf("h.%d.", i)
	return &block{
		idx:      i,
		ln1W:     m.newParam(prefix+"ln_1.weight", i, d),
		ln1B:     m.newParam(prefix+"ln_1.bias", i, d),
		attnW:    m.newParam(prefix+"attn.c_attn.weight", i, d, 3*d),
		attnB:    m.newParam(prefix+"attn.c_attn.bias", i, 3*d),
		projW:    m.newParam(prefix+"attn.c_proj.weight", i, d, d),
		projB:    m.newParam(prefix+"attn.c_proj.bias", i, d),
		ln2W:     m.newParam(prefix+"ln_2.weight", i, d),
		ln2B:     m.newParam(prefix+"ln_2.bias", i, d),
		fcW:      m.newParam(prefix+"mlp.c_fc.weight", i, d, ff),
		fcB:      m.newParam(prefix+"mlp.c_fc.bias", i, ff),
		mlpProjW: m.newParam(prefix+"mlp.c_proj.weight", i, ff, d),
		mlpProjB: m.newParam(prefix+"mlp.c_proj.bias", i, d),
	}
}

// BlockCache holds every activation a block backward needs. Caches reference
// the tensors produced during forward; they stay valid until the next
// forward overwrites nothing (tensors are never reused across steps).
type BlockCache struct {
	Batch, SeqLen int
	Mask          [][]float64

	X         *tensor.Tensor     // block input (B*T, D)
	Ln1       *tensor.Tensor     // (B*T, D)
	QKV       *tensor.Tensor     // (B*T, 3D)
	AttnProbs [][]*tensor.Tensor // [B][H] softmax outputs (T, T)
	Ctx       *tensor.Tensor     // concatenated head outputs (B*T, D)
	AttnResid *tensor.Tensor     // x + attention output (B*T, D)
	Ln2       *tensor.Tensor     // (B*T, D)
	PreGELU   *tensor.Tensor     // (B*T, FF)
	GELUOut   *tensor.Tensor     // (B*T, FF)

	AttnLoraMid *tensor.Tensor // ctx @ lora_a (B*T, r)
	MlpLoraMid  *tensor.Tensor // gelu @ lora_a (B*T, r)
}

// ForwardBlock runs block i on a (B*T, D) hidden state. mask marks real
// tokens with 1 and padding with 0; a nil mask means no padding. Increments
// the block's forward counter.
func (m *Model) ForwardBlock(i int, x *tensor.Tensor, mask [][]float64, batch, seqLen int) (*tensor.Tensor, *BlockCache) {
	if i < 0 || i >= len(m.blocks) {
		panic(fmt.Sprintf("model: block index %d out of range [0,%d)", i, len(m.blocks)))
	}
	m.blockCalls[i]++
	b := m.blocks[i]
	d := m.cfg.EmbedDim
	heads := m.cfg.NumHeads
	hd := d / heads
	scale := 1.0 / math.Sqrt(float64(hd))

	c := &BlockCache{Batch: batch, SeqLen: seqLen, Mask: mask, X: x}

	c.Ln1 = tensor.LayerNorm(x, b.ln1W.Data, b.ln1B.Data, m.cfg.Eps)
	c.QKV = tensor.AddBias(tensor.MatMul(c.Ln1, b.attnW.Data), b.attnB.Data)

	c.Ctx = tensor.New(batch*seqLen, d)
	c.AttnProbs = make([][]*tensor.Tensor, batch)
	for bi := 0; bi < batch; bi++ {
		c.AttnProbs[bi] = make([]*tensor.Tensor, heads)
		qkvSeq := c.QKV.Rows(bi*seqLen, seqLen)
		ctxSeq := c.Ctx.Rows(bi*seqLen, seqLen)
		for h := 0; h < heads; h++ {
			q := sliceCols(qkvSeq, h*hd, hd)
			k := sliceCols(qkvSeq, d+h*hd, hd)
			v := sliceCols(qkvSeq, 2*d+h*hd, hd)

			scores := tensor.Scale(tensor.MatMul(q, tensor.Transpose(k)), scale)
			applyMasks(scores, mask, bi)
			probs := tensor.Softmax(scores)
			c.AttnProbs[bi][h] = probs

			setCols(ctxSeq, tensor.MatMul(probs, v), h*hd)
		}
	}

	attnOut := tensor.MatMul(c.Ctx, b.projW.Data)
	if b.loraAttnA != nil {
		c.AttnLoraMid = tensor.MatMul(c.Ctx, b.loraAttnA.Data)
		tensor.AddInPlace(attnOut, tensor.Scale(tensor.MatMul(c.AttnLoraMid, b.loraAttnB.Data), b.loraScale))
	}
	attnOut = tensor.AddBias(attnOut, b.projB.Data)
	c.AttnResid = tensor.Add(x, attnOut)

	c.Ln2 = tensor.LayerNorm(c.AttnResid, b.ln2W.Data, b.ln2B.Data, m.cfg.Eps)
	c.PreGELU = tensor.AddBias(tensor.MatMul(c.Ln2, b.fcW.Data), b.fcB.Data)
	c.GELUOut = tensor.GELU(c.PreGELU)

	mlpOut := tensor.MatMul(c.GELUOut, b.mlpProjW.Data)
	if b.loraMlpA != nil {
		c.MlpLoraMid = tensor.MatMul(c.GELUOut, b.loraMlpA.Data)
		tensor.AddInPlace(mlpOut, tensor.Scale(tensor.MatMul(c.MlpLoraMid, b.loraMlpB.Data), b.loraScale))
	}
	mlpOut = tensor.AddBias(mlpOut, b.mlpProjB.Data)

	return tensor.Add(c.AttnResid, mlpOut), c
}

// BackwardBlock propagates gradOut through block i using the forward cache,
// accumulating parameter gradients and returning the gradient at the block
// input.
func (m *Model) BackwardBlock(i int, c *BlockCache, gradOut *tensor.Tensor) *tensor.Tensor {
	b := m.blocks[i]
	d := m.cfg.EmbedDim
	heads := m.cfg.NumHeads
	hd := d / heads
	scale := 1.0 / math.Sqrt(float64(hd))

	// MLP branch.
	tensor.AddInPlace(b.mlpProjB.Grad, colSum(gradOut))
	gradGELU, gradWp := tensor.MatMulBackward(c.GELUOut, b.mlpProjW.Data, gradOut)
	tensor.AddInPlace(b.mlpProjW.Grad, gradWp)
	if b.loraMlpA != nil {
		gradMid := tensor.Scale(tensor.MatMul(gradOut, tensor.Transpose(b.loraMlpB.Data)), b.loraScale)
		tensor.AddInPlace(b.loraMlpB.Grad, tensor.Scale(tensor.MatMul(tensor.Transpose(c.MlpLoraMid), gradOut), b.loraScale))
		tensor.AddInPlace(b.loraMlpA.Grad, tensor.MatMul(tensor.Transpose(c.GELUOut), gradMid))
		tensor.AddInPlace(gradGELU, tensor.MatMul(gradMid, tensor.Transpose(b.loraMlpA.Data)))
	}

	gradPre := tensor.GELUBackward(c.PreGELU, gradGELU)
	tensor.AddInPlace(b.fcB.Grad, colSum(gradPre))
	gradLn2, gradWf := tensor.MatMulBackward(c.Ln2, b.fcW.Data, gradPre)
	tensor.AddInPlace(b.fcW.Grad, gradWf)

	gradResid, gradG2, gradB2 := tensor.LayerNormBackward(c.AttnResid, b.ln2W.Data, gradLn2, m.cfg.Eps)
	tensor.AddInPlace(b.ln2W.Grad, gradG2)
	tensor.AddInPlace(b.ln2B.Grad, gradB2)
	gradX2 := tensor.Add(gradOut, gradResid)

	// Attention branch.
	tensor.AddInPlace(b.projB.Grad, colSum(gradX2))
	gradCtx, gradWo := tensor.MatMulBackward(c.Ctx, b.projW.Data, gradX2)
	tensor.AddInPlace(b.projW.Grad, gradWo)
	if b.loraAttnA != nil {
		gradMid := tensor.Scale(tensor.MatMul(gradX2, tensor.Transpose(b.loraAttnB.Data)), b.loraScale)
		tensor.AddInPlace(b.loraAttnB.Grad, tensor.Scale(tensor.MatMul(tensor.Transpose(c.AttnLoraMid), gradX2), b.loraScale))
		tensor.AddInPlace(b.loraAttnA.Grad, tensor.MatMul(tensor.Transpose(c.Ctx), gradMid))
		tensor.AddInPlace(gradCtx, tensor.MatMul(gradMid, tensor.Transpose(b.loraAttnA.Data)))
	}

	gradQKV := tensor.New(c.Batch*c.SeqLen, 3*d)
	for bi := 0; bi < c.Batch; bi++ {
		qkvSeq := c.QKV.Rows(bi*c.SeqLen, c.SeqLen)
		gradQKVSeq := gradQKV.Rows(bi*c.SeqLen, c.SeqLen)
		gradCtxSeq := gradCtx.Rows(bi*c.SeqLen, c.SeqLen)
		for h := 0; h < heads; h++ {
			q := sliceCols(qkvSeq, h*hd, hd)
			k := sliceCols(qkvSeq, d+h*hd, hd)
			v := sliceCols(qkvSeq, 2*d+h*hd, hd)
			probs := c.AttnProbs[bi][h]
			gradCtxH := sliceCols(gradCtxSeq, h*hd, hd)

			gradProbs := tensor.MatMul(gradCtxH, tensor.Transpose(v))
			gradV := tensor.MatMul(tensor.Transpose(probs), gradCtxH)
			gradScores := tensor.SoftmaxBackward(probs, gradProbs)
			gradQ := tensor.Scale(tensor.MatMul(gradScores, k), scale)
			gradK := tensor.Scale(tensor.MatMul(tensor.Transpose(gradScores), q), scale)

			setCols(gradQKVSeq, gradQ, h*hd)
			setCols(gradQKVSeq, gradK, d+h*hd)
			setCols(gradQKVSeq, gradV, 2*d+h*hd)
		}
	}

	tensor.AddInPlace(b.attnB.Grad, colSum(gradQKV))
	gradLn1, gradWa := tensor.MatMulBackward(c.Ln1, b.attnW.Data, gradQKV)
	tensor.AddInPlace(b.attnW.Grad, gradWa)

	gradX1, gradG1, gradB1 := tensor.LayerNormBackward(c.X, b.ln1W.Data, gradLn1, m.cfg.Eps)
	tensor.AddInPlace(b.ln1W.Grad, gradG1)
	tensor.AddInPlace(b.ln1B.Grad, gradB1)

	return tensor.Add(gradX2, gradX1)
}

// applyMasks applies the causal mask and the padding mask to a (T, T) score
// matrix for sequence bi in place.
func applyMasks(scores *tensor.Tensor, mask [][]float64, bi int) {
	t := scores.Dim(0)
	data := scores.Data()
	for qi := 0; qi < t; qi++ {
		row := data[qi*t : (qi+1)*t]
		for ki := range row {
			if ki > qi || (mask != nil && mask[bi][ki] == 0) {
				row[ki] = -1e9
			}
		}
	}
}

// sliceCols copies n columns starting at col from a 2-D tensor.
func sliceCols(x *tensor.Tensor, col, n int) *tensor.Tensor {
	rows, cols := x.Dim(0), x.Dim(1)
	out := tensor.New(rows, n)
	src := x.Data()
	dst := out.Data()
	for r := 0; r < rows; r++ {
		copy(dst[r*n:(r+1)*n], src[r*cols+col:r*cols+col+n])
	}
	return out
}

// setCols writes src into dst starting at column col.
func setCols(dst, src *tensor.Tensor, col int) {
	rows, cols := dst.Dim(0), dst.Dim(1)
	n := src.Dim(1)
	d := dst.Data()
	s := src.Data()
	for r := 0; r < rows; r++ {
		copy(d[r*cols+col:r*cols+col+n], s[r*n:(r+1)*n])
	}
}

// colSum sums a 2-D tensor over rows, yielding the bias gradient.
func colSum(x *tensor.Tensor) *tensor.Tensor {
	rows, cols := x.Dim(0), x.Dim(1)
	out := tensor.New(cols)
	data := x.Data()
	sums := out.Data()
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		for j, v := range row {
			sums[j] += v
		}
	}
	return out
}
