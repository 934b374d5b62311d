// Package model implements a GPT-2 style transformer with a named parameter
// registry and manual layer-wise backpropagation. Forward calls return the
// activation caches the matching backward calls consume.
package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-palisade/internal/tensor"
)

// Config describes the transformer architecture.
type Config struct {
	VocabSize int
	SeqLen    int
	EmbedDim  int
	NumHeads  int
	NumBlocks int
	FFHidden  int
	InitRange float64
	Eps       float64
}

// Validate fails fast on an inconsistent architecture.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("invalid embed_dim: %d (must be positive)", c.EmbedDim)
	}
	if c.NumHeads <= 0 || c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("invalid num_heads: %d (must divide embed_dim %d)", c.NumHeads, c.EmbedDim)
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("invalid num_blocks: %d (must be positive)", c.NumBlocks)
	}
	if c.FFHidden <= 0 {
		return fmt.Errorf("invalid ff_hidden: %d (must be positive)", c.FFHidden)
	}
	if c.InitRange <= 0 {
		return fmt.Errorf("invalid init_range: %f (must be positive)", c.InitRange)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	return nil
}

// DefaultConfig returns a small architecture suitable for simulation runs.
func DefaultConfig() Config {
	return Config{
		VocabSize: 256,
		SeqLen:    32,
		EmbedDim:  64,
		NumHeads:  4,
		NumBlocks: 6,
		FFHidden:  256,
		InitRange: 0.02,
		Eps:       1e-5,
	}
}

// Param is one named parameter tensor. Grad has the same shape as Data and
// accumulates across backward calls until ZeroGrads.
type Param struct {
	Name      string
	BlockIdx  int // -1 for embeddings and the final layer
	Data      *tensor.Tensor
	Grad      *tensor.Tensor
	Trainable bool
}

// Model is the full layer stack. It is not safe for concurrent use.
type Model struct {
	cfg    Config
	params []*Param
	index  map[string]*Param
	blocks []*block

	wte, wpe   *Param
	lnFW, lnFB *Param
	head       *Param

	blockCalls []int
	rng        *rand.Rand
	normal     distuv.Normal
}

// New builds a model with freshly initialized parameters. seed fixes the
// initialization so two models built with the same config and seed are
// bitwise identical.
func New(cfg Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	src := rand.NewSource(uint64(seed))
	m := &Model{
		cfg:        cfg,
		index:      make(map[string]*Param),
		blockCalls: make([]int, cfg.NumBlocks),
		rng:        rand.New(src),
	}
	m.normal = distuv.Normal{Mu: 0, Sigma: cfg.InitRange, Src: m.rng}

	m.wte = m.newParam("wte.weight", -1, cfg.VocabSize, cfg.EmbedDim)
	m.wpe = m.newParam("wpe.weight", -1, cfg.SeqLen, cfg.EmbedDim)

	for i := 0; i < cfg.NumBlocks; i++ {
		m.blocks = append(m.blocks, m.newBlock(i))
	}

	m.lnFW = m.newParam("ln_f.weight", -1, cfg.EmbedDim)
	m.lnFB = m.newParam("ln_f.bias", -1, cfg.EmbedDim)
	m.head = m.newParam("lm_head.weight", -1, cfg.EmbedDim, cfg.VocabSize)

	m.initParams(m.params)
	return m, nil
}

// newParam registers a zero parameter in declaration order.
func (m *Model) newParam(name string, blockIdx int, shape ...int) *Param {
	p := &Param{
		Name:      name,
		BlockIdx:  blockIdx,
		Data:      tensor.New(shape...),
		Grad:      tensor.New(shape...),
		Trainable: true,
	}
	m.params = append(m.params, p)
	m.index[name] = p
	return p
}

// initParams applies the GPT-2 initialization scheme to the given parameters:
// weights from N(0, init_range), residual projections scaled by 1/sqrt(2L),
// layer norm weights one, all biases zero.
func (m *Model) initParams(params []*Param) {
	projScale := 1.0 / math.Sqrt(2.0*float64(m.cfg.NumBlocks))
	for _, p := range params {
		data := p.Data.Data()
		switch {
		case strings.Contains(p.Name, "ln_") && strings.HasSuffix(p.Name, ".weight"):
			for i := range data {
				data[i] = 1
			}
		case strings.HasSuffix(p.Name, ".bias"):
			p.Data.Zero()
		case strings.HasSuffix(p.Name, "lora_b"):
			p.Data.Zero()
		case strings.HasSuffix(p.Name, "c_proj.weight"):
			for i := range data {
				data[i] = m.normal.Rand() * projScale
			}
		default:
			for i := range data {
				data[i] = m.normal.Rand()
			}
		}
	}
}

// ResetMode selects which parameters a re-initialization touches.
type ResetMode string

const (
	// ResetAll re-initializes every parameter in the given set.
	ResetAll ResetMode = "all"
	// ResetSkipEmbedding re-initializes everything except the token and
	// position embedding tables.
	ResetSkipEmbedding ResetMode = "embedding"
)

// ResetParams re-initializes the given parameters with the model's init
// scheme. Used to train client-side partitions from scratch while keeping
// the rest pretrained.
func (m *Model) ResetParams(params []*Param, mode ResetMode) {
	subset := params
	if mode == ResetSkipEmbedding {
		subset = subset[:0:0]
		for _, p := range params {
			if p.Name == "wte.weight" || p.Name == "wpe.weight" {
				continue
			}
			subset = append(subset, p)
		}
	}
	m.initParams(subset)
}

// Params returns the registry in declaration order.
func (m *Model) Params() []*Param { return m.params }

// ParamByName returns the named parameter or nil.
func (m *Model) ParamByName(name string) *Param { return m.index[name] }

// Config returns the architecture.
func (m *Model) Config() Config { return m.cfg }

// NumBlocks returns the layer count L.
func (m *Model) NumBlocks() int { return m.cfg.NumBlocks }

// BlockCalls returns how many times each block's forward has run since the
// last ResetBlockCalls.
func (m *Model) BlockCalls() []int {
	return append([]int(nil), m.blockCalls...)
}

// ResetBlockCalls zeroes the per-block forward counters.
func (m *Model) ResetBlockCalls() {
	for i := range m.blockCalls {
		m.blockCalls[i] = 0
	}
}

// ZeroGrads resets every parameter gradient.
func (m *Model) ZeroGrads() {
	for _, p := range m.params {
		p.Grad.Zero()
	}
}

// BlockIndex parses the block number out of a dotted parameter name, looking
// for an "h" segment directly followed by a non-negative integer segment
// ("h.3.attn.c_proj.weight" -> 3). Returns -1 when the name carries no block
// number.
func BlockIndex(name string) int {
	parts := strings.Split(name, ".")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] != "h" {
			continue
		}
		if n, err := strconv.Atoi(parts[i+1]); err == nil && n >= 0 {
			return n
		}
	}
	return -1
}

// EnableLoRA adds rank-r adapters to both projection matrices of the given
// block and freezes the block's base parameters. Adapter A starts from the
// init distribution, adapter B from zero, so the block's function is
// unchanged until training moves the adapters.
func (m *Model) EnableLoRA(blockIdx, rank int, alpha float64) error {
	if blockIdx < 0 || blockIdx >= m.cfg.NumBlocks {
		return fmt.Errorf("invalid block index %d for lora (model has %d blocks)", blockIdx, m.cfg.NumBlocks)
	}
	if rank <= 0 {
		return fmt.Errorf("invalid lora rank: %d (must be positive)", rank)
	}
	b := m.blocks[blockIdx]
	if b.loraAttnA != nil {
		return fmt.Errorf("lora already enabled for block %d", blockIdx)
	}
	for _, p := range m.params {
		if p.BlockIdx == blockIdx {
			p.Trainable = false
		}
	}
	prefix := fmt.Sprintf("h.%d.", blockIdx)
	b.loraAttnA = m.newParam(prefix+"attn.c_proj.lora_a", blockIdx, m.cfg.EmbedDim, rank)
	b.loraAttnB = m.newParam(prefix+"attn.c_proj.lora_b", blockIdx, rank, m.cfg.EmbedDim)
	b.loraMlpA = m.newParam(prefix+"mlp.c_proj.lora_a", blockIdx, m.cfg.FFHidden, rank)
	b.loraMlpB = m.newParam(prefix+"mlp.c_proj.lora_b", blockIdx, rank, m.cfg.EmbedDim)
	b.loraScale = alpha / float64(rank)
	m.initParams(m.params[len(m.params)-4:])
	return nil
}

// EmbedTokens looks up token embeddings only, without position information.
// Callers that perturb the embedding output must do so before AddPositions.
func (m *Model) EmbedTokens(ids [][]int) *tensor.Tensor {
	b, t := batchDims(ids)
	if t > m.cfg.SeqLen {
		panic(fmt.Sprintf("model: sequence length %d exceeds maximum %d", t, m.cfg.SeqLen))
	}
	out := tensor.New(b*t, m.cfg.EmbedDim)
	wte := m.wte.Data.Data()
	data := out.Data()
	d := m.cfg.EmbedDim
	for bi, seq := range ids {
		for ti, id := range seq {
			if id < 0 || id >= m.cfg.VocabSize {
				panic(fmt.Sprintf("model: token id %d out of vocab [0,%d)", id, m.cfg.VocabSize))
			}
			copy(data[(bi*t+ti)*d:(bi*t+ti+1)*d], wte[id*d:(id+1)*d])
		}
	}
	return out
}

// AddPositions adds the position embeddings to a (B*T, D) tensor of token
// embeddings.
func (m *Model) AddPositions(x *tensor.Tensor, batch, seqLen int) *tensor.Tensor {
	out := x.Clone()
	wpe := m.wpe.Data.Data()
	data := out.Data()
	d := m.cfg.EmbedDim
	for bi := 0; bi < batch; bi++ {
		for ti := 0; ti < seqLen; ti++ {
			row := data[(bi*seqLen+ti)*d : (bi*seqLen+ti+1)*d]
			pos := wpe[ti*d : (ti+1)*d]
			for j := range row {
				row[j] += pos[j]
			}
		}
	}
	return out
}

// EmbedBackward accumulates the embedding-output gradient into the token and
// position embedding tables.
func (m *Model) EmbedBackward(ids [][]int, gradX *tensor.Tensor) {
	_, t := batchDims(ids)
	d := m.cfg.EmbedDim
	grad := gradX.Data()
	wteG := m.wte.Grad.Data()
	wpeG := m.wpe.Grad.Data()
	for bi, seq := range ids {
		for ti, id := range seq {
			row := grad[(bi*t+ti)*d : (bi*t+ti+1)*d]
			tok := wteG[id*d : (id+1)*d]
			pos := wpeG[ti*d : (ti+1)*d]
			for j, v := range row {
				tok[j] += v
				pos[j] += v
			}
		}
	}
}

// FinalCache holds the activations of the final norm and head.
type FinalCache struct {
	X   *tensor.Tensor // ln_f input
	LnF *tensor.Tensor
}

// Final applies the final layer norm and the language-model head, producing
// (B*T, V) logits.
func (m *Model) Final(x *tensor.Tensor) (*tensor.Tensor, *FinalCache) {
	lnF := tensor.LayerNorm(x, m.lnFW.Data, m.lnFB.Data, m.cfg.Eps)
	logits := tensor.MatMul(lnF, m.head.Data)
	return logits, &FinalCache{X: x, LnF: lnF}
}

// FinalBackward propagates the logits gradient back through the head and the
// final layer norm, returning the gradient at the last block's output.
func (m *Model) FinalBackward(c *FinalCache, gradLogits *tensor.Tensor) *tensor.Tensor {
	gradLnF, gradHead := tensor.MatMulBackward(c.LnF, m.head.Data, gradLogits)
	tensor.AddInPlace(m.head.Grad, gradHead)
	gradX, gradW, gradB := tensor.LayerNormBackward(c.X, m.lnFW.Data, gradLnF, m.cfg.Eps)
	tensor.AddInPlace(m.lnFW.Grad, gradW)
	tensor.AddInPlace(m.lnFB.Grad, gradB)
	return gradX
}

// TokenEmbedding exposes the token embedding table (V, D).
func (m *Model) TokenEmbedding() *tensor.Tensor { return m.wte.Data }

// PositionEmbedding exposes the position embedding table (T, D).
func (m *Model) PositionEmbedding() *tensor.Tensor { return m.wpe.Data }

// NearestToken returns the vocab id whose embedding is closest to vec in
// squared euclidean distance.
func (m *Model) NearestToken(vec []float64) int {
	d := m.cfg.EmbedDim
	if len(vec) != d {
		panic(fmt.Sprintf("model: NearestToken expects %d dims, got %d", d, len(vec)))
	}
	wte := m.wte.Data.Data()
	best, bestDist := 0, math.Inf(1)
	for id := 0; id < m.cfg.VocabSize; id++ {
		row := wte[id*d : (id+1)*d]
		dist := 0.0
		for j, v := range vec {
			diff := v - row[j]
			dist += diff * diff
		}
		if dist < bestDist {
			best, bestDist = id, dist
		}
	}
	return best
}

func batchDims(ids [][]int) (b, t int) {
	b = len(ids)
	if b == 0 {
		panic("model: empty batch")
	}
	t = len(ids[0])
	if t == 0 {
		panic("model: empty sequence")
	}
	for _, seq := range ids {
		if len(seq) != t {
			panic(fmt.Sprintf("model: ragged batch: %d vs %d tokens", len(seq), t))
		}
	}
	return b, t
}
