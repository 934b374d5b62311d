// Package split executes a transformer as three partitions (bottom, trunk,
// top) cut at two block boundaries, capturing the activations and gradients
// that cross each cut.
package split

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-palisade/internal/config"
	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/tensor"
	"golang.org/x/exp/rand"
)

// Boundary identifies one of the two cut points.
type Boundary string

const (
	BoundaryB2TR Boundary = "b2tr" // bottom to trunk
	BoundaryTR2T Boundary = "tr2t" // trunk to top
)

// Partition identifies one of the three model segments.
type Partition string

const (
	PartitionBottom Partition = "bottom"
	PartitionTrunk  Partition = "trunk"
	PartitionTop    Partition = "top"
)

var (
	// ErrDualInput is returned when a forward call specifies both token ids
	// and pre-computed embeddings.
	ErrDualInput = errors.New("split: cannot specify both input ids and input embeddings")
	// ErrNoInput is returned when a forward call specifies neither.
	ErrNoInput = errors.New("split: no input specified")
	// ErrNoBackwardState is returned when Backward runs without a completed
	// full forward pass.
	ErrNoBackwardState = errors.New("split: no full forward pass to backpropagate")
)

// Intermediate is a captured boundary crossing. Activation is a detached
// copy taken at capture time; Grad is filled by the matching backward pass
// and stays nil when no backward ran. Generation ties the capture to the
// forward pass that produced it.
type Intermediate struct {
	Boundary   Boundary
	Activation *tensor.Tensor
	Grad       *tensor.Tensor
	Generation uint64
	Batch      int
	SeqLen     int
}

// Input is one forward call's input. Exactly one of IDs and Embeds must be
// set. Embeds is a (B*T, D) hidden state with position information already
// added; Batch and SeqLen are required with it.
type Input struct {
	IDs    [][]int
	Embeds *tensor.Tensor
	Mask   [][]float64
	Batch  int
	SeqLen int
}

// Result is a forward pass outcome. Exactly one of Logits and Early is set:
// Early carries the boundary capture when attack mode ended the pass at a
// cut point.
type Result struct {
	Logits *tensor.Tensor
	Early  *Intermediate
}

// Executor wraps a model with split-execution behavior: partition views of
// the parameter registry, boundary capture with optional noise, attack-mode
// early returns, and resumption from the trunk-top cut.
type Executor struct {
	m   *model.Model
	cfg config.FLConfig
	rng *rand.Rand

	gen  uint64
	b2tr *Intermediate
	tr2t *Intermediate

	lastIDs     [][]int
	blockCaches []*model.BlockCache
	finalCache  *model.FinalCache
}

// New validates cfg against the model and applies its structural options:
// per-partition LoRA adapters and from-scratch client partitions.
func New(m *model.Model, cfg config.FLConfig) (*Executor, error) {
	if err := cfg.Validate(m.NumBlocks()); err != nil {
		return nil, fmt.Errorf("split config: %w", err)
	}
	e := &Executor{
		m:   m,
		cfg: cfg,
		rng: rand.New(rand.NewSource(uint64(cfg.Seed) + 1)),
	}
	for i := 0; i < m.NumBlocks(); i++ {
		var want bool
		switch {
		case i < cfg.SplitPoint1:
			want = cfg.UseLoRAAtBottom
		case i < cfg.SplitPoint2:
			want = cfg.UseLoRAAtTrunk
		default:
			want = cfg.UseLoRAAtTop
		}
		if want {
			if err := m.EnableLoRA(i, cfg.LoRARank, cfg.LoRAAlpha); err != nil {
				return nil, err
			}
		}
	}
	if cfg.TopBottomFromScratch {
		fresh := append(e.BottomParams(false), e.TopParams(false)...)
		m.ResetParams(fresh, model.ResetSkipEmbedding)
	}
	return e, nil
}

// Model returns the wrapped model.
func (e *Executor) Model() *model.Model { return e.m }

// Config returns the validated run configuration.
func (e *Executor) Config() config.FLConfig { return e.cfg }

// Generation returns the forward pass counter; an Intermediate whose
// Generation is lower is stale.
func (e *Executor) Generation() uint64 { return e.gen }

// PartitionOf maps a parameter to its partition. Embeddings belong to the
// bottom, the final norm and head to the top, blocks to the partition their
// index falls in.
func (e *Executor) PartitionOf(p *model.Param) Partition {
	if p.BlockIdx >= 0 {
		switch {
		case p.BlockIdx < e.cfg.SplitPoint1:
			return PartitionBottom
		case p.BlockIdx < e.cfg.SplitPoint2:
			return PartitionTrunk
		default:
			return PartitionTop
		}
	}
	if strings.HasPrefix(p.Name, "wte.") || strings.HasPrefix(p.Name, "wpe.") {
		return PartitionBottom
	}
	return PartitionTop
}

func (e *Executor) partitionParams(part Partition, trainableOnly bool) []*model.Param {
	var out []*model.Param
	for _, p := range e.m.Params() {
		if trainableOnly && !p.Trainable {
			continue
		}
		if e.PartitionOf(p) == part {
			out = append(out, p)
		}
	}
	return out
}

// BottomParams returns the client-side bottom parameters in declaration
// order.
func (e *Executor) BottomParams(trainableOnly bool) []*model.Param {
	return e.partitionParams(PartitionBottom, trainableOnly)
}

// TrunkParams returns the shared server-side trunk parameters.
func (e *Executor) TrunkParams(trainableOnly bool) []*model.Param {
	return e.partitionParams(PartitionTrunk, trainableOnly)
}

// TopParams returns the client-side top parameters.
func (e *Executor) TopParams(trainableOnly bool) []*model.Param {
	return e.partitionParams(PartitionTop, trainableOnly)
}

// Forward runs the full stack on one batch. On collecting training passes
// the boundary activations are captured at the two cuts, with configured
// noise applied before capture so the perturbation also flows forward.
// When attack mode targets a boundary the pass stops there and Result.Early
// carries the raw, unnoised activation; blocks past the cut never run.
func (e *Executor) Forward(in Input, training bool) (*Result, error) {
	if in.IDs != nil && in.Embeds != nil {
		return nil, ErrDualInput
	}
	if in.IDs == nil && in.Embeds == nil {
		return nil, ErrNoInput
	}

	e.gen++
	e.finalCache = nil
	e.blockCaches = nil
	e.lastIDs = nil

	collect := training && e.cfg.CollectIntermediates

	var x *tensor.Tensor
	var batch, seqLen int
	if in.IDs != nil {
		batch = len(in.IDs)
		if batch == 0 {
			return nil, fmt.Errorf("split: empty batch")
		}
		seqLen = len(in.IDs[0])
		x = e.m.EmbedTokens(in.IDs)
		if collect && e.cfg.NoiseMode == config.NoiseDxp {
			x = e.dxpNoise(x)
		}
		x = e.m.AddPositions(x, batch, seqLen)
		e.lastIDs = in.IDs
	} else {
		if in.Batch <= 0 || in.SeqLen <= 0 {
			return nil, fmt.Errorf("split: embeddings input requires batch and seq_len")
		}
		batch, seqLen = in.Batch, in.SeqLen
		x = in.Embeds
	}

	caches := make([]*model.BlockCache, e.m.NumBlocks())

	if e.cfg.SplitPoint1 == 0 {
		var early *Intermediate
		x, early = e.crossB2TR(x, collect, batch, seqLen)
		if early != nil {
			return &Result{Early: early}, nil
		}
	}
	for i := 0; i < e.m.NumBlocks(); i++ {
		var cache *model.BlockCache
		x, cache = e.m.ForwardBlock(i, x, in.Mask, batch, seqLen)
		caches[i] = cache
		if i == e.cfg.SplitPoint1-1 {
			var early *Intermediate
			x, early = e.crossB2TR(x, collect, batch, seqLen)
			if early != nil {
				return &Result{Early: early}, nil
			}
		}
		if i == e.cfg.SplitPoint2-1 {
			if e.cfg.AttackMode == config.AttackTR2T {
				return &Result{Early: e.capture(BoundaryTR2T, x, batch, seqLen)}, nil
			}
			if collect {
				e.tr2t = e.capture(BoundaryTR2T, x, batch, seqLen)
			}
		}
	}

	logits, finalCache := e.m.Final(x)
	if training {
		e.blockCaches = caches
		e.finalCache = finalCache
	}
	return &Result{Logits: logits}, nil
}

// crossB2TR applies bottom-trunk boundary behavior to the hidden state x.
// The attack-mode early return comes first and hands back the raw state;
// noise and capture run only on collecting training passes. Returns the
// (possibly perturbed) state and a non-nil Intermediate on early return.
func (e *Executor) crossB2TR(x *tensor.Tensor, collect bool, batch, seqLen int) (*tensor.Tensor, *Intermediate) {
	if e.cfg.AttackMode == config.AttackB2TR {
		return x, e.capture(BoundaryB2TR, x, batch, seqLen)
	}
	if !collect {
		return x, nil
	}
	if e.cfg.NoiseMode == config.NoiseGaussian {
		x = e.gaussianNoise(x)
	}
	e.b2tr = e.capture(BoundaryB2TR, x, batch, seqLen)
	return x, nil
}

func (e *Executor) capture(b Boundary, x *tensor.Tensor, batch, seqLen int) *Intermediate {
	return &Intermediate{
		Boundary:   b,
		Activation: x.Clone(),
		Generation: e.gen,
		Batch:      batch,
		SeqLen:     seqLen,
	}
}

// Backward propagates the logits gradient through the whole stack,
// accumulating parameter gradients. As the gradient crosses each cut it is
// stored into the boundary Intermediate captured by the matching forward.
func (e *Executor) Backward(gradLogits *tensor.Tensor) error {
	if e.finalCache == nil {
		return ErrNoBackwardState
	}
	grad := e.m.FinalBackward(e.finalCache, gradLogits)
	for i := e.m.NumBlocks() - 1; i >= 0; i-- {
		if i == e.cfg.SplitPoint2-1 {
			e.storeGrad(e.tr2t, grad)
		}
		grad = e.m.BackwardBlock(i, e.blockCaches[i], grad)
		if i == e.cfg.SplitPoint1 {
			// grad now sits at block SplitPoint1's input, which is the
			// bottom-trunk boundary.
			e.storeGrad(e.b2tr, grad)
		}
	}
	if e.lastIDs != nil {
		e.m.EmbedBackward(e.lastIDs, grad)
	}
	e.finalCache = nil
	e.blockCaches = nil
	return nil
}

func (e *Executor) storeGrad(inter *Intermediate, grad *tensor.Tensor) {
	if inter == nil || inter.Generation != e.gen {
		return
	}
	inter.Grad = grad.Clone()
}

// CutForward resumes a forward pass from a trunk-top boundary activation,
// running blocks SplitPoint2 .. L-1 plus the final norm and head. The same
// attention mask used for the original pass must be supplied; the result is
// numerically identical to the tail of a full pass over the same state.
func (e *Executor) CutForward(hidden *tensor.Tensor, mask [][]float64, batch, seqLen int) *tensor.Tensor {
	x := hidden
	for i := e.cfg.SplitPoint2; i < e.m.NumBlocks(); i++ {
		x, _ = e.m.ForwardBlock(i, x, mask, batch, seqLen)
	}
	logits, _ := e.m.Final(x)
	return logits
}

// TopToTrunkGrad returns the trunk-top boundary activation and the gradient
// that crossed it in the last backward pass. ok is false when either is
// absent or stale. With detach set the returned tensors are copies.
func (e *Executor) TopToTrunkGrad(detach bool) (act, grad *tensor.Tensor, ok bool) {
	return e.boundaryGrad(e.tr2t, detach)
}

// TrunkToBottomGrad is TopToTrunkGrad for the bottom-trunk boundary.
func (e *Executor) TrunkToBottomGrad(detach bool) (act, grad *tensor.Tensor, ok bool) {
	return e.boundaryGrad(e.b2tr, detach)
}

func (e *Executor) boundaryGrad(inter *Intermediate, detach bool) (*tensor.Tensor, *tensor.Tensor, bool) {
	if inter == nil || inter.Grad == nil || inter.Generation != e.gen {
		return nil, nil, false
	}
	if detach {
		return inter.Activation.Clone(), inter.Grad.Clone(), true
	}
	return inter.Activation, inter.Grad, true
}

// Intermediates returns the current boundary slots; entries may be nil or
// stale (Generation below Generation()).
func (e *Executor) Intermediates() (b2tr, tr2t *Intermediate) {
	return e.b2tr, e.tr2t
}
