package split

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-palisade/internal/config"
	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/tensor"
)

func tinyModelConfig(blocks int) model.Config {
	return model.Config{
		VocabSize: 17,
		SeqLen:    8,
		EmbedDim:  8,
		NumHeads:  2,
		NumBlocks: blocks,
		FFHidden:  16,
		InitRange: 0.02,
		Eps:       1e-5,
	}
}

func testConfig(sp1, sp2 int) config.FLConfig {
	cfg := config.Default()
	cfg.SplitPoint1 = sp1
	cfg.SplitPoint2 = sp2
	cfg.Seed = 9
	return cfg
}

func newExecutor(t *testing.T, blocks int, cfg config.FLConfig) *Executor {
	t.Helper()
	m, err := model.New(tinyModelConfig(blocks), cfg.Seed)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(m, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func testBatch() ([][]int, [][]float64) {
	ids := [][]int{{1, 2, 3, 4}, {5, 6, 7, 8}}
	mask := [][]float64{{1, 1, 1, 1}, {1, 1, 1, 1}}
	return ids, mask
}

func TestPartitionExactness(t *testing.T) {
	// Twelve blocks cut at 4 and 9: bottom h.0-h.3 plus embeddings,
	// trunk h.4-h.8, top h.9-h.11 plus the final norm and head.
	e := newExecutor(t, 12, testConfig(4, 9))
	bottom := e.BottomParams(false)
	trunk := e.TrunkParams(false)
	top := e.TopParams(false)

	if got, want := len(bottom)+len(trunk)+len(top), len(e.Model().Params()); got != want {
		t.Fatalf("partitions cover %d of %d params", got, want)
	}
	seen := make(map[string]int)
	for _, p := range bottom {
		seen[p.Name]++
	}
	for _, p := range trunk {
		seen[p.Name]++
	}
	for _, p := range top {
		seen[p.Name]++
	}
	for name, n := range seen {
		if n != 1 {
			t.Fatalf("param %s appears in %d partitions", name, n)
		}
	}
	for _, p := range bottom {
		if idx := model.BlockIndex(p.Name); idx >= 4 {
			t.Fatalf("bottom holds block %d param %s", idx, p.Name)
		}
	}
	for _, p := range trunk {
		idx := model.BlockIndex(p.Name)
		if idx < 4 || idx >= 9 {
			t.Fatalf("trunk holds out-of-range param %s", p.Name)
		}
	}
	for _, p := range top {
		idx := model.BlockIndex(p.Name)
		if idx >= 0 && idx < 9 {
			t.Fatalf("top holds block %d param %s", idx, p.Name)
		}
	}
	// Embeddings at the bottom, final layer at the top.
	if e.PartitionOf(e.Model().ParamByName("wte.weight")) != PartitionBottom {
		t.Fatal("wte must live in the bottom")
	}
	if e.PartitionOf(e.Model().ParamByName("ln_f.weight")) != PartitionTop {
		t.Fatal("ln_f must live in the top")
	}
	if e.PartitionOf(e.Model().ParamByName("lm_head.weight")) != PartitionTop {
		t.Fatal("lm_head must live in the top")
	}
}

func TestForwardDeterminism(t *testing.T) {
	ids, mask := testBatch()
	run := func() []float64 {
		e := newExecutor(t, 4, testConfig(1, 3))
		res, err := e.Forward(Input{IDs: ids, Mask: mask}, false)
		if err != nil {
			t.Fatal(err)
		}
		return res.Logits.Data()
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same seed and input must give identical logits")
		}
	}
}

func TestDualInputRejected(t *testing.T) {
	e := newExecutor(t, 4, testConfig(1, 3))
	ids, mask := testBatch()
	embeds := tensor.New(8, 8)
	if _, err := e.Forward(Input{IDs: ids, Embeds: embeds, Mask: mask}, false); err != ErrDualInput {
		t.Fatalf("expected ErrDualInput, got %v", err)
	}
	if _, err := e.Forward(Input{}, false); err != ErrNoInput {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestCutForwardRoundTrip(t *testing.T) {
	cfg := testConfig(1, 3)
	e := newExecutor(t, 4, cfg)
	ids, mask := testBatch()
	res, err := e.Forward(Input{IDs: ids, Mask: mask}, true)
	if err != nil {
		t.Fatal(err)
	}
	_, tr2t := e.Intermediates()
	if tr2t == nil {
		t.Fatal("tr2t must be captured when collecting")
	}
	logits := e.CutForward(tr2t.Activation, mask, tr2t.Batch, tr2t.SeqLen)
	full := res.Logits.Data()
	for i, v := range logits.Data() {
		if v != full[i] {
			t.Fatal("cut forward must reproduce the full pass tail exactly")
		}
	}
}

func TestAttackModeEarlyReturn(t *testing.T) {
	cfg := testConfig(4, 9)
	cfg.AttackMode = config.AttackB2TR
	e := newExecutor(t, 12, cfg)
	ids, mask := testBatch()

	res, err := e.Forward(Input{IDs: ids, Mask: mask}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Logits != nil {
		t.Fatal("attack mode must not produce logits")
	}
	if res.Early == nil || res.Early.Boundary != BoundaryB2TR {
		t.Fatal("attack mode must return the b2tr capture")
	}
	calls := e.Model().BlockCalls()
	for i, n := range calls {
		if i < 4 && n != 1 {
			t.Fatalf("bottom block %d ran %d times, want 1", i, n)
		}
		if i >= 4 && n != 0 {
			t.Fatalf("block %d past the cut ran %d times, want 0", i, n)
		}
	}
	// Early return takes precedence over collection: no slot is filled.
	b2tr, tr2t := e.Intermediates()
	if b2tr != nil || tr2t != nil {
		t.Fatal("early return must not populate the collection slots")
	}
	// And no backward state exists.
	if err := e.Backward(tensor.New(1, 1)); err != ErrNoBackwardState {
		t.Fatalf("expected ErrNoBackwardState, got %v", err)
	}
}

func TestAttackModeTR2T(t *testing.T) {
	cfg := testConfig(4, 9)
	cfg.AttackMode = config.AttackTR2T
	e := newExecutor(t, 12, cfg)
	ids, mask := testBatch()
	res, err := e.Forward(Input{IDs: ids, Mask: mask}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Early == nil || res.Early.Boundary != BoundaryTR2T {
		t.Fatal("attack mode must return the tr2t capture")
	}
	for i, n := range e.Model().BlockCalls() {
		if i < 9 && n != 1 {
			t.Fatalf("block %d ran %d times, want 1", i, n)
		}
		if i >= 9 && n != 0 {
			t.Fatalf("top block %d ran %d times, want 0", i, n)
		}
	}
}

// The attack-mode early return carries the raw activation: configured noise
// must not touch it.
func TestAttackModeReturnsUnnoisedActivation(t *testing.T) {
	ids, mask := testBatch()
	early := func(mode config.NoiseMode) []float64 {
		cfg := testConfig(1, 3)
		cfg.NoiseMode = mode
		cfg.NoiseScale = 0.5
		cfg.AttackMode = config.AttackB2TR
		e := newExecutor(t, 4, cfg)
		res, err := e.Forward(Input{IDs: ids, Mask: mask}, true)
		if err != nil {
			t.Fatal(err)
		}
		if res.Early == nil {
			t.Fatal("attack mode must return the boundary capture")
		}
		return res.Early.Activation.Data()
	}
	clean, noisy := early(config.NoiseNone), early(config.NoiseGaussian)
	for i := range clean {
		if clean[i] != noisy[i] {
			t.Fatal("attack-mode capture must bypass gaussian noise")
		}
	}
}

// Capture and noise belong to collecting training passes only: an eval pass
// or a non-collecting training pass leaves the slots empty and the logits
// unperturbed.
func TestBoundariesUntouchedOutsideCollectingTraining(t *testing.T) {
	ids, mask := testBatch()
	run := func(mode config.NoiseMode, training, collect bool) (*Executor, []float64) {
		cfg := testConfig(1, 3)
		cfg.NoiseMode = mode
		cfg.NoiseScale = 0.5
		cfg.CollectIntermediates = collect
		e := newExecutor(t, 4, cfg)
		res, err := e.Forward(Input{IDs: ids, Mask: mask}, training)
		if err != nil {
			t.Fatal(err)
		}
		return e, res.Logits.Data()
	}

	e, noisyEval := run(config.NoiseGaussian, false, true)
	b2tr, tr2t := e.Intermediates()
	if b2tr != nil || tr2t != nil {
		t.Fatal("eval pass must not populate the boundary slots")
	}
	_, cleanEval := run(config.NoiseNone, false, true)
	for i := range cleanEval {
		if noisyEval[i] != cleanEval[i] {
			t.Fatal("eval pass must not apply boundary noise")
		}
	}

	e, _ = run(config.NoiseGaussian, true, false)
	b2tr, tr2t = e.Intermediates()
	if b2tr != nil || tr2t != nil {
		t.Fatal("non-collecting training pass must not populate the boundary slots")
	}
}

// Two full-length sequences produce boundary tensors covering every
// position: batch 2, seq_len 8, one embedding row per position.
func TestBoundaryCaptureShapes(t *testing.T) {
	e := newExecutor(t, 12, testConfig(4, 9))
	ids := [][]int{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{9, 10, 11, 12, 13, 14, 15, 16},
	}
	mask := [][]float64{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1, 1, 1, 1},
	}
	res, err := e.Forward(Input{IDs: ids, Mask: mask}, true)
	if err != nil {
		t.Fatal(err)
	}
	b2tr, tr2t := e.Intermediates()
	if b2tr == nil || tr2t == nil {
		t.Fatal("both boundaries must be captured")
	}
	d := e.Model().Config().EmbedDim
	for _, inter := range []*Intermediate{b2tr, tr2t} {
		if inter.Batch != 2 || inter.SeqLen != 8 {
			t.Fatalf("%s capture is %dx%d, want 2x8", inter.Boundary, inter.Batch, inter.SeqLen)
		}
		if !tensor.ShapeEqual(inter.Activation.Shape(), []int{16, d}) {
			t.Fatalf("%s activation shape %v, want [16 %d]", inter.Boundary, inter.Activation.Shape(), d)
		}
	}

	_, gradLogits := e.Model().LossAndGrad(res.Logits, ids, mask)
	if err := e.Backward(gradLogits); err != nil {
		t.Fatal(err)
	}
	for _, inter := range []*Intermediate{b2tr, tr2t} {
		if inter.Grad == nil {
			t.Fatalf("%s gradient missing after backward", inter.Boundary)
		}
		if !tensor.ShapeEqual(inter.Grad.Shape(), inter.Activation.Shape()) {
			t.Fatalf("%s gradient shape %v differs from activation %v",
				inter.Boundary, inter.Grad.Shape(), inter.Activation.Shape())
		}
	}
}

func TestBoundaryGradRetention(t *testing.T) {
	e := newExecutor(t, 4, testConfig(1, 3))
	ids, mask := testBatch()

	if _, _, ok := e.TopToTrunkGrad(true); ok {
		t.Fatal("no grads before any pass")
	}

	res, err := e.Forward(Input{IDs: ids, Mask: mask}, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := e.TrunkToBottomGrad(true); ok {
		t.Fatal("no grads before backward")
	}

	_, gradLogits := e.Model().LossAndGrad(res.Logits, ids, mask)
	if err := e.Backward(gradLogits); err != nil {
		t.Fatal(err)
	}

	act, grad, ok := e.TopToTrunkGrad(true)
	if !ok {
		t.Fatal("tr2t grad must be retained after backward")
	}
	if !tensor.ShapeEqual(act.Shape(), grad.Shape()) {
		t.Fatalf("activation %v and gradient %v shapes differ", act.Shape(), grad.Shape())
	}
	act2, grad2, ok := e.TrunkToBottomGrad(true)
	if !ok {
		t.Fatal("b2tr grad must be retained after backward")
	}
	if !tensor.ShapeEqual(act2.Shape(), grad2.Shape()) {
		t.Fatal("b2tr activation and gradient shapes differ")
	}

	// Detached copies must not alias the live slots.
	act.Set(12345, 0, 0)
	live, _, _ := e.TopToTrunkGrad(false)
	if live.At(0, 0) == 12345 {
		t.Fatal("detach must copy")
	}

	// A new forward pass makes the old capture stale.
	if _, err := e.Forward(Input{IDs: ids, Mask: mask}, true); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := e.TopToTrunkGrad(true); ok {
		t.Fatal("grads from a previous generation must not be served")
	}
}

func TestSplitPointZeroCapturesEmbeddingOutput(t *testing.T) {
	cfg := testConfig(0, 2)
	e := newExecutor(t, 4, cfg)
	ids, mask := testBatch()
	if _, err := e.Forward(Input{IDs: ids, Mask: mask}, true); err != nil {
		t.Fatal(err)
	}
	b2tr, _ := e.Intermediates()
	if b2tr == nil {
		t.Fatal("b2tr must be captured")
	}
	m := e.Model()
	want := m.AddPositions(m.EmbedTokens(ids), 2, 4)
	for i, v := range b2tr.Activation.Data() {
		if v != want.Data()[i] {
			t.Fatal("with split point 0 the b2tr capture is the embedding output")
		}
	}
}

func TestGaussianNoiseScales(t *testing.T) {
	ids, mask := testBatch()

	capture := func(mode config.NoiseMode, scale float64) *tensor.Tensor {
		cfg := testConfig(1, 3)
		cfg.NoiseMode = mode
		cfg.NoiseScale = scale
		e := newExecutor(t, 4, cfg)
		if _, err := e.Forward(Input{IDs: ids, Mask: mask}, true); err != nil {
			t.Fatal(err)
		}
		b2tr, _ := e.Intermediates()
		if b2tr == nil {
			t.Fatal("b2tr must be captured")
		}
		return b2tr.Activation
	}

	clean := capture(config.NoiseNone, 1)
	small := capture(config.NoiseGaussian, 0.05)
	large := capture(config.NoiseGaussian, 0.5)

	meanAbs := func(a, b *tensor.Tensor) float64 {
		sum := 0.0
		for i, v := range a.Data() {
			sum += math.Abs(v - b.Data()[i])
		}
		return sum / float64(a.Size())
	}
	dSmall := meanAbs(small, clean)
	dLarge := meanAbs(large, clean)
	if dSmall == 0 {
		t.Fatal("gaussian noise must perturb the boundary")
	}
	// Same seed draws the same normals, so the perturbation is exactly
	// proportional to the scale.
	if ratio := dLarge / dSmall; math.Abs(ratio-10) > 1e-6 {
		t.Fatalf("perturbation must scale linearly with noise_scale, ratio %f", ratio)
	}
}

func TestNoisePerturbationFlowsForward(t *testing.T) {
	ids, mask := testBatch()
	run := func(mode config.NoiseMode) []float64 {
		cfg := testConfig(1, 3)
		cfg.NoiseMode = mode
		cfg.NoiseScale = 0.5
		e := newExecutor(t, 4, cfg)
		res, err := e.Forward(Input{IDs: ids, Mask: mask}, true)
		if err != nil {
			t.Fatal(err)
		}
		return res.Logits.Data()
	}
	clean, noisy := run(config.NoiseNone), run(config.NoiseGaussian)
	same := true
	for i := range clean {
		if clean[i] != noisy[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("boundary noise must change the logits downstream")
	}
}

func TestDxpNoiseSnapsToVocab(t *testing.T) {
	ids, mask := testBatch()
	cfg := testConfig(0, 2)
	cfg.NoiseMode = config.NoiseDxp
	cfg.NoiseScale = 2
	e := newExecutor(t, 4, cfg)
	if _, err := e.Forward(Input{IDs: ids, Mask: mask}, true); err != nil {
		t.Fatal(err)
	}
	b2tr, _ := e.Intermediates()
	if b2tr == nil {
		t.Fatal("b2tr must be captured")
	}
	m := e.Model()
	d := m.Config().EmbedDim
	wte := m.TokenEmbedding().Data()
	wpe := m.PositionEmbedding().Data()
	act := b2tr.Activation.Data()
	for r := 0; r < b2tr.Batch*b2tr.SeqLen; r++ {
		pos := r % b2tr.SeqLen
		row := make([]float64, d)
		for j := range row {
			row[j] = act[r*d+j] - wpe[pos*d+j]
		}
		id := m.NearestToken(row)
		dist := 0.0
		for j := range row {
			diff := row[j] - wte[id*d+j]
			dist += diff * diff
		}
		if math.Sqrt(dist) > 1e-9 {
			t.Fatalf("row %d is not a vocabulary embedding (distance %g)", r, math.Sqrt(dist))
		}
	}
}

// TestParameterGradients checks the full analytic backward pass through the
// executor against central finite differences on the loss.
func TestParameterGradients(t *testing.T) {
	cfg := testConfig(1, 2)
	e := newExecutor(t, 3, cfg)
	m := e.Model()
	ids, mask := testBatch()

	res, err := e.Forward(Input{IDs: ids, Mask: mask}, true)
	if err != nil {
		t.Fatal(err)
	}
	_, gradLogits := m.LossAndGrad(res.Logits, ids, mask)
	if err := e.Backward(gradLogits); err != nil {
		t.Fatal(err)
	}

	lossAt := func() float64 {
		r, err := e.Forward(Input{IDs: ids, Mask: mask}, false)
		if err != nil {
			t.Fatal(err)
		}
		loss, _ := m.LossAndGrad(r.Logits, ids, mask)
		return loss
	}

	const h = 1e-5
	check := func(name string, indices ...int) {
		p := m.ParamByName(name)
		if p == nil {
			t.Fatalf("unknown param %s", name)
		}
		data := p.Data.Data()
		analytic := p.Grad.Data()
		for _, i := range indices {
			orig := data[i]
			data[i] = orig + h
			plus := lossAt()
			data[i] = orig - h
			minus := lossAt()
			data[i] = orig
			numeric := (plus - minus) / (2 * h)
			tol := 1e-4 * (1 + math.Abs(numeric))
			if math.Abs(analytic[i]-numeric) > tol {
				t.Errorf("%s[%d]: analytic %g vs numeric %g", name, i, analytic[i], numeric)
			}
		}
	}

	check("wte.weight", 8, 17, 30)
	check("wpe.weight", 0, 9)
	check("h.0.attn.c_attn.weight", 3, 40, 100)
	check("h.0.attn.c_proj.weight", 5, 33)
	check("h.1.ln_1.weight", 0, 4)
	check("h.1.mlp.c_fc.weight", 7, 60)
	check("h.2.mlp.c_proj.weight", 11, 90)
	check("h.2.attn.c_attn.bias", 2, 12)
	check("ln_f.weight", 1, 6)
	check("ln_f.bias", 0, 3)
	check("lm_head.weight", 4, 50)
}

// TestLoRAGradients repeats the finite-difference check for adapter
// parameters, with non-zero adapter B so gradient flows through both.
func TestLoRAGradients(t *testing.T) {
	cfg := testConfig(1, 2)
	cfg.UseLoRAAtTrunk = true
	cfg.LoRARank = 2
	cfg.LoRAAlpha = 4
	e := newExecutor(t, 3, cfg)
	m := e.Model()
	ids, mask := testBatch()

	// lora_b starts at zero; move it off zero so lora_a gets gradient.
	for _, name := range []string{"h.1.attn.c_proj.lora_b", "h.1.mlp.c_proj.lora_b"} {
		data := m.ParamByName(name).Data.Data()
		for i := range data {
			data[i] = 0.01 * float64(i+1)
		}
	}

	res, err := e.Forward(Input{IDs: ids, Mask: mask}, true)
	if err != nil {
		t.Fatal(err)
	}
	_, gradLogits := m.LossAndGrad(res.Logits, ids, mask)
	if err := e.Backward(gradLogits); err != nil {
		t.Fatal(err)
	}

	lossAt := func() float64 {
		r, err := e.Forward(Input{IDs: ids, Mask: mask}, false)
		if err != nil {
			t.Fatal(err)
		}
		loss, _ := m.LossAndGrad(r.Logits, ids, mask)
		return loss
	}

	const h = 1e-5
	for _, name := range []string{
		"h.1.attn.c_proj.lora_a", "h.1.attn.c_proj.lora_b",
		"h.1.mlp.c_proj.lora_a", "h.1.mlp.c_proj.lora_b",
	} {
		p := m.ParamByName(name)
		data := p.Data.Data()
		analytic := p.Grad.Data()
		for _, i := range []int{0, len(data) / 2} {
			orig := data[i]
			data[i] = orig + h
			plus := lossAt()
			data[i] = orig - h
			minus := lossAt()
			data[i] = orig
			numeric := (plus - minus) / (2 * h)
			tol := 1e-4 * (1 + math.Abs(numeric))
			if math.Abs(analytic[i]-numeric) > tol {
				t.Errorf("%s[%d]: analytic %g vs numeric %g", name, i, analytic[i], numeric)
			}
		}
	}
}

func TestTrainableOnlyFiltersFrozen(t *testing.T) {
	cfg := testConfig(1, 2)
	cfg.UseLoRAAtTrunk = true
	cfg.LoRARank = 2
	cfg.LoRAAlpha = 4
	e := newExecutor(t, 3, cfg)

	for _, p := range e.TrunkParams(true) {
		if !p.Trainable {
			t.Fatalf("trainable-only view returned frozen param %s", p.Name)
		}
	}
	// With LoRA on the trunk, only the adapters stay trainable there.
	trainable := e.TrunkParams(true)
	if len(trainable) != 4 {
		t.Fatalf("expected 4 trainable trunk params (the adapters), got %d", len(trainable))
	}
	// Adapters inherit the block's partition.
	for _, p := range trainable {
		if e.PartitionOf(p) != PartitionTrunk {
			t.Fatalf("adapter %s must live in the trunk", p.Name)
		}
	}
}
