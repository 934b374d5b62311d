package optim

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/tensor"
)

func makeParam(name string, vals, grads []float64) *model.Param {
	return &model.Param{
		Name:      name,
		BlockIdx:  -1,
		Data:      tensor.FromSlice(vals, len(vals)),
		Grad:      tensor.FromSlice(grads, len(grads)),
		Trainable: true,
	}
}

func TestSGDStep(t *testing.T) {
	p := makeParam("w", []float64{1, 2, 3}, []float64{0.5, -1, 2})
	sgd := NewSGD([]*model.Param{p}, 0.1)
	sgd.Step()
	want := []float64{0.95, 2.1, 2.8}
	for i, v := range p.Data.Data() {
		if math.Abs(v-want[i]) > 1e-12 {
			t.Fatalf("param[%d] = %f, want %f", i, v, want[i])
		}
	}
}

func TestSGDSkipsFrozen(t *testing.T) {
	p := makeParam("w", []float64{1}, []float64{10})
	p.Trainable = false
	NewSGD([]*model.Param{p}, 0.1).Step()
	if p.Data.At(0) != 1 {
		t.Fatal("frozen param must not move")
	}
}

func TestZeroGrad(t *testing.T) {
	p := makeParam("w", []float64{1}, []float64{10})
	sgd := NewSGD([]*model.Param{p}, 0.1)
	sgd.ZeroGrad()
	if p.Grad.At(0) != 0 {
		t.Fatal("ZeroGrad must clear gradients")
	}
}

func TestAdamFirstStepIsSignedLR(t *testing.T) {
	// With bias correction, step one moves each weight by lr*sign(grad).
	p := makeParam("w", []float64{1, 1}, []float64{0.3, -0.7})
	adam := NewAdam([]*model.Param{p}, 0.01)
	adam.Step()
	want := []float64{1 - 0.01, 1 + 0.01}
	for i, v := range p.Data.Data() {
		if math.Abs(v-want[i]) > 1e-6 {
			t.Fatalf("param[%d] = %f, want %f", i, v, want[i])
		}
	}
}

func TestAdamDescendsQuadratic(t *testing.T) {
	// Minimize f(w) = w^2; gradient is 2w.
	p := makeParam("w", []float64{3}, []float64{0})
	adam := NewAdam([]*model.Param{p}, 0.1)
	for i := 0; i < 200; i++ {
		p.Grad.Set(2*p.Data.At(0), 0)
		adam.Step()
	}
	if math.Abs(p.Data.At(0)) > 0.5 {
		t.Fatalf("adam failed to descend, w = %f", p.Data.At(0))
	}
}
