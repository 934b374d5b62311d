// Package optim implements gradient-descent optimizers over named model
// parameters. Optimizers skip frozen parameters but keep state keyed by
// parameter identity, so swapping parameter values in place is safe.
package optim

import (
	"math"

	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/tensor"
)

// Optimizer applies accumulated gradients to its parameter set.
type Optimizer interface {
	Step()
	ZeroGrad()
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	params []*model.Param
	lr     float64
}

// NewSGD builds an SGD optimizer over the given parameters.
func NewSGD(params []*model.Param, lr float64) *SGD {
	return &SGD{params: params, lr: lr}
}

// Step applies one descent step to every trainable parameter.
func (s *SGD) Step() {
	for _, p := range s.params {
		if !p.Trainable {
			continue
		}
		data := p.Data.Data()
		grad := p.Grad.Data()
		for i := range data {
			data[i] -= s.lr * grad[i]
		}
	}
}

// ZeroGrad resets the gradients of the optimizer's parameters.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		p.Grad.Zero()
	}
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	params []*model.Param
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64

	m map[*model.Param]*tensor.Tensor
	v map[*model.Param]*tensor.Tensor
	t int
}

// NewAdam builds an Adam optimizer with the usual defaults
// (beta1=0.9, beta2=0.999, eps=1e-8).
func NewAdam(params []*model.Param, lr float64) *Adam {
	return &Adam{
		params: params,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      make(map[*model.Param]*tensor.Tensor),
		v:      make(map[*model.Param]*tensor.Tensor),
	}
}

// Step applies one Adam update to every trainable parameter.
func (a *Adam) Step() {
	a.t++
	c1 := 1.0 - math.Pow(a.beta1, float64(a.t))
	c2 := 1.0 - math.Pow(a.beta2, float64(a.t))
	for _, p := range a.params {
		if !p.Trainable {
			continue
		}
		m, ok := a.m[p]
		if !ok {
			m = tensor.New(p.Data.Shape()...)
			a.m[p] = m
			a.v[p] = tensor.New(p.Data.Shape()...)
		}
		v := a.v[p]

		data := p.Data.Data()
		grad := p.Grad.Data()
		md := m.Data()
		vd := v.Data()
		for i := range data {
			md[i] = a.beta1*md[i] + (1-a.beta1)*grad[i]
			vd[i] = a.beta2*vd[i] + (1-a.beta2)*grad[i]*grad[i]
			mHat := md[i] / c1
			vHat := vd[i] / c2
			data[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

// ZeroGrad resets the gradients of the optimizer's parameters.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.Grad.Zero()
	}
}
