package tensor

import (
	"fmt"
	"math"
)

// Backward primitives. Each mirrors a forward op above: given the gradient
// of the loss w.r.t. the op's output, produce gradients w.r.t. its inputs.

// MatMulBackward computes gradients for C = A @ B:
// gradA = gradC @ B^T, gradB = A^T @ gradC.
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes the gradient of GELU at x given the output gradient.
func GELUBackward(x, gradY *Tensor) *Tensor {
	if !ShapeEqual(x.shape, gradY.shape) {
		panic(fmt.Sprintf("tensor: GELUBackward shapes %v and %v", x.shape, gradY.shape))
	}
	out := New(x.shape...)
	for i, v := range x.data {
		inner := geluSqrt2OverPi * (v + geluCoeff*v*v*v)
		tanhInner := math.Tanh(inner)
		sech2 := 1.0 - tanhInner*tanhInner
		innerDeriv := geluSqrt2OverPi * (1.0 + 3.0*geluCoeff*v*v)
		deriv := 0.5*(1.0+tanhInner) + 0.5*v*sech2*innerDeriv
		out.data[i] = gradY.data[i] * deriv
	}
	return out
}

// SoftmaxBackward computes gradients through a row-wise softmax given the
// softmax output y: gradX[i] = y[i] * (gradY[i] - sum_j gradY[j]*y[j]).
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("tensor: SoftmaxBackward requires a 2-D tensor")
	}
	rows, cols := y.shape[0], y.shape[1]
	out := New(rows, cols)
	for r := 0; r < rows; r++ {
		yr := y.data[r*cols : (r+1)*cols]
		gr := gradY.data[r*cols : (r+1)*cols]
		dot := 0.0
		for i := range yr {
			dot += gr[i] * yr[i]
		}
		or := out.data[r*cols : (r+1)*cols]
		for i := range yr {
			or[i] = yr[i] * (gr[i] - dot)
		}
	}
	return out
}

// LayerNormBackward computes gradients through LayerNorm. x is the original
// input, gamma the scale parameter, gradY the output gradient. Returns the
// input gradient plus parameter gradients for gamma and beta.
func LayerNormBackward(x, gamma, gradY *Tensor, eps float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("tensor: LayerNormBackward requires a 2-D tensor")
	}
	rows, cols := x.shape[0], x.shape[1]
	gradX = New(rows, cols)
	gradGamma = New(cols)
	gradBeta = New(cols)
	n := float64(cols)

	for r := 0; r < rows; r++ {
		row := x.data[r*cols : (r+1)*cols]
		grow := gradY.data[r*cols : (r+1)*cols]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= n
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= n
		std := math.Sqrt(variance + eps)

		sumG, sumGX := 0.0, 0.0
		for j, v := range row {
			xn := (v - mean) / std
			g := grow[j] * gamma.data[j]
			sumG += g
			sumGX += g * xn

			gradGamma.data[j] += grow[j] * xn
			gradBeta.data[j] += grow[j]
		}

		orow := gradX.data[r*cols : (r+1)*cols]
		for j, v := range row {
			xn := (v - mean) / std
			g := grow[j] * gamma.data[j]
			orow[j] = (n*g - sumG - xn*sumGX) / (n * std)
		}
	}
	return gradX, gradGamma, gradBeta
}
