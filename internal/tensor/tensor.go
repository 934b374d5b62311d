// Package tensor implements dense float64 tensors and the forward/backward
// primitives the model layer needs. Data is flat, row-major.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is an n-D array backed by a flat []float64. Tensors are not safe
// for concurrent mutation; synchronization is the caller's job.
type Tensor struct {
	data  []float64
	shape []int
}

// New allocates a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, d))
		}
		size *= d
	}
	return &Tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps existing data in a tensor of the given shape. The slice is
// copied, not aliased.
func FromSlice(data []float64, shape ...int) *Tensor {
	t := New(shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values cannot fill shape %v", len(data), shape))
	}
	copy(t.data, data)
	return t
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dims returns the rank.
func (t *Tensor) Dims() int { return len(t.shape) }

// Size returns the total element count.
func (t *Tensor) Size() int { return len(t.data) }

// Dim returns the length of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Data exposes the backing slice. Mutations are visible to every view of
// this tensor.
func (t *Tensor) Data() []float64 { return t.data }

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set writes the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}
	idx, stride := 0, 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.data, t.data)
	return c
}

// CopyFrom overwrites this tensor's values from src, which must have the
// same total size. Identity (backing slice) is preserved.
func (t *Tensor) CopyFrom(src *Tensor) {
	if len(t.data) != len(src.data) {
		panic(fmt.Sprintf("tensor: CopyFrom size mismatch %d vs %d", len(t.data), len(src.data)))
	}
	copy(t.data, src.data)
}

// Zero resets all elements.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Reshape returns a view with a new shape sharing the backing data.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{data: t.data, shape: append([]int(nil), shape...)}
}

// Rows returns a view of n consecutive rows of a 2-D tensor starting at row
// i. The view shares backing data.
func (t *Tensor) Rows(i, n int) *Tensor {
	if len(t.shape) != 2 {
		panic("tensor: Rows requires a 2-D tensor")
	}
	cols := t.shape[1]
	if i < 0 || i+n > t.shape[0] {
		panic(fmt.Sprintf("tensor: row range [%d,%d) out of bounds [0,%d)", i, i+n, t.shape[0]))
	}
	return &Tensor{data: t.data[i*cols : (i+n)*cols], shape: []int{n, cols}}
}

// Min returns the smallest element.
func (t *Tensor) Min() float64 {
	min := t.data[0]
	for _, v := range t.data[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest element.
func (t *Tensor) Max() float64 {
	max := t.data[0]
	for _, v := range t.data[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v)", t.shape)
}

// ShapeEqual reports whether two shapes match exactly.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Add returns a+b element-wise.
func Add(a, b *Tensor) *Tensor {
	if !ShapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) {
	if !ShapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	for i := range a.data {
		a.data[i] += b.data[i]
	}
}

// Mul returns the Hadamard product a*b.
func Mul(a, b *Tensor) *Tensor {
	if !ShapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out
}

// Scale returns a*scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul computes C = A @ B for 2-D tensors (M,K)x(K,N).
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic(fmt.Sprintf("tensor: MatMul requires 2-D tensors, got %v and %v", a.shape, b.shape))
	}
	m, k := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: inner dimensions must match: %d vs %d", k, k2))
	}
	out := New(m, n)
	for i := 0; i < m; i++ {
		arow := a.data[i*k : (i+1)*k]
		orow := out.data[i*n : (i+1)*n]
		for t := 0; t < k; t++ {
			av := arow[t]
			if av == 0 {
				continue
			}
			brow := b.data[t*n : (t+1)*n]
			for j := 0; j < n; j++ {
				orow[j] += av * brow[j]
			}
		}
	}
	return out
}

// Transpose returns A^T for a 2-D tensor.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires a 2-D tensor")
	}
	m, n := a.shape[0], a.shape[1]
	out := New(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// AddBias adds a 1-D bias vector to every row of a 2-D tensor.
func AddBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("tensor: AddBias shapes %v and %v", x.shape, bias.shape))
	}
	out := x.Clone()
	rows, cols := x.shape[0], x.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] += bias.data[j]
		}
	}
	return out
}

const (
	geluSqrt2OverPi = 0.7978845608028654
	geluCoeff       = 0.044715
)

// GELU applies the tanh-approximated Gaussian Error Linear Unit.
func GELU(x *Tensor) *Tensor {
	out := New(x.shape...)
	for i, v := range x.data {
		inner := geluSqrt2OverPi * (v + geluCoeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}
	return out
}

// Softmax applies a numerically stable softmax along the last dimension of a
// 2-D tensor.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires a 2-D tensor")
	}
	rows, cols := x.shape[0], x.shape[1]
	out := New(rows, cols)
	for r := 0; r < rows; r++ {
		row := x.data[r*cols : (r+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		sum := 0.0
		orow := out.data[r*cols : (r+1)*cols]
		for i, v := range row {
			e := math.Exp(v - max)
			orow[i] = e
			sum += e
		}
		for i := range orow {
			orow[i] /= sum
		}
	}
	return out
}

// LayerNorm normalizes each row of a 2-D tensor, then scales by gamma and
// shifts by beta (both 1-D of the row width).
func LayerNorm(x, gamma, beta *Tensor, eps float64) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: LayerNorm requires a 2-D tensor")
	}
	rows, cols := x.shape[0], x.shape[1]
	out := New(rows, cols)
	n := float64(cols)
	for r := 0; r < rows; r++ {
		row := x.data[r*cols : (r+1)*cols]
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
		orow := out.data[r*cols : (r+1)*cols]
		for j, v := range row {
			orow[j] = (v-mean)/std*gamma.data[j] + beta.data[j]
		}
	}
	return out
}
