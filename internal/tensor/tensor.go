// Package tensor holds the dense NCHW float buffers exchanged with the inference engine.
package tensor

import "fmt"

// Shape is a 4D (batch, channel, height, width) geometry. Lower-rank engine
// shapes are padded with trailing ones, the way blob shapes are reported by
// classification networks: a [N, K] score output is Shape{N, K, 1, 1}.
type Shape struct {
	N int
	C int
	H int
	W int
}

// FromDims builds a Shape from up to four engine dimensions.
func FromDims(dims []int64) (Shape, error) {
	if len(dims) == 0 || len(dims) > 4 {
		return Shape{}, fmt.Errorf("unsupported tensor rank %d", len(dims))
	}
	padded := [4]int{1, 1, 1, 1}
	for i, d := range dims {
		padded[i] = int(d)
	}
	return Shape{N: padded[0], C: padded[1], H: padded[2], W: padded[3]}, nil
}

// Dims returns the first rank dimensions of s.
func (s Shape) Dims(rank int) []int64 {
	all := []int64{int64(s.N), int64(s.C), int64(s.H), int64(s.W)}
	if rank < 1 || rank > 4 {
		rank = 4
	}
	return all[:rank]
}

// Count is the number of elements a tensor of this shape holds.
func (s Shape) Count() int {
	return s.N * s.C * s.H * s.W
}

// SampleCount is the number of elements in one batch entry.
func (s Shape) SampleCount() int {
	return s.C * s.H * s.W
}

// WithBatch returns a copy of s with only the batch dimension replaced.
func (s Shape) WithBatch(n int) Shape {
	s.N = n
	return s
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.N, s.C, s.H, s.W)
}

// Tensor is a contiguous NCHW float32 buffer.
type Tensor struct {
	Shape Shape
	Data  []float32
}

// New allocates a zeroed tensor of the given shape.
func New(shape Shape) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float32, shape.Count())}
}

// Len is the number of stored elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Offset is the position of (n, c, h, w) in Data.
func (t *Tensor) Offset(n, c, h, w int) int {
	s := t.Shape
	return ((n*s.C+c)*s.H+h)*s.W + w
}

// At reads the element at (n, c, h, w).
func (t *Tensor) At(n, c, h, w int) float32 {
	return t.Data[t.Offset(n, c, h, w)]
}

// Plane returns channel c of batch entry n as a row-major H*W slice sharing Data.
func (t *Tensor) Plane(n, c int) []float32 {
	start := t.Offset(n, c, 0, 0)
	return t.Data[start : start+t.Shape.H*t.Shape.W]
}

// Row returns row h of channel c of batch entry n, sharing Data.
func (t *Tensor) Row(n, c, h int) []float32 {
	start := t.Offset(n, c, h, 0)
	return t.Data[start : start+t.Shape.W]
}
