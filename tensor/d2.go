package tensor

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type D2 struct {
	Rows   int
	Cols   int
	Stride int
	Data   []float32
}

func NewD2Zeros(rows, cols int) D2 {
	return D2{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func NewD2He(rows, cols int, rng *rand.Rand) D2 {
	std := float32(math.Sqrt(2.0 / float64(rows)))
	d2 := NewD2Zeros(rows, cols)
	for i := range d2.Data {
		d2.Data[i] = float32(rng.NormFloat64()) * std
	}
	return d2
}

func NewD2GlorotUniform(rows, cols int, rng *rand.Rand) D2 {
	limit := float32(math.Sqrt(6.0 / float64(rows+cols)))
	d2 := NewD2Zeros(rows, cols)
	for i := range d2.Data {
		d2.Data[i] = (rng.Float32()*2.0 - 1.0) * limit
	}
	return d2
}

func (d2 D2) N() int {
	return d2.Rows * d2.Cols
}

func (d2 D2) NewZerosLike() D2 {
	return NewD2Zeros(d2.Rows, d2.Cols)
}

func (d2 D2) Clone() D2 {
	return D2{
		Rows:   d2.Rows,
		Cols:   d2.Cols,
		Stride: d2.Stride,
		Data:   slices.Clone(d2.Data),
	}
}

func (d2 D2) At(row, col int) int {
	return row*d2.Stride + col
}

func (d2 D2) ToGeneral() blas32.General {
	return blas32.General{
		Rows:   d2.Rows,
		Cols:   d2.Cols,
		Stride: d2.Stride,
		Data:   d2.Data,
	}
}

func (d2 D2) ToD1() D1 {
	return D1{
		N:    d2.N(),
		Inc:  1,
		Data: slices.Clone(d2.Data),
	}
}

func (d2 D2) ToBlas32Vector() blas32.Vector {
	return blas32.Vector{
		N:    d2.N(),
		Inc:  1,
		Data: d2.Data,
	}
}

func (d2 D2) AxpyInPlace(alpha float32, x D2) {
	blas32.Axpy(alpha, x.ToBlas32Vector(), d2.ToBlas32Vector())
}

func (d2 D2) ScalInPlace(alpha float32) {
	blas32.Scal(alpha, d2.ToBlas32Vector())
}

func (d2 D2) Transpose() D2 {
	t := NewD2Zeros(d2.Cols, d2.Rows)
	for i := 0; i < d2.Rows; i++ {
		for j := 0; j < d2.Cols; j++ {
			t.Data[t.At(j, i)] = d2.Data[d2.At(i, j)]
		}
	}
	return t
}

// d2 · other
func (d2 D2) NoTransDot(other D2) D2 {
	y := NewD2Zeros(d2.Rows, other.Cols)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, d2.ToGeneral(), other.ToGeneral(), 0.0, y.ToGeneral())
	return y
}

// d2 · otherᵀ
func (d2 D2) NoTransDotTrans(other D2) D2 {
	y := NewD2Zeros(d2.Rows, other.Rows)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1.0, d2.ToGeneral(), other.ToGeneral(), 0.0, y.ToGeneral())
	return y
}

// d2ᵀ · other
func (d2 D2) TransDotNoTrans(other D2) D2 {
	y := NewD2Zeros(d2.Cols, other.Cols)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1.0, d2.ToGeneral(), other.ToGeneral(), 0.0, y.ToGeneral())
	return y
}

type D2Slice []D2

func (ds D2Slice) NewZerosLike() D2Slice {
	ys := make(D2Slice, len(ds))
	for i, d := range ds {
		ys[i] = d.NewZerosLike()
	}
	return ys
}

func (ds D2Slice) Clone() D2Slice {
	ys := make(D2Slice, len(ds))
	for i, d := range ds {
		ys[i] = d.Clone()
	}
	return ys
}

func (ds D2Slice) AxpyInPlace(alpha float32, xs D2Slice) {
	for i, d := range ds {
		d.AxpyInPlace(alpha, xs[i])
	}
}

func (ds D2Slice) ScalInPlace(alpha float32) {
	for i := range ds {
		ds[i].ScalInPlace(alpha)
	}
}
