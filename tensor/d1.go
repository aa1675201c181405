package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	crand "github.com/sw965/qnn/math/rand"
	"gonum.org/v1/gonum/blas/blas32"
)

type D1 struct {
	N    int
	Inc  int
	Data []float32
}

func NewD1Zeros(n int) D1 {
	return D1{
		N:    n,
		Inc:  1,
		Data: make([]float32, n),
	}
}

func NewD1Full(n int, x float32) D1 {
	d1 := NewD1Zeros(n)
	for i := range d1.Data {
		d1.Data[i] = x
	}
	return d1
}

func NewD1Ones(n int) D1 {
	return NewD1Full(n, 1.0)
}

func NewD1RandUniform(n int, min, max float32, rng *rand.Rand) D1 {
	d1 := NewD1Zeros(n)
	for i := range d1.Data {
		d1.Data[i] = min + rng.Float32()*(max-min)
	}
	return d1
}

func NewD1He(n int, rng *rand.Rand) D1 {
	std := float32(math.Sqrt(2.0 / float64(n)))
	d1 := NewD1Zeros(n)
	for i := range d1.Data {
		d1.Data[i] = float32(rng.NormFloat64()) * std
	}
	return d1
}

func NewD1Rademacher(n int, rng *rand.Rand) D1 {
	d1 := NewD1Zeros(n)
	for i := range d1.Data {
		d1.Data[i] = crand.Rademacher(rng)
	}
	return d1
}

func (d1 D1) NewZerosLike() D1 {
	return NewD1Zeros(d1.N)
}

func (d1 D1) Clone() D1 {
	return D1{
		N:    d1.N,
		Inc:  d1.Inc,
		Data: slices.Clone(d1.Data),
	}
}

func (d1 D1) ToBlas32Vector() blas32.Vector {
	return blas32.Vector{
		N:    d1.N,
		Inc:  d1.Inc,
		Data: d1.Data,
	}
}

func (d1 D1) AxpyInPlace(alpha float32, x D1) {
	blas32.Axpy(alpha, x.ToBlas32Vector(), d1.ToBlas32Vector())
}

func (d1 D1) ScalInPlace(alpha float32) {
	blas32.Scal(alpha, d1.ToBlas32Vector())
}

func (d1 D1) Axpy(alpha float32, x D1) D1 {
	y := d1.Clone()
	y.AxpyInPlace(alpha, x)
	return y
}

func (d1 D1) Hadamard(other D1) D1 {
	y := NewD1Zeros(d1.N)
	for i := range y.Data {
		y.Data[i] = d1.Data[i] * other.Data[i]
	}
	return y
}

func (d1 D1) Reshape2D(rows, cols int) D2 {
	// 行数に-1を指定した場合、列数から自動的に決定する。
	if rows == -1 {
		rows = d1.N / cols
	}
	return D2{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   slices.Clone(d1.Data),
	}
}

func (d1 D1) Reshape3D(chs, rows, cols int) D3 {
	d3 := NewD3Zeros(chs, rows, cols)
	copy(d3.Data, d1.Data)
	return d3
}

func (d1 D1) Reshape4D(batches, chs, rows, cols int) D4 {
	d4 := NewD4Zeros(batches, chs, rows, cols)
	copy(d4.Data, d1.Data)
	return d4
}

type D1Slice []D1

func (ds D1Slice) NewZerosLike() D1Slice {
	ys := make(D1Slice, len(ds))
	for i, d := range ds {
		ys[i] = d.NewZerosLike()
	}
	return ys
}

func (ds D1Slice) Clone() D1Slice {
	ys := make(D1Slice, len(ds))
	for i, d := range ds {
		ys[i] = d.Clone()
	}
	return ys
}

func (ds D1Slice) AxpyInPlace(alpha float32, xs D1Slice) {
	for i, d := range ds {
		d.AxpyInPlace(alpha, xs[i])
	}
}

func (ds D1Slice) ScalInPlace(alpha float32) {
	for i := range ds {
		ds[i].ScalInPlace(alpha)
	}
}

func (ds D1Slice) CheckSameShape(xs D1Slice) error {
	if len(ds) != len(xs) {
		return fmt.Errorf("tensor.D1Sliceの要素数が一致しません。")
	}
	for i, d := range ds {
		if d.N != xs[i].N {
			return fmt.Errorf("tensor.D1Sliceの第%d要素の長さが一致しません。", i+1)
		}
	}
	return nil
}
