package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

type D4 struct {
	Batches       int
	Channels      int
	Rows          int
	Cols          int
	BatchStride   int
	ChannelStride int
	RowStride     int
	Data          []float32
}

func NewD4Zeros(batches, chs, rows, cols int) D4 {
	rowStride := cols
	chStride := rows * rowStride
	batchStride := chs * chStride
	n := batches * batchStride
	return D4{
		Batches:       batches,
		Channels:      chs,
		Rows:          rows,
		Cols:          cols,
		BatchStride:   batchStride,
		ChannelStride: chStride,
		RowStride:     rowStride,
		Data:          make([]float32, n),
	}
}

func NewD4Full(batches, chs, rows, cols int, x float32) D4 {
	d4 := NewD4Zeros(batches, chs, rows, cols)
	for i := range d4.Data {
		d4.Data[i] = x
	}
	return d4
}

func NewD4He(batches, chs, rows, cols int, rng *rand.Rand) D4 {
	fanIn := float64(chs * rows * cols)
	std := float32(math.Sqrt(2.0 / fanIn))
	d4 := NewD4Zeros(batches, chs, rows, cols)
	for i := range d4.Data {
		d4.Data[i] = float32(rng.NormFloat64()) * std
	}
	return d4
}

func NewD4GlorotUniform(batches, chs, rows, cols int, rng *rand.Rand) D4 {
	fanIn := float64(chs * rows * cols)
	fanOut := float64(batches * rows * cols)
	limit := float32(math.Sqrt(6.0 / (fanIn + fanOut)))
	d4 := NewD4Zeros(batches, chs, rows, cols)
	for i := range d4.Data {
		d4.Data[i] = (rng.Float32()*2.0 - 1.0) * limit
	}
	return d4
}

func (d4 D4) NewZerosLike() D4 {
	return NewD4Zeros(d4.Batches, d4.Channels, d4.Rows, d4.Cols)
}

func (d4 D4) N() int {
	return d4.Batches * d4.Channels * d4.Rows * d4.Cols
}

func (d4 D4) Clone() D4 {
	return D4{
		Batches:       d4.Batches,
		Channels:      d4.Channels,
		Rows:          d4.Rows,
		Cols:          d4.Cols,
		BatchStride:   d4.BatchStride,
		ChannelStride: d4.ChannelStride,
		RowStride:     d4.RowStride,
		Data:          slices.Clone(d4.Data),
	}
}

func (d4 D4) At(batch, ch, row, col int) int {
	return (batch * d4.BatchStride) + (ch * d4.ChannelStride) + (row * d4.RowStride) + col
}

func (d4 D4) ToD1() D1 {
	return D1{
		N:    d4.N(),
		Inc:  1,
		Data: slices.Clone(d4.Data),
	}
}

// (Batches, BatchStride) の行列ビュー。Dataは共有される。
func (d4 D4) ToD2() D2 {
	return D2{
		Rows:   d4.Batches,
		Cols:   d4.BatchStride,
		Stride: d4.BatchStride,
		Data:   d4.Data,
	}
}

func (d4 D4) ToBlas32Vector() blas32.Vector {
	return blas32.Vector{
		N:    d4.N(),
		Inc:  1,
		Data: d4.Data,
	}
}

func (d4 D4) AxpyInPlace(alpha float32, x D4) {
	blas32.Axpy(alpha, x.ToBlas32Vector(), d4.ToBlas32Vector())
}

func (d4 D4) ScalInPlace(alpha float32) {
	blas32.Scal(alpha, d4.ToBlas32Vector())
}

// バッチ範囲 [from, to) のビュー。Dataは共有される。
func (d4 D4) SliceBatches(from, to int) (D4, error) {
	if from < 0 || to > d4.Batches || from >= to {
		return D4{}, fmt.Errorf("tensor.D4のバッチ範囲 [%d, %d) が不正です。", from, to)
	}
	return D4{
		Batches:       to - from,
		Channels:      d4.Channels,
		Rows:          d4.Rows,
		Cols:          d4.Cols,
		BatchStride:   d4.BatchStride,
		ChannelStride: d4.ChannelStride,
		RowStride:     d4.RowStride,
		Data:          d4.Data[from*d4.BatchStride : to*d4.BatchStride],
	}, nil
}

type D4Slice []D4

func (ds D4Slice) NewZerosLike() D4Slice {
	ys := make(D4Slice, len(ds))
	for i, d := range ds {
		ys[i] = d.NewZerosLike()
	}
	return ys
}

func (ds D4Slice) Clone() D4Slice {
	ys := make(D4Slice, len(ds))
	for i, d := range ds {
		ys[i] = d.Clone()
	}
	return ys
}

func (ds D4Slice) AxpyInPlace(alpha float32, xs D4Slice) {
	for i, d := range ds {
		d.AxpyInPlace(alpha, xs[i])
	}
}

func (ds D4Slice) ScalInPlace(alpha float32) {
	for i := range ds {
		ds[i].ScalInPlace(alpha)
	}
}
