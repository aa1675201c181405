package tensor

import (
	"fmt"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

type D3 struct {
	Channels      int
	Rows          int
	Cols          int
	ChannelStride int
	RowStride     int
	Data          []float32
}

func NewD3Zeros(chs, rows, cols int) D3 {
	rowStride := cols
	chStride := rows * rowStride
	n := chs * chStride
	return D3{
		Channels:      chs,
		Rows:          rows,
		Cols:          cols,
		ChannelStride: chStride,
		RowStride:     rowStride,
		Data:          make([]float32, n),
	}
}

func NewD3Ones(chs, rows, cols int) D3 {
	d3 := NewD3Zeros(chs, rows, cols)
	for i := range d3.Data {
		d3.Data[i] = 1.0
	}
	return d3
}

func NewD3RandUniform(chs, rows, cols int, min, max float32, rng *rand.Rand) D3 {
	d3 := NewD3Zeros(chs, rows, cols)
	for i := range d3.Data {
		d3.Data[i] = min + rng.Float32()*(max-min)
	}
	return d3
}

func (d3 D3) NewZerosLike() D3 {
	return NewD3Zeros(d3.Channels, d3.Rows, d3.Cols)
}

func (d3 D3) N() int {
	return d3.Channels * d3.Rows * d3.Cols
}

func (d3 D3) Clone() D3 {
	return D3{
		Channels:      d3.Channels,
		Rows:          d3.Rows,
		Cols:          d3.Cols,
		ChannelStride: d3.ChannelStride,
		RowStride:     d3.RowStride,
		Data:          slices.Clone(d3.Data),
	}
}

func (d3 D3) At(ch, row, col int) int {
	return ch*d3.ChannelStride + row*d3.RowStride + col
}

func (d3 D3) ToD1() D1 {
	return D1{
		N:    d3.N(),
		Inc:  1,
		Data: slices.Clone(d3.Data),
	}
}

func (d3 D3) ToBlas32Vector() blas32.Vector {
	return blas32.Vector{
		N:    d3.N(),
		Inc:  1,
		Data: d3.Data,
	}
}

func (d3 D3) AxpyInPlace(alpha float32, x D3) {
	blas32.Axpy(alpha, x.ToBlas32Vector(), d3.ToBlas32Vector())
}

func (d3 D3) ScalInPlace(alpha float32) {
	blas32.Scal(alpha, d3.ToBlas32Vector())
}

// チャンネル範囲 [from, to) のビュー。Dataは共有される。
func (d3 D3) SliceChannels(from, to int) (D3, error) {
	if from < 0 || to > d3.Channels || from >= to {
		return D3{}, fmt.Errorf("tensor.D3のチャンネル範囲 [%d, %d) が不正です。", from, to)
	}
	return D3{
		Channels:      to - from,
		Rows:          d3.Rows,
		Cols:          d3.Cols,
		ChannelStride: d3.ChannelStride,
		RowStride:     d3.RowStride,
		Data:          d3.Data[from*d3.ChannelStride : to*d3.ChannelStride],
	}, nil
}

// (ch, row, col) → (row, col, ch)
func (d3 D3) Transpose120() D3 {
	t := NewD3Zeros(d3.Rows, d3.Cols, d3.Channels)
	idx := 0
	for r := 0; r < d3.Rows; r++ {
		for c := 0; c < d3.Cols; c++ {
			for ch := 0; ch < d3.Channels; ch++ {
				t.Data[idx] = d3.Data[d3.At(ch, r, c)]
				idx++
			}
		}
	}
	return t
}

// (row, col, ch) → (ch, row, col)
func (d3 D3) Transpose201() D3 {
	t := NewD3Zeros(d3.Cols, d3.Channels, d3.Rows)
	idx := 0
	for c := 0; c < d3.Cols; c++ {
		for ch := 0; ch < d3.Channels; ch++ {
			for r := 0; r < d3.Rows; r++ {
				t.Data[idx] = d3.Data[d3.At(ch, r, c)]
				idx++
			}
		}
	}
	return t
}

type D3Slice []D3

func (ds D3Slice) NewZerosLike() D3Slice {
	ys := make(D3Slice, len(ds))
	for i, d := range ds {
		ys[i] = d.NewZerosLike()
	}
	return ys
}

func (ds D3Slice) Clone() D3Slice {
	ys := make(D3Slice, len(ds))
	for i, d := range ds {
		ys[i] = d.Clone()
	}
	return ys
}
