package model

import (
	"slices"

	"github.com/chewxy/math32"
	omath "github.com/sw965/omw/math"
	"github.com/sw965/qnn/tensor"
)

type GradBuffer struct {
	Filters tensor.D4Slice
	Bits    tensor.D1Slice
	Exps    tensor.D1Slice
	Weights tensor.D2Slice
	Biases  tensor.D1Slice
}

func (g GradBuffer) NewZerosLike() GradBuffer {
	return GradBuffer{
		Filters: g.Filters.NewZerosLike(),
		Bits:    g.Bits.NewZerosLike(),
		Exps:    g.Exps.NewZerosLike(),
		Weights: g.Weights.NewZerosLike(),
		Biases:  g.Biases.NewZerosLike(),
	}
}

func (g GradBuffer) Clone() GradBuffer {
	return GradBuffer{
		Filters: g.Filters.Clone(),
		Bits:    g.Bits.Clone(),
		Exps:    g.Exps.Clone(),
		Weights: g.Weights.Clone(),
		Biases:  g.Biases.Clone(),
	}
}

// 逆伝播は出力側の層から勾配を積むため、層の定義順に戻す。
func (g *GradBuffer) Reverse() {
	slices.Reverse(g.Filters)
	slices.Reverse(g.Bits)
	slices.Reverse(g.Exps)
	slices.Reverse(g.Weights)
	slices.Reverse(g.Biases)
}

func (g *GradBuffer) AxpyInPlace(alpha float32, x GradBuffer) {
	g.Filters.AxpyInPlace(alpha, x.Filters)
	g.Bits.AxpyInPlace(alpha, x.Bits)
	g.Exps.AxpyInPlace(alpha, x.Exps)
	g.Weights.AxpyInPlace(alpha, x.Weights)
	g.Biases.AxpyInPlace(alpha, x.Biases)
}

func (g *GradBuffer) ScalInPlace(alpha float32) {
	g.Filters.ScalInPlace(alpha)
	g.Bits.ScalInPlace(alpha)
	g.Exps.ScalInPlace(alpha)
	g.Weights.ScalInPlace(alpha)
	g.Biases.ScalInPlace(alpha)
}

type GradBuffers []GradBuffer

func (gs GradBuffers) Total() GradBuffer {
	total := gs[0].Clone()
	for _, g := range gs[1:] {
		total.AxpyInPlace(1.0, g)
	}
	return total
}

func maxAbsDiff(a, b []float32) float32 {
	diffs := make([]float32, len(a))
	for i := range a {
		diffs[i] = math32.Abs(a[i] - b[i])
	}
	return omath.Max(diffs...)
}

// 勾配検証用。対応する要素毎の差の最大値を返す。
func (g GradBuffer) CompareMaxDiff(other GradBuffer) GradMaxDiff {
	d := GradMaxDiff{
		Filters: make([]float32, len(g.Filters)),
		Bits:    make([]float32, len(g.Bits)),
		Exps:    make([]float32, len(g.Exps)),
		Weights: make([]float32, len(g.Weights)),
		Biases:  make([]float32, len(g.Biases)),
	}
	for i, gf := range g.Filters {
		d.Filters[i] = maxAbsDiff(gf.Data, other.Filters[i].Data)
	}
	for i, gb := range g.Bits {
		d.Bits[i] = maxAbsDiff(gb.Data, other.Bits[i].Data)
	}
	for i, ge := range g.Exps {
		d.Exps[i] = maxAbsDiff(ge.Data, other.Exps[i].Data)
	}
	for i, gw := range g.Weights {
		d.Weights[i] = maxAbsDiff(gw.Data, other.Weights[i].Data)
	}
	for i, gb := range g.Biases {
		d.Biases[i] = maxAbsDiff(gb.Data, other.Biases[i].Data)
	}
	return d
}

type GradMaxDiff struct {
	Filters []float32
	Bits    []float32
	Exps    []float32
	Weights []float32
	Biases  []float32
}
