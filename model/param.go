package model

import (
	"github.com/sw965/qnn/tensor"
)

type Parameter struct {
	Filters tensor.D4Slice
	Bits    tensor.D1Slice
	Exps    tensor.D1Slice
	Weights tensor.D2Slice
	Biases  tensor.D1Slice
}

func (p Parameter) NewGradZerosLike() GradBuffer {
	return GradBuffer{
		Filters: p.Filters.NewZerosLike(),
		Bits:    p.Bits.NewZerosLike(),
		Exps:    p.Exps.NewZerosLike(),
		Weights: p.Weights.NewZerosLike(),
		Biases:  p.Biases.NewZerosLike(),
	}
}

func (p Parameter) Clone() Parameter {
	return Parameter{
		Filters: p.Filters.Clone(),
		Bits:    p.Bits.Clone(),
		Exps:    p.Exps.Clone(),
		Weights: p.Weights.Clone(),
		Biases:  p.Biases.Clone(),
	}
}

func (p *Parameter) AxpyInPlaceGrad(alpha float32, grad *GradBuffer) {
	p.Filters.AxpyInPlace(alpha, grad.Filters)
	p.Bits.AxpyInPlace(alpha, grad.Bits)
	p.Exps.AxpyInPlace(alpha, grad.Exps)
	p.Weights.AxpyInPlace(alpha, grad.Weights)
	p.Biases.AxpyInPlace(alpha, grad.Biases)
}
