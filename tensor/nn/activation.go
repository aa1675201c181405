package nn

import (
	"github.com/sw965/qnn/tensor"
)

func LeakyReLUD1(x tensor.D1, alpha float32) tensor.D1 {
	y := tensor.NewD1Zeros(x.N)
	for i, e := range x.Data {
		if e > 0 {
			y.Data[i] = e
		} else {
			y.Data[i] = alpha * e
		}
	}
	return y
}

func LeakyReLUD1Derivative(x tensor.D1, alpha float32) tensor.D1 {
	grad := tensor.NewD1Zeros(x.N)
	for i, e := range x.Data {
		if e > 0 {
			grad.Data[i] = 1.0
		} else {
			grad.Data[i] = alpha
		}
	}
	return grad
}
