package math

import (
	"github.com/chewxy/math32"
	omath "github.com/sw965/omw/math"
	"github.com/sw965/qnn/tensor"
)

func Softmax(x tensor.D1) tensor.D1 {
	maxX := omath.Max(x.Data...) // オーバーフロー対策
	expX := make([]float32, x.N)
	sumExpX := float32(0.0)
	for i, e := range x.Data {
		expX[i] = math32.Exp(e - maxX)
		sumExpX += expX[i]
	}

	y := tensor.NewD1Zeros(x.N)
	for i := range expX {
		y.Data[i] = expX[i] / sumExpX
	}
	return y
}

func CrossEntropy(y, t tensor.D1) float32 {
	ce := float32(0.0)
	for i := range y.Data {
		ye := omath.Max(y.Data[i], 0.0001)
		ce += -t.Data[i] * math32.Log(ye)
	}
	return ce
}

// Softmaxの出力がyである事が前提。
func SoftmaxCrossEntropyLossDerivative(y, t tensor.D1) tensor.D1 {
	grad := tensor.NewD1Zeros(y.N)
	for i := range grad.Data {
		grad.Data[i] = y.Data[i] - t.Data[i]
	}
	return grad
}

func SumSquaredLoss(y, t tensor.D1) float32 {
	sqSum := float32(0.0)
	for i := range y.Data {
		diff := y.Data[i] - t.Data[i]
		sqSum += diff * diff
	}
	return 0.5 * sqSum
}

func SumSquaredLossDerivative(y, t tensor.D1) tensor.D1 {
	grad := tensor.NewD1Zeros(y.N)
	for i := range grad.Data {
		grad.Data[i] = y.Data[i] - t.Data[i]
	}
	return grad
}
