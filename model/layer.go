package model

import (
	"slices"

	"github.com/sw965/qnn/quantize"
	"github.com/sw965/qnn/tensor"
	tmath "github.com/sw965/qnn/tensor/math"
	"github.com/sw965/qnn/tensor/nn"
)

type ForwardD3 func(tensor.D3) (tensor.D3, BackwardD3, error)
type ForwardsD3 []ForwardD3

func (fs ForwardsD3) Propagate(x tensor.D3) (tensor.D3, BackwardsD3, error) {
	var err error
	var backward BackwardD3
	backwards := make(BackwardsD3, len(fs))
	for i, f := range fs {
		x, backward, err = f(x)
		if err != nil {
			return tensor.D3{}, nil, err
		}
		backwards[i] = backward
	}
	y := x
	slices.Reverse(backwards)
	return y, backwards, nil
}

type BackwardD3 func(tensor.D3, *GradBuffer) (tensor.D3, error)
type BackwardsD3 []BackwardD3

func (bs BackwardsD3) Propagate(chain tensor.D3, grad *GradBuffer) (tensor.D3, error) {
	var err error
	for _, b := range bs {
		chain, err = b(chain, grad)
		if err != nil {
			return tensor.D3{}, err
		}
	}
	dx := chain
	return dx, nil
}

type ForwardD1 func(tensor.D1) (tensor.D1, BackwardD1, error)
type ForwardsD1 []ForwardD1

func (fs ForwardsD1) Propagate(x tensor.D1) (tensor.D1, BackwardsD1, error) {
	var err error
	var backward BackwardD1
	backwards := make(BackwardsD1, len(fs))
	for i, f := range fs {
		x, backward, err = f(x)
		if err != nil {
			return tensor.D1{}, nil, err
		}
		backwards[i] = backward
	}
	y := x
	slices.Reverse(backwards)
	return y, backwards, nil
}

type BackwardD1 func(tensor.D1, *GradBuffer) (tensor.D1, error)
type BackwardsD1 []BackwardD1

func (bs BackwardsD1) Propagate(chain tensor.D1, grad *GradBuffer) (tensor.D1, error) {
	var err error
	for _, b := range bs {
		chain, err = b(chain, grad)
		if err != nil {
			return tensor.D1{}, err
		}
	}
	dx := chain
	return dx, nil
}

// グループ畳み込みの逆伝播。dFilterと前処理済み入力への勾配を返す。
// kernelには順伝播で実際に使用したフィルター値を渡す。
func convBackward(chain, pre tensor.D3, kernel tensor.D4, cols []tensor.D2, cfg ConvConfig) (tensor.D3, tensor.D4, error) {
	groups := cfg.Groups
	batchesPerGroup := kernel.Batches / groups
	chsPerGroup := kernel.Channels

	dPre := pre.NewZerosLike()
	dKernel := kernel.NewZerosLike()

	for g := 0; g < groups; g++ {
		chainG, err := chain.SliceChannels(g*batchesPerGroup, (g+1)*batchesPerGroup)
		if err != nil {
			return tensor.D3{}, tensor.D4{}, err
		}
		kg, err := kernel.SliceBatches(g*batchesPerGroup, (g+1)*batchesPerGroup)
		if err != nil {
			return tensor.D3{}, tensor.D4{}, err
		}
		dPreG, err := dPre.SliceChannels(g*chsPerGroup, (g+1)*chsPerGroup)
		if err != nil {
			return tensor.D3{}, tensor.D4{}, err
		}

		// (出力位置 × グループ内チャンネル)
		chain2d := chainG.Transpose120().ToD1().Reshape2D(-1, batchesPerGroup)

		// ∂L/∂filter = colᵀ · chain
		dKg := cols[g].TransDotNoTrans(chain2d).Transpose()
		copy(dKernel.Data[g*batchesPerGroup*kernel.BatchStride:], dKg.Data)

		// ∂L/∂col = chain · filter
		dCol := chain2d.NoTransDot(kg.ToD2())
		nn.Col2ImAddInto(dCol, dPreG, kernel.Rows, kernel.Cols, cfg.StrideRows, cfg.StrideCols, cfg.KernelDilationRows, cfg.KernelDilationCols)
	}

	return dPre, dKernel, nil
}

// 量子化畳み込み層。フィルターをチャンネル毎のb, eで量子化し、
// ステップ単位で再丸めした値(直通推定量で勾配は素通し)を畳み込みに用いる。
func NewQuantConv2DForward(filter tensor.D4, bits, exps tensor.D1, cfg ConvConfig) ForwardD3 {
	return func(x tensor.D3) (tensor.D3, BackwardD3, error) {
		wq, err := quantize.D4PerBatch(filter, bits, exps)
		if err != nil {
			return tensor.D3{}, nil, err
		}
		// 冪等な再丸め。浮動小数点誤差の蓄積を防ぐ。
		wst, err := quantize.D4Reround(wq, exps)
		if err != nil {
			return tensor.D3{}, nil, err
		}

		pre := x
		if cfg.ChannelsLast {
			pre = pre.Transpose201()
		}
		pre = nn.InputDilate2D(pre, cfg.InputDilationRows, cfg.InputDilationCols)
		top, bot, left, right := cfg.padAmounts(pre, filter)
		pre = nn.ZeroPadding2D(pre, top, bot, left, right)

		y, colsByGroup, err := nn.GroupConv2D(pre, wst, cfg.StrideRows, cfg.StrideCols, cfg.KernelDilationRows, cfg.KernelDilationCols, cfg.Groups)
		if err != nil {
			return tensor.D3{}, nil, err
		}

		out := y
		if cfg.ChannelsLast {
			out = y.Transpose120()
		}

		var backward BackwardD3
		backward = func(chain tensor.D3, grad *GradBuffer) (tensor.D3, error) {
			if cfg.ChannelsLast {
				chain = chain.Transpose201()
			}

			dPre, dWq, err := convBackward(chain, pre, wst, colsByGroup, cfg)
			if err != nil {
				return tensor.D3{}, err
			}

			// 直通推定量: 丸めを恒等視し、量子化の劣微分でW, b, eへ連鎖する。
			dW, dBits, dExps, err := quantize.D4PerBatchDerivative(filter, bits, exps, dWq)
			if err != nil {
				return tensor.D3{}, err
			}
			grad.Filters = append(grad.Filters, dW)
			grad.Bits = append(grad.Bits, dBits)
			grad.Exps = append(grad.Exps, dExps)

			dx := nn.CropPadding2D(dPre, top, bot, left, right)
			dx = nn.InputUndilate2D(dx, cfg.InputDilationRows, cfg.InputDilationCols)
			if cfg.ChannelsLast {
				dx = dx.Transpose120()
			}
			return dx, nil
		}
		return out, backward, nil
	}
}

// 量子化なしの畳み込み層。
func NewConv2DForward(filter tensor.D4, cfg ConvConfig) ForwardD3 {
	return func(x tensor.D3) (tensor.D3, BackwardD3, error) {
		pre := x
		if cfg.ChannelsLast {
			pre = pre.Transpose201()
		}
		pre = nn.InputDilate2D(pre, cfg.InputDilationRows, cfg.InputDilationCols)
		top, bot, left, right := cfg.padAmounts(pre, filter)
		pre = nn.ZeroPadding2D(pre, top, bot, left, right)

		y, colsByGroup, err := nn.GroupConv2D(pre, filter, cfg.StrideRows, cfg.StrideCols, cfg.KernelDilationRows, cfg.KernelDilationCols, cfg.Groups)
		if err != nil {
			return tensor.D3{}, nil, err
		}

		out := y
		if cfg.ChannelsLast {
			out = y.Transpose120()
		}

		var backward BackwardD3
		backward = func(chain tensor.D3, grad *GradBuffer) (tensor.D3, error) {
			if cfg.ChannelsLast {
				chain = chain.Transpose201()
			}

			dPre, dFilter, err := convBackward(chain, pre, filter, colsByGroup, cfg)
			if err != nil {
				return tensor.D3{}, err
			}
			grad.Filters = append(grad.Filters, dFilter)

			dx := nn.CropPadding2D(dPre, top, bot, left, right)
			dx = nn.InputUndilate2D(dx, cfg.InputDilationRows, cfg.InputDilationCols)
			if cfg.ChannelsLast {
				dx = dx.Transpose120()
			}
			return dx, nil
		}
		return out, backward, nil
	}
}

func NewLeakyReLUForwardD3(alpha float32) ForwardD3 {
	return func(x tensor.D3) (tensor.D3, BackwardD3, error) {
		y := x.NewZerosLike()
		for i, e := range x.Data {
			if e > 0 {
				y.Data[i] = e
			} else {
				y.Data[i] = alpha * e
			}
		}
		var backward BackwardD3
		backward = func(chain tensor.D3, _ *GradBuffer) (tensor.D3, error) {
			dx := chain.NewZerosLike()
			for i, e := range x.Data {
				if e > 0 {
					dx.Data[i] = chain.Data[i]
				} else {
					dx.Data[i] = alpha * chain.Data[i]
				}
			}
			return dx, nil
		}
		return y, backward, nil
	}
}

func NewDotForwardD1(w tensor.D2) ForwardD1 {
	return func(x tensor.D1) (tensor.D1, BackwardD1, error) {
		x2d := x.Reshape2D(1, x.N)
		y := x2d.NoTransDot(w).ToD1()
		var backward BackwardD1
		backward = func(chain tensor.D1, grad *GradBuffer) (tensor.D1, error) {
			chain2d := chain.Reshape2D(1, chain.N)
			dx := chain2d.NoTransDotTrans(w).ToD1()
			dw := x2d.TransDotNoTrans(chain2d)
			grad.Weights = append(grad.Weights, dw)
			return dx, nil
		}
		return y, backward, nil
	}
}

func NewBiasForwardD1(b tensor.D1) ForwardD1 {
	return func(x tensor.D1) (tensor.D1, BackwardD1, error) {
		y := x.Axpy(1.0, b)
		var backward BackwardD1
		backward = func(chain tensor.D1, grad *GradBuffer) (tensor.D1, error) {
			db := chain.Clone()
			grad.Biases = append(grad.Biases, db)
			return chain, nil
		}
		return y, backward, nil
	}
}

func NewLeakyReLUForwardD1(alpha float32) ForwardD1 {
	return func(x tensor.D1) (tensor.D1, BackwardD1, error) {
		y := nn.LeakyReLUD1(x, alpha)
		var backward BackwardD1
		backward = func(chain tensor.D1, _ *GradBuffer) (tensor.D1, error) {
			dydx := nn.LeakyReLUD1Derivative(x, alpha)
			dx := dydx.Hadamard(chain)
			return dx, nil
		}
		return y, backward, nil
	}
}

// 交差エントロピー損失と組で使う前提。連鎖はそのまま素通しする。
func SoftmaxForwardForCrossEntropyLoss(x tensor.D1) (tensor.D1, BackwardD1, error) {
	y := tmath.Softmax(x)
	var backward BackwardD1
	backward = func(chain tensor.D1, _ *GradBuffer) (tensor.D1, error) {
		dx := chain
		return dx, nil
	}
	return y, backward, nil
}
