package model

import (
	"fmt"
	"math/rand"

	omath "github.com/sw965/omw/math"
	"github.com/sw965/omw/parallel"
	oslices "github.com/sw965/omw/slices"
	"github.com/sw965/qnn/tensor"
	tmath "github.com/sw965/qnn/tensor/math"
)

type PredictLoss struct {
	Func       func(tensor.D1, tensor.D1) float32
	Derivative func(tensor.D1, tensor.D1) tensor.D1
}

func NewCrossEntropyLossForSoftmax() PredictLoss {
	return PredictLoss{
		Func:       tmath.CrossEntropy,
		Derivative: tmath.SoftmaxCrossEntropyLossDerivative,
	}
}

func NewSumSquaredLoss() PredictLoss {
	return PredictLoss{
		Func:       tmath.SumSquaredLoss,
		Derivative: tmath.SumSquaredLossDerivative,
	}
}

type Model struct {
	Parameter   Parameter
	ForwardsD3  ForwardsD3
	ForwardsD1  ForwardsD1
	PredictLoss PredictLoss
}

// 量子化畳み込み層を追加する。
// unitsは出力チャンネル数、chsは入力チャンネル数。
// フィルターはGlorot一様で初期化し、ビット深度と指数は全チャンネルで同じ定数から学習を始める。
func (m *Model) AppendQuantConv2D(units, chs, filterRows, filterCols int, initBits, initExp float32, rng *rand.Rand, opts ...ConvOption) error {
	cfg := NewConvConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validateConv(units, chs, filterRows, filterCols, cfg); err != nil {
		return err
	}

	filter := tensor.NewD4GlorotUniform(units, chs/cfg.Groups, filterRows, filterCols, rng)
	bits := tensor.NewD1Full(units, initBits)
	exps := tensor.NewD1Full(units, initExp)

	m.Parameter.Filters = append(m.Parameter.Filters, filter)
	m.Parameter.Bits = append(m.Parameter.Bits, bits)
	m.Parameter.Exps = append(m.Parameter.Exps, exps)
	m.ForwardsD3 = append(m.ForwardsD3, NewQuantConv2DForward(filter, bits, exps, cfg))
	return nil
}

// 量子化なしの畳み込み層を追加する。
func (m *Model) AppendConv2D(units, chs, filterRows, filterCols int, rng *rand.Rand, opts ...ConvOption) error {
	cfg := NewConvConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validateConv(units, chs, filterRows, filterCols, cfg); err != nil {
		return err
	}

	filter := tensor.NewD4He(units, chs/cfg.Groups, filterRows, filterCols, rng)
	m.Parameter.Filters = append(m.Parameter.Filters, filter)
	m.ForwardsD3 = append(m.ForwardsD3, NewConv2DForward(filter, cfg))
	return nil
}

func validateConv(units, chs, filterRows, filterCols int, cfg ConvConfig) error {
	if units < 1 {
		return fmt.Errorf("出力チャンネル数は正の整数でなければなりません。units = %d", units)
	}
	if chs < 1 {
		return fmt.Errorf("入力チャンネル数は正の整数でなければなりません。chs = %d", chs)
	}
	if filterRows < 1 || filterCols < 1 {
		return fmt.Errorf("フィルターサイズは正の整数でなければなりません。(%d×%d)", filterRows, filterCols)
	}
	if cfg.Groups < 1 {
		return fmt.Errorf("グループ数は正の整数でなければなりません。groups = %d", cfg.Groups)
	}
	if chs%cfg.Groups != 0 {
		return fmt.Errorf("入力チャンネル数(%d)がグループ数(%d)で割り切れません。", chs, cfg.Groups)
	}
	if units%cfg.Groups != 0 {
		return fmt.Errorf("出力チャンネル数(%d)がグループ数(%d)で割り切れません。", units, cfg.Groups)
	}
	if cfg.StrideRows < 1 || cfg.StrideCols < 1 {
		return fmt.Errorf("ストライドは正の整数でなければなりません。(%d, %d)", cfg.StrideRows, cfg.StrideCols)
	}
	return nil
}

func (m *Model) AppendLeakyReLU3D(alpha float32) {
	m.ForwardsD3 = append(m.ForwardsD3, NewLeakyReLUForwardD3(alpha))
}

func (m *Model) AppendDot(xn, yn int, rng *rand.Rand) {
	w := tensor.NewD2He(xn, yn, rng)
	m.Parameter.Weights = append(m.Parameter.Weights, w)
	m.ForwardsD1 = append(m.ForwardsD1, NewDotForwardD1(w))
}

func (m *Model) AppendBias(n int) {
	b := tensor.NewD1Zeros(n)
	m.Parameter.Biases = append(m.Parameter.Biases, b)
	m.ForwardsD1 = append(m.ForwardsD1, NewBiasForwardD1(b))
}

func (m *Model) AppendLeakyReLU(alpha float32) {
	m.ForwardsD1 = append(m.ForwardsD1, NewLeakyReLUForwardD1(alpha))
}

func (m *Model) AppendSoftmaxForCrossEntropyLoss() {
	m.ForwardsD1 = append(m.ForwardsD1, SoftmaxForwardForCrossEntropyLoss)
}

func (m *Model) SetCrossEntropyLossForSoftmax() {
	m.PredictLoss = NewCrossEntropyLossForSoftmax()
}

func (m *Model) SetSumSquaredLoss() {
	m.PredictLoss = NewSumSquaredLoss()
}

func (m *Model) Predict(x tensor.D3) (tensor.D1, error) {
	y3, _, err := m.ForwardsD3.Propagate(x)
	if err != nil {
		return tensor.D1{}, err
	}
	y, _, err := m.ForwardsD1.Propagate(y3.ToD1())
	return y, err
}

func (m *Model) Loss(x tensor.D3, t tensor.D1) (float32, error) {
	y, err := m.Predict(x)
	if err != nil {
		return 0.0, err
	}
	return m.PredictLoss.Func(y, t), nil
}

func (m *Model) Accuracy(xs tensor.D3Slice, ts tensor.D1Slice) (float32, error) {
	n := len(xs)
	if n != len(ts) {
		return 0.0, fmt.Errorf("バッチサイズが一致しません。")
	}

	correct := 0
	for i := range xs {
		y, err := m.Predict(xs[i])
		if err != nil {
			return 0.0, err
		}
		if oslices.MaxIndices(y.Data)[0] == oslices.MaxIndices(ts[i].Data)[0] {
			correct += 1
		}
	}
	return float32(correct) / float32(n), nil
}

func (m *Model) BackPropagate(x tensor.D3, t tensor.D1) (tensor.D3, GradBuffer, error) {
	y3, backwards3, err := m.ForwardsD3.Propagate(x)
	if err != nil {
		return tensor.D3{}, GradBuffer{}, err
	}

	y, backwards1, err := m.ForwardsD1.Propagate(y3.ToD1())
	if err != nil {
		return tensor.D3{}, GradBuffer{}, err
	}

	grad := GradBuffer{}
	firstChain := m.PredictLoss.Derivative(y, t)
	dFlat, err := backwards1.Propagate(firstChain, &grad)
	if err != nil {
		return tensor.D3{}, GradBuffer{}, err
	}

	chain3 := dFlat.Reshape3D(y3.Channels, y3.Rows, y3.Cols)
	dx, err := backwards3.Propagate(chain3, &grad)
	if err != nil {
		return tensor.D3{}, GradBuffer{}, err
	}

	grad.Reverse()
	return dx, grad, nil
}

func (m *Model) ComputeGrad(xs tensor.D3Slice, ts tensor.D1Slice, p int) (GradBuffer, error) {
	n := len(xs)
	if n != len(ts) {
		return GradBuffer{}, fmt.Errorf("バッチサイズが一致しません。")
	}

	gradByWorker := make(GradBuffers, p)
	for i := range gradByWorker {
		gradByWorker[i] = m.Parameter.NewGradZerosLike()
	}

	errCh := make(chan error, p)
	worker := func(workerIdx int, idxs []int) {
		for _, idx := range idxs {
			_, grad, err := m.BackPropagate(xs[idx], ts[idx])
			if err != nil {
				errCh <- err
				return
			}
			gradByWorker[workerIdx].AxpyInPlace(1.0, grad)
		}
		errCh <- nil
	}

	for workerIdx, idxs := range parallel.DistributeIndicesEvenly(n, p) {
		go worker(workerIdx, idxs)
	}

	for i := 0; i < p; i++ {
		if err := <-errCh; err != nil {
			return GradBuffer{}, err
		}
	}

	total := gradByWorker.Total()
	total.ScalInPlace(1.0 / float32(n))
	return total, nil
}

// ビット深度の整流和 Σ max(b, 0)。圧縮の進み具合の目安になる。
func (m *Model) TotalBits() float32 {
	total := float32(0.0)
	for _, bits := range m.Parameter.Bits {
		for _, b := range bits.Data {
			total += omath.Max(b, 0.0)
		}
	}
	return total
}

type Momentum struct {
	LearningRate float32
	MomentumRate float32

	// 荷重減衰(L2)の係数。
	WeightDecay float32

	// ビット数正則化の係数。損失に BitPenalty·Σ max(b, 0) を加えたのと等価で、
	// この圧力によってビット深度が0へ向かい、チャンネルが自己圧縮される。
	BitPenalty float32

	velocity GradBuffer
}

func NewMomentum(param *Parameter) Momentum {
	return Momentum{
		LearningRate: 0.01,
		MomentumRate: 0.9,
		velocity:     param.NewGradZerosLike(),
	}
}

func (opt *Momentum) Optimize(model *Model, grad *GradBuffer) error {
	penalty := model.Parameter.NewGradZerosLike()

	if opt.WeightDecay != 0.0 {
		for i := range penalty.Weights {
			w := model.Parameter.Weights[i]
			g := penalty.Weights[i]
			for j := range w.Data {
				//(c / 2.0) * w^2 の微分は c * w
				g.Data[j] = opt.WeightDecay * w.Data[j]
			}
		}
		for i := range penalty.Filters {
			f := model.Parameter.Filters[i]
			g := penalty.Filters[i]
			for j := range f.Data {
				g.Data[j] = opt.WeightDecay * f.Data[j]
			}
		}
	}

	if opt.BitPenalty != 0.0 {
		// max(b, 0) の劣微分は b > 0 で1、それ以外で0。
		for i := range penalty.Bits {
			bits := model.Parameter.Bits[i]
			g := penalty.Bits[i]
			for j := range bits.Data {
				if bits.Data[j] > 0 {
					g.Data[j] = opt.BitPenalty
				}
			}
		}
	}

	grad.AxpyInPlace(1.0, penalty)
	opt.velocity.ScalInPlace(opt.MomentumRate)
	opt.velocity.AxpyInPlace(-opt.LearningRate, *grad)
	model.Parameter.AxpyInPlaceGrad(1.0, &opt.velocity)
	return nil
}
