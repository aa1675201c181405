package model_test

import (
	"fmt"
	"math"
	"testing"

	omwrand "github.com/sw965/omw/math/rand"
	"github.com/sw965/qnn/model"
	"github.com/sw965/qnn/quantize"
	"github.com/sw965/qnn/tensor"
)

// 28×28×1の入力に3×3・16チャンネルのvalid畳み込みで、出力は26×26×16。
// 量子化は空間形状を変えない。
func TestQuantConv2DOutputShape(t *testing.T) {
	rng := omwrand.NewMt19937()

	qm := model.Model{}
	if err := qm.AppendQuantConv2D(16, 1, 3, 3, 16.0, -8.0, rng); err != nil {
		t.Fatal(err)
	}

	pm := model.Model{}
	if err := pm.AppendConv2D(16, 1, 3, 3, rng); err != nil {
		t.Fatal(err)
	}

	x := tensor.NewD3RandUniform(1, 28, 28, -1.0, 1.0, rng)

	qy, _, err := qm.ForwardsD3.Propagate(x)
	if err != nil {
		t.Fatal(err)
	}
	py, _, err := pm.ForwardsD3.Propagate(x)
	if err != nil {
		t.Fatal(err)
	}

	if qy.Channels != 16 || qy.Rows != 26 || qy.Cols != 26 {
		t.Errorf("量子化畳み込みの出力形状が不正。got (%d, %d, %d), want (16, 26, 26)", qy.Channels, qy.Rows, qy.Cols)
	}
	if py.Channels != qy.Channels || py.Rows != qy.Rows || py.Cols != qy.Cols {
		t.Errorf("量子化の有無で出力形状が変わった。")
	}
}

// 順伝播は再丸め済みカーネルによる通常の畳み込みと完全に一致する。
func TestQuantConvForwardUsesRoundedKernel(t *testing.T) {
	rng := omwrand.NewMt19937()
	cfg := model.NewConvConfig()

	filter := tensor.NewD4GlorotUniform(8, 2, 3, 3, rng)
	bits := tensor.NewD1Full(8, 6.0)
	exps := tensor.NewD1Full(8, -4.0)

	wq, err := quantize.D4PerBatch(filter, bits, exps)
	if err != nil {
		t.Fatal(err)
	}
	wst, err := quantize.D4Reround(wq, exps)
	if err != nil {
		t.Fatal(err)
	}

	x := tensor.NewD3RandUniform(2, 10, 10, -1.0, 1.0, rng)

	qy, _, err := model.NewQuantConv2DForward(filter, bits, exps, cfg)(x)
	if err != nil {
		t.Fatal(err)
	}
	py, _, err := model.NewConv2DForward(wst, cfg)(x)
	if err != nil {
		t.Fatal(err)
	}

	for i := range qy.Data {
		if qy.Data[i] != py.Data[i] {
			t.Errorf("順伝播が丸め済みカーネルの畳み込みと一致しない。")
			break
		}
	}
}

// 直通推定量: Wへの勾配は、丸めを恒等写像とした場合の畳み込みの勾配と一致する。
func TestQuantConvStraightThroughGradient(t *testing.T) {
	rng := omwrand.NewMt19937()
	cfg := model.NewConvConfig()

	// 指数を大きく負にして全ての重みを表現可能範囲の内側に収める。
	filter := tensor.NewD4GlorotUniform(4, 1, 3, 3, rng)
	bits := tensor.NewD1Full(4, 20.0)
	exps := tensor.NewD1Full(4, -16.0)

	wq, err := quantize.D4PerBatch(filter, bits, exps)
	if err != nil {
		t.Fatal(err)
	}
	wst, err := quantize.D4Reround(wq, exps)
	if err != nil {
		t.Fatal(err)
	}

	x := tensor.NewD3RandUniform(1, 8, 8, -1.0, 1.0, rng)

	qy, qBackward, err := model.NewQuantConv2DForward(filter, bits, exps, cfg)(x)
	if err != nil {
		t.Fatal(err)
	}
	_, pBackward, err := model.NewConv2DForward(wst, cfg)(x)
	if err != nil {
		t.Fatal(err)
	}

	chain := tensor.NewD3Ones(qy.Channels, qy.Rows, qy.Cols)

	qGrad := model.GradBuffer{}
	qdx, err := qBackward(chain, &qGrad)
	if err != nil {
		t.Fatal(err)
	}

	pGrad := model.GradBuffer{}
	pdx, err := pBackward(chain, &pGrad)
	if err != nil {
		t.Fatal(err)
	}

	// 範囲内の重みの ∂q/∂x は1なので、フィルター勾配は完全一致する。
	qf := qGrad.Filters[0]
	pf := pGrad.Filters[0]
	for i := range qf.Data {
		if qf.Data[i] != pf.Data[i] {
			t.Errorf("直通推定量のフィルター勾配が丸め恒等視の勾配と一致しない。")
			break
		}
	}

	// 入力勾配も同じカーネル値を使うため一致する。
	for i := range qdx.Data {
		if qdx.Data[i] != pdx.Data[i] {
			t.Errorf("入力勾配が一致しない。")
			break
		}
	}

	// 範囲内ではb, eへ勾配は流れない。
	for i := range qGrad.Bits[0].Data {
		if qGrad.Bits[0].Data[i] != 0.0 {
			t.Errorf("範囲内なのにビット深度へ勾配が流れた。")
		}
	}
	for i := range qGrad.Exps[0].Data {
		if qGrad.Exps[0].Data[i] != 0.0 {
			t.Errorf("範囲内なのに指数へ勾配が流れた。")
		}
	}
}

// ビット深度0のチャンネルは出力に一切寄与しない。
func TestQuantConvCollapsedBitsZeroOutput(t *testing.T) {
	rng := omwrand.NewMt19937()
	cfg := model.NewConvConfig()

	filter := tensor.NewD4GlorotUniform(4, 1, 3, 3, rng)
	bits := tensor.NewD1Zeros(4)
	exps := tensor.NewD1Full(4, -8.0)

	x := tensor.NewD3RandUniform(1, 8, 8, -1.0, 1.0, rng)
	y, _, err := model.NewQuantConv2DForward(filter, bits, exps, cfg)(x)
	if err != nil {
		t.Fatal(err)
	}
	for i := range y.Data {
		if y.Data[i] != 0.0 {
			t.Errorf("ビット深度0で出力が0でない。got %v", y.Data[i])
			break
		}
	}
}

func TestQuantConvChannelsLast(t *testing.T) {
	rng := omwrand.NewMt19937()

	filter := tensor.NewD4GlorotUniform(4, 2, 3, 3, rng)
	bits := tensor.NewD1Full(4, 16.0)
	exps := tensor.NewD1Full(4, -8.0)

	// チャンネルファースト入力
	xCF := tensor.NewD3RandUniform(2, 8, 8, -1.0, 1.0, rng)
	cfCfg := model.NewConvConfig()
	yCF, _, err := model.NewQuantConv2DForward(filter, bits, exps, cfCfg)(xCF)
	if err != nil {
		t.Fatal(err)
	}

	// 同じ内容をチャンネルラストで
	clCfg := model.NewConvConfig()
	clCfg.ChannelsLast = true
	yCL, _, err := model.NewQuantConv2DForward(filter, bits, exps, clCfg)(xCF.Transpose120())
	if err != nil {
		t.Fatal(err)
	}

	want := yCF.Transpose120()
	if yCL.Channels != want.Channels || yCL.Rows != want.Rows || yCL.Cols != want.Cols {
		t.Fatalf("チャンネルラストの出力形状が不正。")
	}
	for i := range want.Data {
		if yCL.Data[i] != want.Data[i] {
			t.Errorf("チャンネルラストの出力が一致しない。")
			break
		}
	}
}

func TestAppendQuantConv2DValidation(t *testing.T) {
	rng := omwrand.NewMt19937()

	m := model.Model{}
	if err := m.AppendQuantConv2D(0, 1, 3, 3, 16.0, -8.0, rng); err == nil {
		t.Errorf("units = 0 でエラーが返らなかった。")
	}
	if err := m.AppendQuantConv2D(-3, 1, 3, 3, 16.0, -8.0, rng); err == nil {
		t.Errorf("units < 0 でエラーが返らなかった。")
	}
	if err := m.AppendQuantConv2D(4, 3, 3, 3, 16.0, -8.0, rng, model.WithFeatureGroups(2)); err == nil {
		t.Errorf("グループ数で割り切れない入力チャンネル数でエラーが返らなかった。")
	}
	if err := m.AppendQuantConv2D(4, 4, 3, 3, 16.0, -8.0, rng, model.WithStride(0, 1)); err == nil {
		t.Errorf("ストライド0でエラーが返らなかった。")
	}
}

// ビット数正則化だけで最適化すると、ビット深度が単調に下がっていく。
func TestBitPenaltyDrivesBitsDown(t *testing.T) {
	rng := omwrand.NewMt19937()

	m := model.Model{}
	if err := m.AppendQuantConv2D(4, 1, 3, 3, 16.0, -8.0, rng); err != nil {
		t.Fatal(err)
	}

	opt := model.NewMomentum(&m.Parameter)
	opt.BitPenalty = 0.1

	before := m.TotalBits()
	for i := 0; i < 10; i++ {
		grad := m.Parameter.NewGradZerosLike()
		if err := opt.Optimize(&m, &grad); err != nil {
			t.Fatal(err)
		}
	}
	after := m.TotalBits()

	fmt.Println("total bits:", before, "→", after)
	if after >= before {
		t.Errorf("ビット数正則化でビット深度が減少しない。%v → %v", before, after)
	}
}

// 小さな合成データで数ステップ学習し、損失が下がる事を確認する。
func TestTrainingReducesLoss(t *testing.T) {
	rng := omwrand.NewMt19937()

	m := model.Model{}
	if err := m.AppendQuantConv2D(4, 1, 3, 3, 16.0, -8.0, rng); err != nil {
		t.Fatal(err)
	}
	m.AppendLeakyReLU3D(0.1)
	m.AppendDot(4*4*4, 2, rng)
	m.AppendBias(2)
	m.AppendSoftmaxForCrossEntropyLoss()
	m.SetCrossEntropyLossForSoftmax()

	n := 32
	xs := make(tensor.D3Slice, n)
	ts := make(tensor.D1Slice, n)
	for i := range xs {
		if i%2 == 0 {
			xs[i] = tensor.NewD3RandUniform(1, 6, 6, 0.2, 1.0, rng)
			ts[i] = tensor.D1{N: 2, Inc: 1, Data: []float32{1.0, 0.0}}
		} else {
			xs[i] = tensor.NewD3RandUniform(1, 6, 6, -1.0, -0.2, rng)
			ts[i] = tensor.D1{N: 2, Inc: 1, Data: []float32{0.0, 1.0}}
		}
	}

	meanLoss := func() float32 {
		sum := float32(0.0)
		for i := range xs {
			l, err := m.Loss(xs[i], ts[i])
			if err != nil {
				t.Fatal(err)
			}
			sum += l
		}
		return sum / float32(n)
	}

	opt := model.NewMomentum(&m.Parameter)
	opt.LearningRate = 0.05

	before := meanLoss()
	for i := 0; i < 50; i++ {
		grad, err := m.ComputeGrad(xs, ts, 4)
		if err != nil {
			t.Fatal(err)
		}
		if err := opt.Optimize(&m, &grad); err != nil {
			t.Fatal(err)
		}
	}
	after := meanLoss()

	fmt.Println("mean loss:", before, "→", after)
	if !(after < before) {
		t.Errorf("学習で損失が減少しない。%v → %v", before, after)
	}

	acc, err := m.Accuracy(xs, ts)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Println("accuracy:", acc)
	if math.IsNaN(float64(acc)) {
		t.Errorf("精度がNaNになった。")
	}
}
