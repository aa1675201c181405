package quantize_test

import (
	"fmt"
	"math"
	"testing"

	omwrand "github.com/sw965/omw/math/rand"
	"github.com/sw965/qnn/quantize"
	"github.com/sw965/qnn/tensor"
)

func numericalDiff(x float32, f func(float32) float32) float32 {
	h := float32(0.001)
	y1 := f(x + h)
	y2 := f(x - h)
	return (y1 - y2) / (2 * h)
}

func refQuantize(x, b, e float64) float64 {
	bEff := math.Max(b, 0.0)
	h := math.Exp2(bEff - 1.0)
	y := x * math.Exp2(-e)
	y = math.Min(math.Max(y, -h), h-1.0)
	return math.Floor(y+0.5) * math.Exp2(e)
}

func TestQuantizeScenario(t *testing.T) {
	b := float32(4.7)
	e := float32(-4.6)
	xs := []float32{-1.0, 0.0, 0.37, 0.9999}

	for _, x := range xs {
		got := quantize.Quantize(x, b, e)
		want := float32(refQuantize(float64(x), 4.7, -4.6))
		if math.Abs(float64(got-want)) > 1e-6 {
			t.Errorf("Quantize(%v) = %v, want %v", x, got, want)
		}
	}

	// x=0.37 は 9ステップ目 (9·2⁻⁴·⁶ ≈ 0.371) に量子化される。
	got := quantize.Quantize(0.37, b, e)
	want := float32(9.0 * math.Exp2(-4.6))
	if math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("Quantize(0.37) = %v, want %v", got, want)
	}
}

func TestQuantizeIdentityWithLargeBits(t *testing.T) {
	rng := omwrand.NewMt19937()
	b := float32(24.0)
	e := float32(-12.0)
	step := math.Exp2(-12.0)

	x := tensor.NewD1RandUniform(1000, -1.0, 1.0, rng)
	y := quantize.D1(x, b, e)
	for i := range x.Data {
		diff := math.Abs(float64(y.Data[i] - x.Data[i]))
		if diff > step {
			t.Errorf("量子化誤差(%v)がステップ(%v)を超えた。x = %v", diff, step, x.Data[i])
		}
	}
}

func TestQuantizeCollapseAtZeroBits(t *testing.T) {
	rng := omwrand.NewMt19937()
	x := tensor.NewD1RandUniform(1000, -10.0, 10.0, rng)

	for _, b := range []float32{0.0, -0.5, -3.2} {
		for _, e := range []float32{-8.0, 0.0, 4.0} {
			y := quantize.D1(x, b, e)
			for i := range y.Data {
				if y.Data[i] != 0.0 {
					t.Errorf("b = %v (整流後0) で量子化結果が0でない。got %v", b, y.Data[i])
				}
			}
		}
	}
}

func TestQuantizeIdempotence(t *testing.T) {
	rng := omwrand.NewMt19937()
	b := float32(4.7)
	e := float32(-4.6)

	x := tensor.NewD1RandUniform(1000, -2.0, 2.0, rng)
	once := quantize.D1(x, b, e)
	twice := quantize.D1(once, b, e)
	for i := range once.Data {
		if once.Data[i] != twice.Data[i] {
			t.Errorf("量子化が冪等でない。once = %v, twice = %v", once.Data[i], twice.Data[i])
		}
	}
}

func TestQuantizeErrorMonotoneInExponent(t *testing.T) {
	rng := omwrand.NewMt19937()
	// クランプが効かないよう、表現可能範囲が入力を覆う十分なビット深度にする。
	b := float32(16.0)
	x := tensor.NewD1RandUniform(10000, -2.0, 2.0, rng)

	es := []float32{-12.0, -10.0, -8.0, -6.0, -4.0, -2.0}
	meanErrs := make([]float64, len(es))
	for i, e := range es {
		y := quantize.D1(x, b, e)
		sum := 0.0
		for j := range y.Data {
			sum += math.Abs(float64(y.Data[j] - x.Data[j]))
		}
		meanErrs[i] = sum / float64(x.N)
	}

	fmt.Println("meanErrs =", meanErrs)
	for i := 1; i < len(meanErrs); i++ {
		if meanErrs[i] < meanErrs[i-1] {
			t.Errorf("指数を大きくしたのに平均量子化誤差が減少した。e = %v: %v → %v", es[i], meanErrs[i-1], meanErrs[i])
		}
	}
}

// ステップが数値微分の刻みより十分細かければ、丸めの階段は平均化され、
// 数値勾配が直通推定量の劣微分に一致する。
func TestQuantizeDerivativeInBand(t *testing.T) {
	b := float32(16.0)
	e := float32(-18.0)
	x := float32(0.05) // 表現可能範囲 ±0.125 の内側

	gx, gb, ge := quantize.Derivative(x, b, e)
	if gx != 1.0 || gb != 0.0 || ge != 0.0 {
		t.Errorf("範囲内の劣微分は (1, 0, 0) であるべき。got (%v, %v, %v)", gx, gb, ge)
	}

	numGx := numericalDiff(x, func(xi float32) float32 {
		return quantize.Quantize(xi, b, e)
	})
	if math.Abs(float64(numGx-gx)) > 0.01 {
		t.Errorf("∂q/∂x: 数値勾配 %v と解析勾配 %v が一致しない。", numGx, gx)
	}
}

func TestQuantizeDerivativeClampedHigh(t *testing.T) {
	b := float32(16.0)
	e := float32(-18.0)
	x := float32(0.2) // 上限クランプ

	gx, gb, ge := quantize.Derivative(x, b, e)

	numGx := numericalDiff(x, func(xi float32) float32 {
		return quantize.Quantize(xi, b, e)
	})
	numGb := numericalDiff(b, func(bi float32) float32 {
		return quantize.Quantize(x, bi, e)
	})
	numGe := numericalDiff(e, func(ei float32) float32 {
		return quantize.Quantize(x, b, ei)
	})

	fmt.Println("clamped high: analytic =", gx, gb, ge, "numerical =", numGx, numGb, numGe)

	if math.Abs(float64(numGx-gx)) > 0.01 {
		t.Errorf("∂q/∂x: 数値勾配 %v と解析勾配 %v が一致しない。", numGx, gx)
	}
	if relDiff(numGb, gb) > 0.05 {
		t.Errorf("∂q/∂b: 数値勾配 %v と解析勾配 %v が一致しない。", numGb, gb)
	}
	if relDiff(numGe, ge) > 0.05 {
		t.Errorf("∂q/∂e: 数値勾配 %v と解析勾配 %v が一致しない。", numGe, ge)
	}
}

func TestQuantizeDerivativeClampedLow(t *testing.T) {
	b := float32(16.0)
	e := float32(-18.0)
	x := float32(-0.2) // 下限クランプ

	gx, gb, ge := quantize.Derivative(x, b, e)

	numGx := numericalDiff(x, func(xi float32) float32 {
		return quantize.Quantize(xi, b, e)
	})
	numGb := numericalDiff(b, func(bi float32) float32 {
		return quantize.Quantize(x, bi, e)
	})
	numGe := numericalDiff(e, func(ei float32) float32 {
		return quantize.Quantize(x, b, ei)
	})

	if math.Abs(float64(numGx-gx)) > 0.01 {
		t.Errorf("∂q/∂x: 数値勾配 %v と解析勾配 %v が一致しない。", numGx, gx)
	}
	if relDiff(numGb, gb) > 0.05 {
		t.Errorf("∂q/∂b: 数値勾配 %v と解析勾配 %v が一致しない。", numGb, gb)
	}
	if relDiff(numGe, ge) > 0.05 {
		t.Errorf("∂q/∂e: 数値勾配 %v と解析勾配 %v が一致しない。", numGe, ge)
	}
}

// 整流で潰れたビット深度は、クランプ領域でも勾配を流さない。
func TestQuantizeDerivativeNegativeBits(t *testing.T) {
	gx, gb, _ := quantize.Derivative(0.2, -2.0, -18.0)
	if gx != 0.0 || gb != 0.0 {
		t.Errorf("b < 0 では ∂q/∂x = ∂q/∂b = 0 であるべき。got (%v, %v)", gx, gb)
	}
}

func relDiff(a, b float32) float64 {
	denom := math.Max(math.Abs(float64(a)), math.Abs(float64(b)))
	if denom == 0 {
		return 0
	}
	return math.Abs(float64(a-b)) / denom
}

func TestD4PerBatchShapeMismatch(t *testing.T) {
	w := tensor.NewD4Zeros(4, 1, 3, 3)
	bits := tensor.NewD1Full(3, 16.0) // フィルター数と不一致
	exps := tensor.NewD1Full(4, -8.0)
	if _, err := quantize.D4PerBatch(w, bits, exps); err == nil {
		t.Errorf("形状不一致でエラーが返らなかった。")
	}
}
