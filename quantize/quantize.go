/*
低精度浮動小数点を模した量子化。

	q(x, b, e) = round(clamp(x·2⁻ᵉ, -h, h-1)) · 2ᵉ  (h = 2^(max(b,0)-1))

bはビット深度、eは指数で、どちらも学習対象のパラメーター。
bが0以下に整流された場合、クランプ範囲は [-0.5, -0.5] に潰れ、
全ての値が0に量子化される(これが枝刈りを可能にする圧縮シグナル)。

丸めは floor(y+0.5) (half-up)。half-away-from-zeroでは round(-0.5) = -1 となり、
b=0でのゼロ潰れが成立しないため、この選択は再現性だけでなく性質そのものに関わる。
*/
package quantize

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/sw965/qnn/tensor"
)

const ln2 = float32(math.Ln2)

func round(y float32) float32 {
	return math32.Floor(y + 0.5)
}

func Quantize(x, b, e float32) float32 {
	bEff := b
	if bEff < 0 {
		bEff = 0
	}
	h := math32.Exp2(bEff - 1.0)

	y := x * math32.Exp2(-e)
	lo := -h
	hi := h - 1.0
	if y < lo {
		y = lo
	}
	if y > hi {
		y = hi
	}
	return round(y) * math32.Exp2(e)
}

// 直通推定量(straight-through estimator)による劣微分。
// roundを恒等写像として扱った場合の ∂q/∂x, ∂q/∂b, ∂q/∂e を返す。
// クランプ境界上およびb=0では片側の劣勾配を採る。
func Derivative(x, b, e float32) (float32, float32, float32) {
	bEff := b
	if bEff < 0 {
		bEff = 0
	}
	h := math32.Exp2(bEff - 1.0)
	step := math32.Exp2(e)

	y := x / step
	lo := -h
	hi := h - 1.0

	switch {
	case y < lo:
		// q = -h·2ᵉ = -2^(b-1+e)
		db := float32(0.0)
		if b > 0 {
			db = -ln2 * h * step
		}
		de := -ln2 * h * step
		return 0.0, db, de
	case y > hi:
		// q = (h-1)·2ᵉ
		db := float32(0.0)
		if b > 0 {
			db = ln2 * h * step
		}
		de := ln2 * (h - 1.0) * step
		return 0.0, db, de
	default:
		// q = (x·2⁻ᵉ)·2ᵉ = x
		return 1.0, 0.0, 0.0
	}
}

func D1(x tensor.D1, b, e float32) tensor.D1 {
	y := tensor.NewD1Zeros(x.N)
	for i, xi := range x.Data {
		y.Data[i] = Quantize(xi, b, e)
	}
	return y
}

// フィルターの各バッチ(出力チャンネル)毎に、対応するb, eで量子化する。
func D4PerBatch(w tensor.D4, bits, exps tensor.D1) (tensor.D4, error) {
	if bits.N != w.Batches || exps.N != w.Batches {
		return tensor.D4{}, fmt.Errorf(
			"ビット深度(%d)・指数(%d)の長さがフィルター数(%d)と一致しないため、量子化できません。",
			bits.N, exps.N, w.Batches,
		)
	}

	y := w.NewZerosLike()
	for batch := 0; batch < w.Batches; batch++ {
		b := bits.Data[batch]
		e := exps.Data[batch]
		base := batch * w.BatchStride
		for i := base; i < base+w.BatchStride; i++ {
			y.Data[i] = Quantize(w.Data[i], b, e)
		}
	}
	return y, nil
}

// 量子化済みの値をステップ単位で再度丸める。
// 2⁻ᵉの積和で生じる浮動小数点誤差を整数ステップに押し戻すための冪等な操作。
func D4Reround(wq tensor.D4, exps tensor.D1) (tensor.D4, error) {
	if exps.N != wq.Batches {
		return tensor.D4{}, fmt.Errorf(
			"指数(%d)の長さがフィルター数(%d)と一致しないため、再丸めできません。",
			exps.N, wq.Batches,
		)
	}

	y := wq.NewZerosLike()
	for batch := 0; batch < wq.Batches; batch++ {
		step := math32.Exp2(exps.Data[batch])
		base := batch * wq.BatchStride
		for i := base; i < base+wq.BatchStride; i++ {
			y.Data[i] = round(wq.Data[i]/step) * step
		}
	}
	return y, nil
}

// 直通推定量による逆伝播。chainは量子化後のフィルターに対する勾配。
// 返り値はフィルター・ビット深度・指数それぞれに対する勾配。
func D4PerBatchDerivative(w tensor.D4, bits, exps tensor.D1, chain tensor.D4) (tensor.D4, tensor.D1, tensor.D1, error) {
	if bits.N != w.Batches || exps.N != w.Batches {
		return tensor.D4{}, tensor.D1{}, tensor.D1{}, fmt.Errorf(
			"ビット深度(%d)・指数(%d)の長さがフィルター数(%d)と一致しないため、逆伝播できません。",
			bits.N, exps.N, w.Batches,
		)
	}

	dw := w.NewZerosLike()
	dBits := tensor.NewD1Zeros(bits.N)
	dExps := tensor.NewD1Zeros(exps.N)

	for batch := 0; batch < w.Batches; batch++ {
		b := bits.Data[batch]
		e := exps.Data[batch]
		base := batch * w.BatchStride
		for i := base; i < base+w.BatchStride; i++ {
			gx, gb, ge := Derivative(w.Data[i], b, e)
			c := chain.Data[i]
			dw.Data[i] = c * gx
			dBits.Data[batch] += c * gb
			dExps.Data[batch] += c * ge
		}
	}
	return dw, dBits, dExps, nil
}
