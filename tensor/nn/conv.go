package nn

import (
	"fmt"

	"github.com/sw965/qnn/tensor"
)

// 膨張を考慮したフィルターの実効サイズ。
func EffectiveKernelSize(f, dilation int) int {
	return (f-1)*dilation + 1
}

func ConvOutputSize(in, f, stride, dilation int) int {
	return (in-EffectiveKernelSize(f, dilation))/stride + 1
}

func Im2Col(img tensor.D3, filterRows, filterCols, strideRows, strideCols, dilationRows, dilationCols int) tensor.D2 {
	chs := img.Channels
	outRows := ConvOutputSize(img.Rows, filterRows, strideRows, dilationRows)
	outCols := ConvOutputSize(img.Cols, filterCols, strideCols, dilationCols)

	imgData := img.Data
	newCols := chs * filterRows * filterCols
	newData := make([]float32, outRows*outCols*newCols)
	newIdx := 0

	for or := 0; or < outRows; or++ {
		baseRow := or * strideRows
		for oc := 0; oc < outCols; oc++ {
			baseCol := oc * strideCols
			for ch := 0; ch < chs; ch++ {
				for fr := 0; fr < filterRows; fr++ {
					row := baseRow + fr*dilationRows
					for fc := 0; fc < filterCols; fc++ {
						col := baseCol + fc*dilationCols
						newData[newIdx] = imgData[img.At(ch, row, col)]
						newIdx++
					}
				}
			}
		}
	}

	return tensor.D2{
		Rows:   outRows * outCols,
		Cols:   newCols,
		Stride: newCols,
		Data:   newData,
	}
}

// Im2Colの逆変換。colの各要素を元の画像位置に加算する。dstのDataに直接書き込む。
func Col2ImAddInto(col tensor.D2, dst tensor.D3, filterRows, filterCols, strideRows, strideCols, dilationRows, dilationCols int) {
	chs := dst.Channels
	outRows := ConvOutputSize(dst.Rows, filterRows, strideRows, dilationRows)
	outCols := ConvOutputSize(dst.Cols, filterCols, strideCols, dilationCols)

	colIdx := 0
	for or := 0; or < outRows; or++ {
		baseRow := or * strideRows
		for oc := 0; oc < outCols; oc++ {
			baseCol := oc * strideCols
			for ch := 0; ch < chs; ch++ {
				for fr := 0; fr < filterRows; fr++ {
					row := baseRow + fr*dilationRows
					for fc := 0; fc < filterCols; fc++ {
						c := baseCol + fc*dilationCols
						dst.Data[dst.At(ch, row, c)] += col.Data[colIdx]
						colIdx++
					}
				}
			}
		}
	}
}

// (出力位置 × チャンネル) の行列を、チャンネルファーストのD3ビューに加算する。
func addColResult(dst tensor.D3, prod tensor.D2) {
	pos := 0
	for r := 0; r < dst.Rows; r++ {
		for c := 0; c < dst.Cols; c++ {
			base := pos * prod.Stride
			for ch := 0; ch < dst.Channels; ch++ {
				dst.Data[dst.At(ch, r, c)] += prod.Data[base+ch]
			}
			pos++
		}
	}
}

// グループ畳み込み。入出力はチャンネルファースト。
// 返り値のcolsはグループ毎のim2col結果で、逆伝播で再利用する。
func GroupConv2D(x tensor.D3, filter tensor.D4, strideRows, strideCols, dilationRows, dilationCols, groups int) (tensor.D3, []tensor.D2, error) {
	if groups < 1 {
		return tensor.D3{}, nil, fmt.Errorf("グループ数は1以上でなければなりません。groups = %d", groups)
	}

	if x.Channels != filter.Channels*groups {
		return tensor.D3{}, nil, fmt.Errorf(
			"入力チャンネル数とフィルターチャンネル数が一致しません。入力 = %d, フィルター×グループ = %d×%d",
			x.Channels, filter.Channels, groups,
		)
	}

	if filter.Batches%groups != 0 {
		return tensor.D3{}, nil, fmt.Errorf("フィルター数(%d)がグループ数(%d)で割り切れません。", filter.Batches, groups)
	}

	outRows := ConvOutputSize(x.Rows, filter.Rows, strideRows, dilationRows)
	outCols := ConvOutputSize(x.Cols, filter.Cols, strideCols, dilationCols)
	if outRows < 1 || outCols < 1 {
		return tensor.D3{}, nil, fmt.Errorf(
			"入力(%d×%d)に対してフィルター(%d×%d)が大きすぎるため、畳み込みできません。",
			x.Rows, x.Cols, filter.Rows, filter.Cols,
		)
	}

	chsPerGroup := filter.Channels
	batchesPerGroup := filter.Batches / groups

	y := tensor.NewD3Zeros(filter.Batches, outRows, outCols)
	cols := make([]tensor.D2, groups)

	for g := 0; g < groups; g++ {
		xg, err := x.SliceChannels(g*chsPerGroup, (g+1)*chsPerGroup)
		if err != nil {
			return tensor.D3{}, nil, err
		}
		fg, err := filter.SliceBatches(g*batchesPerGroup, (g+1)*batchesPerGroup)
		if err != nil {
			return tensor.D3{}, nil, err
		}
		yg, err := y.SliceChannels(g*batchesPerGroup, (g+1)*batchesPerGroup)
		if err != nil {
			return tensor.D3{}, nil, err
		}

		col := Im2Col(xg, filter.Rows, filter.Cols, strideRows, strideCols, dilationRows, dilationCols)
		prod := col.NoTransDotTrans(fg.ToD2())
		addColResult(yg, prod)
		cols[g] = col
	}

	return y, cols, nil
}
