package nn

import (
	"github.com/sw965/qnn/tensor"
)

func ZeroPadding2D(img tensor.D3, top, bot, left, right int) tensor.D3 {
	if top == 0 && bot == 0 && left == 0 && right == 0 {
		return img
	}

	padded := tensor.NewD3Zeros(img.Channels, img.Rows+top+bot, img.Cols+left+right)
	for ch := 0; ch < img.Channels; ch++ {
		for row := 0; row < img.Rows; row++ {
			srcBase := img.At(ch, row, 0)
			dstBase := padded.At(ch, row+top, left)
			copy(padded.Data[dstBase:dstBase+img.Cols], img.Data[srcBase:srcBase+img.Cols])
		}
	}
	return padded
}

// ZeroPadding2Dの逆伝播。パディング部分の勾配を切り落とす。
func CropPadding2D(padded tensor.D3, top, bot, left, right int) tensor.D3 {
	if top == 0 && bot == 0 && left == 0 && right == 0 {
		return padded
	}

	img := tensor.NewD3Zeros(padded.Channels, padded.Rows-top-bot, padded.Cols-left-right)
	for ch := 0; ch < img.Channels; ch++ {
		for row := 0; row < img.Rows; row++ {
			srcBase := padded.At(ch, row+top, left)
			dstBase := img.At(ch, row, 0)
			copy(img.Data[dstBase:dstBase+img.Cols], padded.Data[srcBase:srcBase+img.Cols])
		}
	}
	return img
}

// sameパディング量。出力サイズが ceil(in/stride) になるように計算する。
func SamePadding(in, f, stride, dilation int) (int, int) {
	out := (in + stride - 1) / stride
	need := (out-1)*stride + EffectiveKernelSize(f, dilation) - in
	if need < 0 {
		need = 0
	}
	head := need / 2
	tail := need - head
	return head, tail
}

// 入力膨張。行・列の要素間に (dilation-1) 個のゼロを挿入する。
func InputDilate2D(img tensor.D3, dilationRows, dilationCols int) tensor.D3 {
	if dilationRows == 1 && dilationCols == 1 {
		return img
	}

	dilated := tensor.NewD3Zeros(
		img.Channels,
		(img.Rows-1)*dilationRows+1,
		(img.Cols-1)*dilationCols+1,
	)
	for ch := 0; ch < img.Channels; ch++ {
		for row := 0; row < img.Rows; row++ {
			for col := 0; col < img.Cols; col++ {
				dilated.Data[dilated.At(ch, row*dilationRows, col*dilationCols)] = img.Data[img.At(ch, row, col)]
			}
		}
	}
	return dilated
}

// InputDilate2Dの逆伝播。挿入されたゼロ位置の勾配を捨てて間引く。
func InputUndilate2D(dilated tensor.D3, dilationRows, dilationCols int) tensor.D3 {
	if dilationRows == 1 && dilationCols == 1 {
		return dilated
	}

	rows := (dilated.Rows-1)/dilationRows + 1
	cols := (dilated.Cols-1)/dilationCols + 1
	img := tensor.NewD3Zeros(dilated.Channels, rows, cols)
	for ch := 0; ch < img.Channels; ch++ {
		for row := 0; row < rows; row++ {
			for col := 0; col < cols; col++ {
				img.Data[img.At(ch, row, col)] = dilated.Data[dilated.At(ch, row*dilationRows, col*dilationCols)]
			}
		}
	}
	return img
}
