package model

import (
	"github.com/sw965/qnn/tensor"
	"github.com/sw965/qnn/tensor/nn"
)

// 畳み込みの構成。既定はストライド1・validパディング・膨張なし・1グループ・チャンネルファースト。
type ConvConfig struct {
	StrideRows         int
	StrideCols         int
	SamePad            bool
	PadTop             int
	PadBottom          int
	PadLeft            int
	PadRight           int
	KernelDilationRows int
	KernelDilationCols int
	InputDilationRows  int
	InputDilationCols  int
	Groups             int
	ChannelsLast       bool
}

func NewConvConfig() ConvConfig {
	return ConvConfig{
		StrideRows:         1,
		StrideCols:         1,
		KernelDilationRows: 1,
		KernelDilationCols: 1,
		InputDilationRows:  1,
		InputDilationCols:  1,
		Groups:             1,
	}
}

type ConvOption func(*ConvConfig)

func WithStride(rows, cols int) ConvOption {
	return func(cfg *ConvConfig) {
		cfg.StrideRows = rows
		cfg.StrideCols = cols
	}
}

func WithSamePadding() ConvOption {
	return func(cfg *ConvConfig) {
		cfg.SamePad = true
	}
}

func WithPadding(top, bot, left, right int) ConvOption {
	return func(cfg *ConvConfig) {
		cfg.PadTop = top
		cfg.PadBottom = bot
		cfg.PadLeft = left
		cfg.PadRight = right
	}
}

func WithKernelDilation(rows, cols int) ConvOption {
	return func(cfg *ConvConfig) {
		cfg.KernelDilationRows = rows
		cfg.KernelDilationCols = cols
	}
}

func WithInputDilation(rows, cols int) ConvOption {
	return func(cfg *ConvConfig) {
		cfg.InputDilationRows = rows
		cfg.InputDilationCols = cols
	}
}

func WithFeatureGroups(groups int) ConvOption {
	return func(cfg *ConvConfig) {
		cfg.Groups = groups
	}
}

// 入出力を (行, 列, チャンネル) 順で受け渡す。内部計算はチャンネルファーストのまま。
func WithChannelsLast() ConvOption {
	return func(cfg *ConvConfig) {
		cfg.ChannelsLast = true
	}
}

func (cfg ConvConfig) padAmounts(img tensor.D3, filter tensor.D4) (int, int, int, int) {
	if cfg.SamePad {
		top, bot := nn.SamePadding(img.Rows, filter.Rows, cfg.StrideRows, cfg.KernelDilationRows)
		left, right := nn.SamePadding(img.Cols, filter.Cols, cfg.StrideCols, cfg.KernelDilationCols)
		return top, bot, left, right
	}
	return cfg.PadTop, cfg.PadBottom, cfg.PadLeft, cfg.PadRight
}
