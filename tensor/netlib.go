//go:build netlib

package tensor

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// netlibタグ付きでビルドすると、cgo経由のBLAS実装を使用する。
func init() {
	blas32.Use(netlib.Implementation{})
}
