// SPDX-License-Identifier: Apache-2.0

package mixtral

// BLAS bridge for single-precision matrix multiplication.
//
// All dense matmuls in the model funnel through the three wrappers below,
// backed by gonum's float32 BLAS. The default implementation is gonum's
// pure-Go kernel; building with -tags netlib swaps in a CBLAS binding
// (see blas_netlib.go) without touching any call site.

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// sgemm computes C = alpha*A@B + beta*C.
// A: [m, k] row-major, B: [k, n] row-major, C: [m, n] row-major.
//
// The early return on zero dimensions keeps callers free of empty-batch
// special cases (a zero-token expert batch must be a no-op, not a panic).
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Implementation().Sgemm(blas.NoTrans, blas.NoTrans,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc)
}

// sgemmTransB computes C = alpha*A@B^T + beta*C with the trans flag on B,
// avoiding a transposed copy. A: [m, k], B: [n, k] row-major, C: [m, n].
//
// Used by Linear.Forward (weight stored as [out, in], need input @ weight^T).
func sgemmTransB(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Implementation().Sgemm(blas.NoTrans, blas.Trans,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc)
}

// sgemmRaw is a direct sgemm wrapper with explicit trans flags and leading
// dimensions. Use for strided data views where the matrix is not contiguous
// in memory -- e.g. accessing head h's [seq, headDim] slice from a
// [batch, seq, nHeads, headDim] array, where the leading dimension is
// nHeads*headDim (the stride between rows in flat storage).
func sgemmRaw(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	blas32.Implementation().Sgemm(tA, tB,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc)
}
