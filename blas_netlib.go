// SPDX-License-Identifier: Apache-2.0

//go:build netlib

package mixtral

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Building with `-tags netlib` links against the system CBLAS
// (OpenBLAS, MKL, Accelerate) through gonum's netlib binding. Every
// sgemm wrapper in sgemm.go picks this up via blas32.Implementation.
func init() {
	blas32.Use(netlib.Implementation{})
}
