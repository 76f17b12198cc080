// SPDX-License-Identifier: Apache-2.0

package mixtral

// Tests for the tensor core and BLAS bridge.
//
// Testing philosophy: test module boundaries and exported behavior, not
// internals. Shape handling is exercised through the ops that consume it;
// the float32 matmul is cross-checked against a float64 reference.

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func absDiff(a, b float32) float32 {
	return float32(math.Abs(float64(a) - float64(b)))
}

// Shape bookkeeping: element count, strides, equality.
func TestShapeBasics(t *testing.T) {
	s := NewShape(2, 3, 4)
	if s.Numel() != 24 {
		t.Fatalf("expected 24 elements, got %d", s.Numel())
	}
	if !s.Equal(NewShape(2, 3, 4)) {
		t.Errorf("expected shapes equal")
	}
	if s.Equal(NewShape(2, 3, 5)) {
		t.Errorf("expected shapes unequal")
	}
}

// Matmul against a float64 reference built on gonum/mat. The float32 BLAS
// path accumulates in a different order than the naive triple loop, so the
// comparison uses a tolerance rather than exact equality.
func TestMatmulMatchesFloat64Reference(t *testing.T) {
	const m, k, n = 7, 5, 6
	a := Randn(NewShape(m, k), F32)
	b := Randn(NewShape(k, n), F32)

	got := Matmul(a, b)

	a64 := mat.NewDense(m, k, nil)
	b64 := mat.NewDense(k, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < k; j++ {
			a64.Set(i, j, float64(a.At(i, j)))
		}
	}
	for i := 0; i < k; i++ {
		for j := 0; j < n; j++ {
			b64.Set(i, j, float64(b.At(i, j)))
		}
	}
	var want mat.Dense
	want.Mul(a64, b64)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			if diff := math.Abs(float64(got.At(i, j)) - want.At(i, j)); diff > 1e-4 {
				t.Fatalf("(%d,%d): float32 %f vs float64 %f", i, j, got.At(i, j), want.At(i, j))
			}
		}
	}
}

// MatmulTransposedB(a, b) must equal Matmul(a, b^T).
func TestMatmulTransposedB(t *testing.T) {
	a := Randn(NewShape(4, 3), F32)
	b := Randn(NewShape(5, 3), F32)

	got := MatmulTransposedB(a, b)
	want := Matmul(a, b.Transpose())

	if !got.Shape().Equal(NewShape(4, 5)) {
		t.Fatalf("expected shape [4,5], got %v", got.Shape())
	}
	for i := range got.DataPtr() {
		if absDiff(got.DataPtr()[i], want.DataPtr()[i]) > 1e-5 {
			t.Fatalf("index %d: %f vs %f", i, got.DataPtr()[i], want.DataPtr()[i])
		}
	}
}

// Softmax rows must be positive and sum to 1, with the max logit winning.
func TestSoftmax(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 0, 0, 0}, NewShape(2, 3))
	p := x.Softmax()

	for r := 0; r < 2; r++ {
		sum := float32(0)
		for c := 0; c < 3; c++ {
			v := p.At(r, c)
			if v <= 0 {
				t.Fatalf("row %d col %d: expected positive probability, got %f", r, c, v)
			}
			sum += v
		}
		if absDiff(sum, 1) > 1e-5 {
			t.Fatalf("row %d: probabilities sum to %f", r, sum)
		}
	}
	if p.At(0, 2) <= p.At(0, 0) {
		t.Errorf("expected the largest logit to keep the largest probability")
	}
	if absDiff(p.At(1, 0), 1.0/3) > 1e-5 {
		t.Errorf("uniform logits should give uniform probabilities, got %f", p.At(1, 0))
	}
}

// Softmax must survive large-magnitude logits without overflow.
func TestSoftmaxStability(t *testing.T) {
	x := FromSlice([]float32{1000, 1001, 1002}, NewShape(1, 3))
	p := x.Softmax()
	sum := float32(0)
	for i, v := range p.DataPtr() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("index %d: non-finite probability %f", i, v)
		}
		sum += v
	}
	if absDiff(sum, 1) > 1e-5 {
		t.Fatalf("probabilities sum to %f", sum)
	}
}

// SiLU at a few known points: silu(0)=0, silu(x) ~ x for large x.
func TestSiLU(t *testing.T) {
	x := FromSlice([]float32{0, 10, -10}, NewShape(3))
	y := x.SiLU()
	if y.At(0) != 0 {
		t.Errorf("silu(0) = %f, want 0", y.At(0))
	}
	if absDiff(y.At(1), 10) > 1e-3 {
		t.Errorf("silu(10) = %f, want ~10", y.At(1))
	}
	if absDiff(y.At(2), 0) > 1e-3 {
		t.Errorf("silu(-10) = %f, want ~0", y.At(2))
	}
}

// Reshape shares storage; a write through the view is visible in the base.
func TestReshapeSharesData(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	v := x.Reshape(NewShape(4))
	v.Set(9, 0)
	if x.At(0, 0) != 9 {
		t.Errorf("expected reshape to alias storage")
	}
}

// Reshape to a different element count must panic.
func TestReshapeBadNumelPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on element count mismatch")
		}
	}()
	Randn(NewShape(2, 3), F32).Reshape(NewShape(7))
}

// RandnWithStd should produce roughly the requested spread.
func TestRandnStd(t *testing.T) {
	x := RandnWithStd(NewShape(10000), F32, 0.02)
	mean := x.Mean()
	if absDiff(mean, 0) > 0.005 {
		t.Errorf("mean %f too far from 0", mean)
	}
	varSum := float32(0)
	for _, v := range x.DataPtr() {
		varSum += (v - mean) * (v - mean)
	}
	std := SqrtF32(varSum / 10000)
	if absDiff(std, 0.02) > 0.005 {
		t.Errorf("std %f too far from 0.02", std)
	}
}

// The additive mask value must be finite for every dtype so that
// score+bias arithmetic cannot produce NaN.
func TestDTypeMinValueFinite(t *testing.T) {
	for _, d := range []DType{F32, F16, BF16} {
		v := float64(d.MinValue())
		if math.IsInf(v, 0) || math.IsNaN(v) {
			t.Errorf("%v: MinValue is not finite", d)
		}
		if v >= 0 {
			t.Errorf("%v: MinValue %f is not negative", d, v)
		}
	}
}
