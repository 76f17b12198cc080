// SPDX-License-Identifier: Apache-2.0

package mixtral

import "testing"

func onesMask(n int) []float32 {
	m := make([]float32, n)
	for i := range m {
		m[i] = 1
	}
	return m
}

func seqPositions(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}

// The chunked path must reproduce the dense path on the same weights.
// Sequence length 20 with chunk size 16 exercises partial chunks and the
// online-softmax rescaling across chunk boundaries.
func TestChunkedAttentionMatchesDense(t *testing.T) {
	cfg := TinyConfig()
	rope := newRotaryTable(cfg.MaxPositionEmbeddings, cfg.HeadDim(), cfg.RopeTheta)
	a := NewAttention(&cfg, rope)

	const seq = 20
	hidden := Randn(NewShape(1, seq, cfg.HiddenSize), F32)
	mask := onesMask(seq)
	positions := seqPositions(seq)

	dense, _, err := a.Forward(hidden, mask, positions, nil, 0, true, false)
	if err != nil {
		t.Fatalf("dense forward: %v", err)
	}

	a.useChunked = true
	chunked, _, err := a.Forward(hidden.Clone(), mask, positions, nil, 0, true, false)
	if err != nil {
		t.Fatalf("chunked forward: %v", err)
	}

	if !dense.Shape().Equal(chunked.Shape()) {
		t.Fatalf("shape mismatch: %v vs %v", dense.Shape(), chunked.Shape())
	}
	d, c := dense.DataPtr(), chunked.DataPtr()
	for i := range d {
		if absDiff(d[i], c[i]) > 1e-3 {
			t.Fatalf("index %d: dense %f vs chunked %f", i, d[i], c[i])
		}
	}
}

// With a single query position the softmax collapses to 1 and the
// pre-projection output is exactly V repeated across each query head's
// group. Setting the output projection to identity exposes that directly,
// which pins down the grouped-query head mapping (head h reads KV head
// h / (nHeads/nKVHeads)).
func TestGroupedQueryHeadMapping(t *testing.T) {
	cfg := Config{
		VocabSize: 10, HiddenSize: 8, IntermediateSize: 16,
		NumHiddenLayers: 1, NumHeads: 4, NumKVHeads: 2,
		NumLocalExperts: 2, NumExpertsPerTok: 1,
		RMSNormEps: 1e-5, RopeTheta: 10000, MaxPositionEmbeddings: 8,
		Dtype: F32,
	}
	rope := newRotaryTable(cfg.MaxPositionEmbeddings, cfg.HeadDim(), cfg.RopeTheta)
	a := NewAttention(&cfg, rope)

	// Identity output projection.
	oW := a.oProj.Weight().DataPtr()
	for i := range oW {
		oW[i] = 0
	}
	for i := 0; i < cfg.HiddenSize; i++ {
		oW[i*cfg.HiddenSize+i] = 1
	}

	hidden := Randn(NewShape(1, 1, cfg.HiddenSize), F32)
	v := a.vProj.Forward(hidden) // [1, 1, nKVHeads*headDim]

	out, _, err := a.Forward(hidden, onesMask(1), []int{0}, nil, 0, true, false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	headDim := cfg.HeadDim()
	nRep := cfg.NumHeads / cfg.NumKVHeads
	for h := 0; h < cfg.NumHeads; h++ {
		kvH := h / nRep
		for d := 0; d < headDim; d++ {
			want := v.DataPtr()[kvH*headDim+d]
			got := out.DataPtr()[h*headDim+d]
			if absDiff(got, want) > 1e-5 {
				t.Fatalf("head %d dim %d: got %f, want V of KV head %d = %f", h, d, got, kvH, want)
			}
		}
	}
}

// Padding and causal structure in the softmax weights: with the middle of
// three tokens marked padding, no query row may place weight on it, future
// positions stay at zero, and every row still sums to 1.
func TestAttentionMasking(t *testing.T) {
	cfg := TinyConfig()
	rope := newRotaryTable(cfg.MaxPositionEmbeddings, cfg.HeadDim(), cfg.RopeTheta)
	a := NewAttention(&cfg, rope)

	const seq = 3
	hidden := Randn(NewShape(1, seq, cfg.HiddenSize), F32)
	mask := []float32{1, 0, 1}

	_, weights, err := a.Forward(hidden, mask, seqPositions(seq), nil, 0, true, true)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !weights.Shape().Equal(NewShape(1, cfg.NumHeads, seq, seq)) {
		t.Fatalf("unexpected weights shape %v", weights.Shape())
	}

	for h := 0; h < cfg.NumHeads; h++ {
		for qi := 0; qi < seq; qi++ {
			sum := float32(0)
			for ki := 0; ki < seq; ki++ {
				w := weights.At(0, h, qi, ki)
				if ki == 1 && w != 0 {
					t.Fatalf("head %d row %d: weight %f on padded position", h, qi, w)
				}
				if ki > qi && w != 0 {
					t.Fatalf("head %d row %d: weight %f on future position %d", h, qi, w, ki)
				}
				sum += w
			}
			if absDiff(sum, 1) > 1e-5 {
				t.Fatalf("head %d row %d: weights sum to %f", h, qi, sum)
			}
		}
	}
}

// Rotary application preserves vector norms (it is a rotation) and leaves
// position 0 essentially untouched (cos 0 = 1, sin 0 = 0, up to the
// float32 polynomial approximation of the trig functions).
func TestRotaryTable(t *testing.T) {
	const headDim = 8
	rope := newRotaryTable(16, headDim, 10000)

	data := make([]float32, 2*headDim) // two positions, one head
	orig := make([]float32, len(data))
	for i := range data {
		data[i] = float32(i%5) - 2
	}
	copy(orig, data)

	rope.apply(data, 1, 2, 1, headDim, []int{0, 7})

	for i := 0; i < headDim; i++ {
		if absDiff(data[i], orig[i]) > 1e-3 {
			t.Fatalf("position 0 changed at dim %d: %f vs %f", i, data[i], orig[i])
		}
	}

	normSq := func(xs []float32) float32 {
		s := float32(0)
		for _, x := range xs {
			s += x * x
		}
		return s
	}
	before, after := normSq(orig[headDim:]), normSq(data[headDim:])
	if absDiff(after, before) > 0.01*before {
		t.Errorf("rotation changed the vector norm: %f vs %f", after, before)
	}
	changed := false
	for i := headDim; i < 2*headDim; i++ {
		if data[i] != orig[i] {
			changed = true
		}
	}
	if !changed {
		t.Errorf("position 7 was not rotated")
	}
}

// Dropout must be a no-op in deterministic mode and change weights
// otherwise.
func TestAttentionDropoutDeterministic(t *testing.T) {
	cfg := TinyConfig()
	cfg.AttnDropout = 0.5
	rope := newRotaryTable(cfg.MaxPositionEmbeddings, cfg.HeadDim(), cfg.RopeTheta)
	a := NewAttention(&cfg, rope)

	const seq = 4
	hidden := Randn(NewShape(1, seq, cfg.HiddenSize), F32)
	mask := onesMask(seq)
	positions := seqPositions(seq)

	out1, _, _ := a.Forward(hidden, mask, positions, nil, 0, true, false)
	out2, _, _ := a.Forward(hidden, mask, positions, nil, 0, true, false)
	for i := range out1.DataPtr() {
		if out1.DataPtr()[i] != out2.DataPtr()[i] {
			t.Fatalf("deterministic forward is not repeatable at index %d", i)
		}
	}

	dropped, _, _ := a.Forward(hidden, mask, positions, nil, 0, false, false)
	same := true
	for i := range out1.DataPtr() {
		if out1.DataPtr()[i] != dropped.DataPtr()[i] {
			same = false
			break
		}
	}
	if same {
		t.Errorf("dropout had no effect with rate 0.5")
	}
}
