// SPDX-License-Identifier: Apache-2.0

package mixtral

import (
	"errors"
	"math"
	"testing"
)

func newTinyLM(t *testing.T) *CausalLM {
	t.Helper()
	cfg := TinyConfig()
	lm, err := NewCausalLM(&cfg)
	if err != nil {
		t.Fatalf("NewCausalLM: %v", err)
	}
	return lm
}

// End-to-end forward pass: five token IDs through the tiny architecture
// produce [1, 5, 32000] vocabulary logits, all finite.
func TestCausalLMForward(t *testing.T) {
	lm := newTinyLM(t)
	out, err := lm.Forward([]int{1, 17, 5, 9, 2}, 1, 5, ForwardOptions{Deterministic: true})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	want := NewShape(1, 5, 32000)
	if !out.Logits.Shape().Equal(want) {
		t.Fatalf("expected logits shape %v, got %v", want, out.Logits.Shape())
	}
	for i, v := range out.Logits.DataPtr() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite logit at %d: %f", i, v)
		}
	}
}

// Optional outputs are nil unless requested, and sized per layer when they
// are: 2 layers give 4 hidden states (embedding, both layers, final norm),
// 2 attention maps, and 2 router logit sets feeding a positive aux loss.
func TestForwardOptionalOutputs(t *testing.T) {
	lm := newTinyLM(t)
	ids := []int{1, 17, 5, 9, 2}

	bare, err := lm.Forward(ids, 1, 5, ForwardOptions{Deterministic: true})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if bare.HiddenStates != nil || bare.Attentions != nil || bare.RouterLogits != nil {
		t.Fatalf("unrequested outputs are non-nil")
	}
	if bare.AuxLoss != 0 {
		t.Fatalf("aux loss %f computed without router logits", bare.AuxLoss)
	}

	full, err := lm.Forward(ids, 1, 5, ForwardOptions{
		Deterministic:      true,
		OutputHiddenStates: true,
		OutputAttentions:   true,
		OutputRouterLogits: true,
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(full.HiddenStates) != 4 {
		t.Errorf("expected 4 hidden states, got %d", len(full.HiddenStates))
	}
	if len(full.Attentions) != 2 {
		t.Errorf("expected 2 attention maps, got %d", len(full.Attentions))
	}
	if !full.Attentions[0].Shape().Equal(NewShape(1, 4, 5, 5)) {
		t.Errorf("unexpected attention shape %v", full.Attentions[0].Shape())
	}
	if len(full.RouterLogits) != 2 {
		t.Errorf("expected 2 router logit sets, got %d", len(full.RouterLogits))
	}
	if !full.RouterLogits[0].Shape().Equal(NewShape(5, 4)) {
		t.Errorf("unexpected router logits shape %v", full.RouterLogits[0].Shape())
	}
	if full.AuxLoss <= 0 {
		t.Errorf("aux loss %f, want > 0", full.AuxLoss)
	}
}

// Cache cursor bookkeeping: starts at 0 and advances by the number of
// positions each forward step writes.
func TestCacheCursorAdvances(t *testing.T) {
	lm := newTinyLM(t)
	cache := lm.InitCache(1, 8)
	if cache.Cursor() != 0 {
		t.Fatalf("fresh cache cursor = %d, want 0", cache.Cursor())
	}

	if _, err := lm.Forward([]int{7}, 1, 1, ForwardOptions{
		Cache: cache, PositionIDs: []int{0}, Deterministic: true,
	}); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if cache.Cursor() != 1 {
		t.Fatalf("cursor after first step = %d, want 1", cache.Cursor())
	}

	if _, err := lm.Forward([]int{9}, 1, 1, ForwardOptions{
		Cache: cache, PositionIDs: []int{1}, Deterministic: true,
	}); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if cache.Cursor() != 2 {
		t.Fatalf("cursor after second step = %d, want 2", cache.Cursor())
	}
}

// Incremental decoding with a cache must reproduce the uncached full
// forward pass: the last-position logits after prefill+steps match the
// corresponding rows of one whole-sequence pass.
func TestIncrementalDecodeMatchesFullForward(t *testing.T) {
	lm := newTinyLM(t)
	ids := []int{1, 17, 5, 9, 2}

	full, err := lm.Forward(ids, 1, len(ids), ForwardOptions{Deterministic: true})
	if err != nil {
		t.Fatalf("full forward: %v", err)
	}

	cache := lm.InitCache(1, 8)
	prefill, err := lm.Forward(ids[:3], 1, 3, ForwardOptions{
		Cache: cache, PositionIDs: []int{0, 1, 2}, Deterministic: true,
	})
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}

	vocab := lm.Config().VocabSize
	fullData := full.Logits.DataPtr()
	preData := prefill.Logits.DataPtr()
	for s := 0; s < 3; s++ {
		for j := 0; j < vocab; j++ {
			if absDiff(fullData[s*vocab+j], preData[s*vocab+j]) > 1e-3 {
				t.Fatalf("prefill position %d logit %d: %f vs %f",
					s, j, preData[s*vocab+j], fullData[s*vocab+j])
			}
		}
	}

	for s := 3; s < len(ids); s++ {
		step, err := lm.Forward(ids[s:s+1], 1, 1, ForwardOptions{
			Cache: cache, PositionIDs: []int{s}, Deterministic: true,
		})
		if err != nil {
			t.Fatalf("step at position %d: %v", s, err)
		}
		stepData := step.Logits.DataPtr()
		for j := 0; j < vocab; j++ {
			if absDiff(fullData[s*vocab+j], stepData[j]) > 1e-3 {
				t.Fatalf("step position %d logit %d: %f vs %f",
					s, j, stepData[j], fullData[s*vocab+j])
			}
		}
	}
}

// Writing past the allocated cache length is a CacheBoundsError.
func TestCacheOverflow(t *testing.T) {
	lm := newTinyLM(t)
	cache := lm.InitCache(1, 2)

	if _, err := lm.Forward([]int{1, 2}, 1, 2, ForwardOptions{
		Cache: cache, PositionIDs: []int{0, 1}, Deterministic: true,
	}); err != nil {
		t.Fatalf("fill to capacity: %v", err)
	}

	_, err := lm.Forward([]int{3}, 1, 1, ForwardOptions{
		Cache: cache, PositionIDs: []int{2}, Deterministic: true,
	})
	var cbe *CacheBoundsError
	if !errors.As(err, &cbe) {
		t.Fatalf("expected CacheBoundsError, got %v", err)
	}
	if cbe.Cursor != 2 || cbe.Capacity != 2 {
		t.Errorf("unexpected bounds in error: %+v", cbe)
	}
}

// A cache without explicit position ids is rejected: the sequential
// default would restart positions at 0 every step.
func TestCacheRequiresPositionIDs(t *testing.T) {
	lm := newTinyLM(t)
	cache := lm.InitCache(1, 8)

	_, err := lm.Forward([]int{1}, 1, 1, ForwardOptions{Cache: cache, Deterministic: true})
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

// Input validation: wrong id count, out-of-range ids, bad mask length, and
// out-of-range positions all fail with ShapeError before any layer runs.
func TestForwardInputValidation(t *testing.T) {
	lm := newTinyLM(t)

	cases := []struct {
		name string
		run  func() error
	}{
		{"id count", func() error {
			_, err := lm.Forward([]int{1, 2, 3}, 1, 2, ForwardOptions{})
			return err
		}},
		{"id range", func() error {
			_, err := lm.Forward([]int{32000}, 1, 1, ForwardOptions{})
			return err
		}},
		{"negative id", func() error {
			_, err := lm.Forward([]int{-1}, 1, 1, ForwardOptions{})
			return err
		}},
		{"mask length", func() error {
			_, err := lm.Forward([]int{1, 2}, 1, 2, ForwardOptions{AttentionMask: []float32{1}})
			return err
		}},
		{"position range", func() error {
			_, err := lm.Forward([]int{1}, 1, 1, ForwardOptions{PositionIDs: []int{128}})
			return err
		}},
		{"ids and embeds", func() error {
			embeds := Randn(NewShape(1, 1, lm.Config().HiddenSize), F32)
			_, err := lm.Forward([]int{1}, 1, 1, ForwardOptions{InputEmbeds: embeds})
			return err
		}},
		{"neither ids nor embeds", func() error {
			_, err := lm.Forward(nil, 1, 1, ForwardOptions{})
			return err
		}},
		{"embeds shape", func() error {
			embeds := Randn(NewShape(1, 2, lm.Config().HiddenSize), F32)
			_, err := lm.Forward(nil, 1, 1, ForwardOptions{InputEmbeds: embeds})
			return err
		}},
	}
	for _, tc := range cases {
		err := tc.run()
		var se *ShapeError
		if !errors.As(err, &se) {
			t.Errorf("%s: expected ShapeError, got %v", tc.name, err)
		}
	}
}

// Feeding precomputed embeddings in place of token IDs must reproduce the
// ID path exactly: the embedding lookup is the only step bypassed.
func TestForwardWithInputEmbeds(t *testing.T) {
	lm := newTinyLM(t)
	ids := []int{1, 17, 5}

	byIDs, err := lm.Forward(ids, 1, 3, ForwardOptions{Deterministic: true})
	if err != nil {
		t.Fatalf("id forward: %v", err)
	}

	embeds := lm.model.embed.Forward(ids, 1, 3)
	byEmbeds, err := lm.Forward(nil, 1, 3, ForwardOptions{InputEmbeds: embeds, Deterministic: true})
	if err != nil {
		t.Fatalf("embeds forward: %v", err)
	}

	a, b := byIDs.Logits.DataPtr(), byEmbeds.Logits.DataPtr()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("index %d: %f vs %f", i, a[i], b[i])
		}
	}
}

// Config validation rejects inconsistent architectures at construction.
func TestConfigValidation(t *testing.T) {
	break1 := TinyConfig()
	break1.NumHeads = 5 // 64 % 5 != 0
	break2 := TinyConfig()
	break2.NumKVHeads = 3 // 4 % 3 != 0
	break3 := TinyConfig()
	break3.NumExpertsPerTok = 5 // > NumLocalExperts
	break4 := TinyConfig()
	break4.VocabSize = 0
	break5 := TinyConfig()
	break5.UseFlashAttention = true
	break5.FlashAttnQueryChunkSize = 0

	for i, cfg := range []Config{break1, break2, break3, break4, break5} {
		if _, err := NewCausalLM(&cfg); err == nil {
			t.Errorf("case %d: invalid config accepted", i)
		} else {
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("case %d: expected ConfigError, got %v", i, err)
			}
		}
	}

	good := TinyConfig()
	if err := good.Validate(); err != nil {
		t.Fatalf("tiny config rejected: %v", err)
	}
}

// Tied embeddings share one tensor between the embedding table and the
// LM head, which the parameter estimate must reflect.
func TestTiedWordEmbeddings(t *testing.T) {
	cfg := TinyConfig()
	cfg.TieWordEmbeddings = true
	lm, err := NewCausalLM(&cfg)
	if err != nil {
		t.Fatalf("NewCausalLM: %v", err)
	}
	if lm.lmHead.Weight() != lm.model.embed.Weight() {
		t.Errorf("tied head does not share the embedding tensor")
	}

	untied := TinyConfig()
	if cfg.TotalParams() >= untied.TotalParams() {
		t.Errorf("tied config should count fewer parameters: %d vs %d",
			cfg.TotalParams(), untied.TotalParams())
	}
	if untied.ActiveParams() >= untied.TotalParams() {
		t.Errorf("active params %d should be below total %d",
			untied.ActiveParams(), untied.TotalParams())
	}
}

// Batched forward: two sequences in one pass, logits shaped accordingly.
func TestBatchedForward(t *testing.T) {
	lm := newTinyLM(t)
	out, err := lm.Forward([]int{1, 2, 3, 4, 5, 6}, 2, 3, ForwardOptions{Deterministic: true})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !out.Logits.Shape().Equal(NewShape(2, 3, 32000)) {
		t.Fatalf("unexpected logits shape %v", out.Logits.Shape())
	}
}

// The whole-model chunked path must track the dense path within tolerance.
func TestModelChunkedAttentionMatchesDense(t *testing.T) {
	cfg := TinyConfig()
	lm, err := NewCausalLM(&cfg)
	if err != nil {
		t.Fatalf("NewCausalLM: %v", err)
	}

	ids := make([]int, 20)
	for i := range ids {
		ids[i] = (i * 37) % cfg.VocabSize
	}
	dense, err := lm.Forward(ids, 1, len(ids), ForwardOptions{Deterministic: true})
	if err != nil {
		t.Fatalf("dense forward: %v", err)
	}

	for _, layer := range lm.model.layers {
		layer.attn.useChunked = true
	}
	chunked, err := lm.Forward(ids, 1, len(ids), ForwardOptions{Deterministic: true})
	if err != nil {
		t.Fatalf("chunked forward: %v", err)
	}

	d, c := dense.Logits.DataPtr(), chunked.Logits.DataPtr()
	for i := range d {
		if absDiff(d[i], c[i]) > 1e-2 {
			t.Fatalf("index %d: dense %f vs chunked %f", i, d[i], c[i])
		}
	}
}

// Generation must preserve the prompt, honor the length bound, and match
// between the explicit-strategy and convenience entry points.
func TestGenerate(t *testing.T) {
	lm := newTinyLM(t)
	prompt := []int{1, 2, 3}

	result, err := Generate(lm, prompt, 8, GreedySampling{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(result) != 8 {
		t.Fatalf("expected length 8, got %d", len(result))
	}
	if result[0] != 1 || result[1] != 2 || result[2] != 3 {
		t.Fatalf("expected prompt preserved, got %v", result[:3])
	}

	greedy, err := lm.GenerateGreedy(prompt, 8)
	if err != nil {
		t.Fatalf("greedy: %v", err)
	}
	for i := range result {
		if result[i] != greedy[i] {
			t.Fatalf("Generate(GreedySampling) != GenerateGreedy at %d: %d vs %d",
				i, result[i], greedy[i])
		}
	}
}

// All four sampling strategies produce tokens inside the vocabulary.
func TestGenerationStrategies(t *testing.T) {
	lm := newTinyLM(t)
	prompt := []int{1, 2, 3}
	vocab := lm.Config().VocabSize

	runs := [][]int{}
	if r, err := lm.GenerateGreedy(prompt, 6); err != nil {
		t.Fatalf("greedy: %v", err)
	} else {
		runs = append(runs, r)
	}
	if r, err := lm.GenerateSample(prompt, 6, 1.0, 42); err != nil {
		t.Fatalf("sample: %v", err)
	} else {
		runs = append(runs, r)
	}
	if r, err := lm.GenerateTopK(prompt, 6, 10, 1.0, 42); err != nil {
		t.Fatalf("top-k: %v", err)
	} else {
		runs = append(runs, r)
	}
	if r, err := lm.GenerateTopP(prompt, 6, 0.9, 1.0, 42); err != nil {
		t.Fatalf("top-p: %v", err)
	} else {
		runs = append(runs, r)
	}

	for i, run := range runs {
		if len(run) != 6 {
			t.Fatalf("run %d: expected length 6, got %d", i, len(run))
		}
		for _, tok := range run {
			if tok < 0 || tok >= vocab {
				t.Fatalf("run %d: token %d outside vocabulary", i, tok)
			}
		}
	}
}

// Generation with a seeded sampler is reproducible.
func TestGenerateDeterministicSeed(t *testing.T) {
	lm := newTinyLM(t)
	prompt := []int{4, 8}

	a, err := lm.GenerateSample(prompt, 7, 0.8, 123)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, err := lm.GenerateSample(prompt, 7, 0.8, 123)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged at %d: %d vs %d", i, a[i], b[i])
		}
	}
}
