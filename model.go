// SPDX-License-Identifier: Apache-2.0

package mixtral

import "fmt"

// ---------------------------------------------------------------------------
// Decoder layer
// ---------------------------------------------------------------------------

// DecoderLayer is one pre-norm decoder block:
//
//	h = x + Attention(inputNorm(x))
//	out = h + MoE(postAttnNorm(h))
type DecoderLayer struct {
	inputNorm    *RMSNorm
	attn         *Attention
	postAttnNorm *RMSNorm
	moe          *SparseMoeBlock
}

// NewDecoderLayer builds one decoder block from the config.
func NewDecoderLayer(cfg *Config, rope *rotaryTable) *DecoderLayer {
	return &DecoderLayer{
		inputNorm:    NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
		attn:         NewAttention(cfg, rope),
		postAttnNorm: NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
		moe:          NewSparseMoeBlock(cfg),
	}
}

// Forward applies the block. Returns the new hidden states, the attention
// weights (nil unless requested), and this layer's router logits.
func (l *DecoderLayer) Forward(hidden *Tensor, mask []float32, positions []int, cache *Cache, layerIdx int, deterministic, wantWeights bool) (*Tensor, *Tensor, *Tensor, error) {
	attnOut, attnWeights, err := l.attn.Forward(l.inputNorm.Forward(hidden), mask, positions, cache, layerIdx, deterministic, wantWeights)
	if err != nil {
		return nil, nil, nil, err
	}
	h := hidden.Add(attnOut)
	moeOut, routerLogits := l.moe.Route(l.postAttnNorm.Forward(h))
	return h.Add(moeOut), attnWeights, routerLogits, nil
}

// ---------------------------------------------------------------------------
// Forward plumbing
// ---------------------------------------------------------------------------

// ForwardOptions carries the optional inputs and output switches of one
// forward pass.
type ForwardOptions struct {
	// InputEmbeds supplies precomputed embeddings [batch, seq, hidden] in
	// place of token IDs. Exactly one of inputIDs / InputEmbeds must be
	// set; both or neither is a usage error.
	InputEmbeds *Tensor

	// AttentionMask marks valid (nonzero) vs padding (zero) slots of the
	// current segment, one float per (batch, seq) position. Nil means all
	// positions are valid.
	AttentionMask []float32

	// PositionIDs holds the absolute position of every (batch, seq) slot.
	// Nil defaults to sequential positions starting at 0, which is only
	// correct without a cache; combining a cache with nil PositionIDs is
	// rejected.
	PositionIDs []int

	// Cache enables incremental decoding. New K/V rows are appended at the
	// cache cursor and the cursor advances by seq once per call.
	Cache *Cache

	// Deterministic disables attention dropout.
	Deterministic bool

	OutputHiddenStates bool
	OutputAttentions   bool
	OutputRouterLogits bool
}

// ModelOutput bundles everything a forward pass can produce. Optional
// fields are nil (or zero, for AuxLoss) unless requested in ForwardOptions.
type ModelOutput struct {
	// Logits is [batch, seq, vocab] for CausalLM, or the final hidden
	// states [batch, seq, hidden] for the bare Model.
	Logits *Tensor

	// AuxLoss is the load-balancing loss over all layers' router logits.
	// Computed only when OutputRouterLogits is set.
	AuxLoss float32

	// HiddenStates holds the embedding output followed by each layer's
	// output; the last entry is after the final norm.
	HiddenStates []*Tensor

	// Attentions holds per-layer softmax weights [batch, heads, seq, kvLen].
	Attentions []*Tensor

	// RouterLogits holds per-layer raw gate outputs [tokens, nExperts].
	RouterLogits []*Tensor

	// Cache echoes the cache passed in, with its cursor advanced.
	Cache *Cache
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// Model is the decoder stack without a language-model head: token embedding,
// NumHiddenLayers decoder blocks, and a final RMSNorm.
type Model struct {
	cfg    *Config
	embed  *Embedding
	layers []*DecoderLayer
	norm   *RMSNorm
	rope   *rotaryTable
}

// NewModel validates cfg and builds the decoder stack.
func NewModel(cfg *Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rope := newRotaryTable(cfg.MaxPositionEmbeddings, cfg.HeadDim(), cfg.RopeTheta)
	layers := make([]*DecoderLayer, cfg.NumHiddenLayers)
	for i := range layers {
		layers[i] = NewDecoderLayer(cfg, rope)
	}
	return &Model{
		cfg:    cfg,
		embed:  NewEmbedding(cfg.VocabSize, cfg.HiddenSize, 0.02),
		layers: layers,
		norm:   NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
		rope:   rope,
	}, nil
}

// Config returns the model configuration.
func (m *Model) Config() *Config { return m.cfg }

// InitCache allocates a zeroed key/value cache for incremental decoding,
// sized for batch sequences of up to maxLength positions. The cursor
// starts at 0.
func (m *Model) InitCache(batch, maxLength int) *Cache {
	return NewCache(m.cfg.NumHiddenLayers, batch, maxLength, m.cfg.NumKVHeads, m.cfg.HeadDim())
}

// checkInputs validates ids, mask and positions and fills in defaults.
// Returned mask and positions are always non-nil and batch*seqLen long.
func (m *Model) checkInputs(inputIDs []int, batch, seqLen int, opts *ForwardOptions) ([]float32, []int, error) {
	n := batch * seqLen
	if opts.InputEmbeds != nil {
		if inputIDs != nil {
			return nil, nil, &ShapeError{Arg: "inputIDs",
				Want: "either token ids or InputEmbeds, not both",
				Got:  "both"}
		}
		want := NewShape(batch, seqLen, m.cfg.HiddenSize)
		if !opts.InputEmbeds.Shape().Equal(want) {
			return nil, nil, &ShapeError{Arg: "inputEmbeds",
				Want: want.String(),
				Got:  opts.InputEmbeds.Shape().String()}
		}
	} else {
		if inputIDs == nil {
			return nil, nil, &ShapeError{Arg: "inputIDs",
				Want: "either token ids or InputEmbeds",
				Got:  "neither"}
		}
		if len(inputIDs) != n {
			return nil, nil, &ShapeError{Arg: "inputIDs",
				Want: fmt.Sprintf("%d ids (batch %d x seq %d)", n, batch, seqLen),
				Got:  fmt.Sprintf("%d", len(inputIDs))}
		}
		for _, id := range inputIDs {
			if id < 0 || id >= m.cfg.VocabSize {
				return nil, nil, &ShapeError{Arg: "inputIDs",
					Want: fmt.Sprintf("id in [0, %d)", m.cfg.VocabSize),
					Got:  fmt.Sprintf("%d", id)}
			}
		}
	}

	mask := opts.AttentionMask
	if mask == nil {
		mask = make([]float32, n)
		for i := range mask {
			mask[i] = 1
		}
	} else if len(mask) != n {
		return nil, nil, &ShapeError{Arg: "attentionMask",
			Want: fmt.Sprintf("%d entries (batch %d x seq %d)", n, batch, seqLen),
			Got:  fmt.Sprintf("%d", len(mask))}
	}

	positions := opts.PositionIDs
	if positions == nil {
		if opts.Cache != nil {
			// With a cache the caller knows the absolute positions; the
			// sequential default would silently restart at 0 every step.
			return nil, nil, &ShapeError{Arg: "positionIDs",
				Want: "explicit position ids when a cache is supplied",
				Got:  "nil"}
		}
		positions = make([]int, n)
		for b := 0; b < batch; b++ {
			for s := 0; s < seqLen; s++ {
				positions[b*seqLen+s] = s
			}
		}
	} else if len(positions) != n {
		return nil, nil, &ShapeError{Arg: "positionIDs",
			Want: fmt.Sprintf("%d entries (batch %d x seq %d)", n, batch, seqLen),
			Got:  fmt.Sprintf("%d", len(positions))}
	}
	for _, p := range positions {
		if p < 0 || p >= m.cfg.MaxPositionEmbeddings {
			return nil, nil, &ShapeError{Arg: "positionIDs",
				Want: fmt.Sprintf("position in [0, %d)", m.cfg.MaxPositionEmbeddings),
				Got:  fmt.Sprintf("%d", p)}
		}
	}
	return mask, positions, nil
}

// Forward runs the decoder stack. inputIDs is batch*seqLen token IDs in
// row-major order. The returned Logits field holds the final hidden states
// [batch, seqLen, hidden].
func (m *Model) Forward(inputIDs []int, batch, seqLen int, opts ForwardOptions) (*ModelOutput, error) {
	mask, positions, err := m.checkInputs(inputIDs, batch, seqLen, &opts)
	if err != nil {
		return nil, err
	}

	hidden := opts.InputEmbeds
	if hidden == nil {
		hidden = m.embed.Forward(inputIDs, batch, seqLen)
	}
	out := &ModelOutput{Cache: opts.Cache}
	if opts.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}

	for i, layer := range m.layers {
		var attnWeights, routerLogits *Tensor
		hidden, attnWeights, routerLogits, err = layer.Forward(hidden, mask, positions, opts.Cache, i, opts.Deterministic, opts.OutputAttentions)
		if err != nil {
			return nil, err
		}
		if opts.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hidden)
		}
		if opts.OutputAttentions {
			out.Attentions = append(out.Attentions, attnWeights)
		}
		if opts.OutputRouterLogits {
			out.RouterLogits = append(out.RouterLogits, routerLogits)
		}
	}

	// All layers wrote this step's K/V at the same cursor; advance once.
	if opts.Cache != nil {
		opts.Cache.Advance(seqLen)
	}

	hidden = m.norm.Forward(hidden)
	if opts.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}
	if opts.OutputRouterLogits {
		out.AuxLoss = LoadBalancingLoss(concatRows(out.RouterLogits), m.cfg.NumLocalExperts, m.cfg.NumExpertsPerTok)
	}
	out.Logits = hidden
	return out, nil
}

// concatRows stacks [n_i, cols] tensors into one [sum(n_i), cols] tensor.
func concatRows(ts []*Tensor) *Tensor {
	cols := ts[0].Shape().At(1)
	rows := 0
	for _, t := range ts {
		rows += t.Shape().At(0)
	}
	data := make([]float32, 0, rows*cols)
	for _, t := range ts {
		data = append(data, t.DataPtr()...)
	}
	return FromSliceNoCopy(data, NewShape(rows, cols))
}

// ---------------------------------------------------------------------------
// Causal language model
// ---------------------------------------------------------------------------

// CausalLM is the decoder stack plus a vocabulary projection. When the
// config ties word embeddings the head shares the embedding table instead
// of owning a separate weight.
type CausalLM struct {
	model  *Model
	lmHead *Linear
}

// NewCausalLM validates cfg and builds the full causal language model.
func NewCausalLM(cfg *Config) (*CausalLM, error) {
	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	var head *Linear
	if cfg.TieWordEmbeddings {
		head = linearOver(model.embed.Weight())
	} else {
		head = NewLinear(cfg.HiddenSize, cfg.VocabSize, initStd(cfg.HiddenSize))
	}
	return &CausalLM{model: model, lmHead: head}, nil
}

// Model returns the underlying decoder stack.
func (lm *CausalLM) Model() *Model { return lm.model }

// Config returns the model configuration.
func (lm *CausalLM) Config() *Config { return lm.model.cfg }

// InitCache allocates a key/value cache for incremental decoding.
func (lm *CausalLM) InitCache(batch, maxLength int) *Cache {
	return lm.model.InitCache(batch, maxLength)
}

// Forward runs the decoder stack and projects to vocabulary logits
// [batch, seqLen, vocab].
func (lm *CausalLM) Forward(inputIDs []int, batch, seqLen int, opts ForwardOptions) (*ModelOutput, error) {
	out, err := lm.model.Forward(inputIDs, batch, seqLen, opts)
	if err != nil {
		return nil, err
	}
	out.Logits = lm.lmHead.Forward(out.Logits)
	return out, nil
}
