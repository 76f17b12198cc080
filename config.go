// SPDX-License-Identifier: Apache-2.0

package mixtral

// Config holds the hyperparameters defining a sparse MoE decoder
// architecture. Created once at model construction and read-only
// thereafter: every tensor shape the model produces derives from it, and
// a mismatch between config and supplied weights is a construction error.
type Config struct {
	VocabSize        int // token vocabulary size
	HiddenSize       int // model width
	IntermediateSize int // per-expert FFN width
	NumHiddenLayers  int // decoder layer count
	NumHeads         int // query heads
	NumKVHeads       int // key/value heads (grouped-query attention when < NumHeads)

	NumLocalExperts  int // experts per MoE block
	NumExpertsPerTok int // top-k experts routed per token

	RMSNormEps            float32 // epsilon inside the RMS normalization
	RopeTheta             float32 // rotary base frequency
	MaxPositionEmbeddings int     // precomputed rotary/causal table length
	SlidingWindow         int     // attention window metadata, carried for collaborators

	AttnDropout       float32 // attention weight dropout rate (training only)
	RouterAuxLossCoef float32 // multiplier the trainer applies to the aux loss

	Dtype DType // declared compute precision; governs the mask bias value

	UseFlashAttention       bool // chunked attention on long uncached sequences
	FlashAttnQueryChunkSize int
	FlashAttnKeyChunkSize   int

	TieWordEmbeddings bool // reuse the embedding table as the LM head
}

// DefaultConfig returns the full-scale architecture: 4096 hidden, 32 layers,
// 32 heads over 8 KV heads, 8 experts with top-2 routing, 32K vocab.
func DefaultConfig() Config {
	return Config{
		VocabSize:               32000,
		HiddenSize:              4096,
		IntermediateSize:        14336,
		NumHiddenLayers:         32,
		NumHeads:                32,
		NumKVHeads:              8,
		NumLocalExperts:         8,
		NumExpertsPerTok:        2,
		RMSNormEps:              1e-5,
		RopeTheta:               1e6,
		MaxPositionEmbeddings:   32768,
		SlidingWindow:           4096,
		AttnDropout:             0.0,
		RouterAuxLossCoef:       0.001,
		Dtype:                   F32,
		FlashAttnQueryChunkSize: 1024,
		FlashAttnKeyChunkSize:   1024,
	}
}

// TinyConfig returns a minimal architecture for tests and benchmarks:
// 64 hidden, 2 layers, 4 heads over 2 KV heads, 4 experts (top-2).
func TinyConfig() Config {
	return Config{
		VocabSize:               32000,
		HiddenSize:              64,
		IntermediateSize:        128,
		NumHiddenLayers:         2,
		NumHeads:                4,
		NumKVHeads:              2,
		NumLocalExperts:         4,
		NumExpertsPerTok:        2,
		RMSNormEps:              1e-5,
		RopeTheta:               10000,
		MaxPositionEmbeddings:   128,
		SlidingWindow:           128,
		RouterAuxLossCoef:       0.001,
		Dtype:                   F32,
		FlashAttnQueryChunkSize: 16,
		FlashAttnKeyChunkSize:   16,
	}
}

// HeadDim returns the per-head feature width.
func (c Config) HeadDim() int { return c.HiddenSize / c.NumHeads }

// Validate checks the shape-derived invariants the rest of the model
// assumes. Called by NewModel; any violation is fatal and never retried.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return &ConfigError{Field: "VocabSize", Reason: "must be positive"}
	}
	if c.HiddenSize <= 0 {
		return &ConfigError{Field: "HiddenSize", Reason: "must be positive"}
	}
	if c.NumHiddenLayers <= 0 {
		return &ConfigError{Field: "NumHiddenLayers", Reason: "must be positive"}
	}
	if c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0 {
		return &ConfigError{Field: "NumHeads",
			Reason: "HiddenSize must be divisible by NumHeads"}
	}
	if c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0 {
		return &ConfigError{Field: "NumKVHeads",
			Reason: "NumHeads must be divisible by NumKVHeads"}
	}
	if c.NumLocalExperts <= 0 {
		return &ConfigError{Field: "NumLocalExperts", Reason: "must be positive"}
	}
	if c.NumExpertsPerTok < 1 || c.NumExpertsPerTok > c.NumLocalExperts {
		return &ConfigError{Field: "NumExpertsPerTok",
			Reason: "must be in [1, NumLocalExperts]"}
	}
	if c.IntermediateSize <= 0 {
		return &ConfigError{Field: "IntermediateSize", Reason: "must be positive"}
	}
	if c.MaxPositionEmbeddings <= 0 {
		return &ConfigError{Field: "MaxPositionEmbeddings", Reason: "must be positive"}
	}
	if c.RMSNormEps <= 0 {
		return &ConfigError{Field: "RMSNormEps", Reason: "must be positive"}
	}
	if c.UseFlashAttention && (c.FlashAttnQueryChunkSize <= 0 || c.FlashAttnKeyChunkSize <= 0) {
		return &ConfigError{Field: "FlashAttnQueryChunkSize",
			Reason: "chunk sizes must be positive when flash attention is enabled"}
	}
	return nil
}

// TotalParams estimates the parameter count across ALL experts.
//
//	total = embedding + N_layers*(attention + router + N_experts*FFN + 2*norm) + norm + lm_head
func (c Config) TotalParams() int {
	return c.paramEstimate(c.NumLocalExperts)
}

// ActiveParams estimates the parameter count actually used per token:
// only the top-k experts contribute, not all NumLocalExperts.
func (c Config) ActiveParams() int {
	return c.paramEstimate(c.NumExpertsPerTok)
}

func (c Config) paramEstimate(expertsCounted int) int {
	headDim := c.HeadDim()
	emb := c.VocabSize * c.HiddenSize
	attn := c.HiddenSize*c.NumHeads*headDim*2 + c.HiddenSize*c.NumKVHeads*headDim*2
	ffn := c.HiddenSize * c.IntermediateSize * 3
	perLayer := attn + c.HiddenSize*c.NumLocalExperts + ffn*expertsCounted + c.HiddenSize*2
	head := c.HiddenSize * c.VocabSize
	if c.TieWordEmbeddings {
		head = 0
	}
	return emb + perLayer*c.NumHiddenLayers + c.HiddenSize + head
}
