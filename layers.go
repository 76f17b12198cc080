// SPDX-License-Identifier: Apache-2.0

package mixtral

// initStd is the weight initialization scale for a layer with the given
// fan-in (Kaiming-style, suited to the SiLU activations downstream).
func initStd(fanIn int) float32 {
	return SqrtF32(2.0 / float32(fanIn))
}

// ---------------------------------------------------------------------------
// Embedding
// ---------------------------------------------------------------------------

// Embedding is a lookup table: token ID -> dense vector.
//
//	output[b, s, :] = weight[ids[b*seq+s], :]
//
// Weight shape: [vocab_size, hidden_size].
type Embedding struct {
	weight    *Tensor
	vocabSize int
	embedDim  int
}

// NewEmbedding creates an embedding table initialized with N(0, std).
func NewEmbedding(vocabSize, embedDim int, std float32) *Embedding {
	return &Embedding{
		weight:    RandnWithStd(NewShape(vocabSize, embedDim), F32, std),
		vocabSize: vocabSize,
		embedDim:  embedDim,
	}
}

// Forward looks up embeddings for each token ID.
// ids has batch*seqLen entries; output is [batch, seqLen, embedDim].
// IDs are validated by the model wrapper before this runs.
func (e *Embedding) Forward(ids []int, batch, seqLen int) *Tensor {
	output := New(NewShape(batch, seqLen, e.embedDim), F32)
	out, w := output.DataPtr(), e.weight.DataPtr()
	for i, tid := range ids {
		copy(out[i*e.embedDim:(i+1)*e.embedDim], w[tid*e.embedDim:(tid+1)*e.embedDim])
	}
	return output
}

// Weight returns the embedding table (shared with the LM head when word
// embeddings are tied).
func (e *Embedding) Weight() *Tensor { return e.weight }

// VocabSize returns the vocabulary size.
func (e *Embedding) VocabSize() int { return e.vocabSize }

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T. No bias: none of the decoder's projections
// carry one.
//
// Weight shape: [out_features, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight  *Tensor
	inFeat  int
	outFeat int
}

// NewLinear creates a linear layer with N(0, std) initialization.
func NewLinear(inFeatures, outFeatures int, std float32) *Linear {
	return &Linear{
		weight:  RandnWithStd(NewShape(outFeatures, inFeatures), F32, std),
		inFeat:  inFeatures,
		outFeat: outFeatures,
	}
}

// linearOver wraps an existing weight tensor of shape [out, in] without
// copying. Used for the tied LM head, which projects with the transposed
// embedding table.
func linearOver(weight *Tensor) *Linear {
	dims := weight.Shape().DimsRef()
	return &Linear{weight: weight, inFeat: dims[1], outFeat: dims[0]}
}

// Forward computes y = x @ W^T. Input may be any shape where the last dim
// is in_features; leading dims are treated as a flat batch, peeled off for
// the 2D matmul and restored afterwards.
func (l *Linear) Forward(input *Tensor) *Tensor {
	batchDims, batchSize, _ := splitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(NewShape(batchSize, l.inFeat))
	output := MatmulTransposedB(flatInput, l.weight)
	return output.Reshape(withLastDim(batchDims, l.outFeat))
}

// Weight returns the projection weight.
func (l *Linear) Weight() *Tensor { return l.weight }

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }
