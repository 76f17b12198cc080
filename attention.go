// SPDX-License-Identifier: Apache-2.0

package mixtral

// Attention implements grouped-query self-attention with rotary position
// embeddings and an optional key/value cache.
//
// Query heads outnumber key/value heads (nHeads >= nKVHeads); each KV head
// serves a contiguous group of nHeads/nKVHeads query heads. Rather than
// materializing the repeated K/V tensors, the score and value matmuls index
// the shared KV head directly with strided BLAS calls.
//
// Full attention equation:
//
//	scores = (Q @ K^T) / sqrt(d_k) + bias
//	weights = softmax(scores)
//	output = weights @ V
//
// where bias is 0 at allowed (query, key) pairs and the dtype's minimum
// finite value at disallowed pairs, so disallowed positions vanish under
// softmax without a separate masking pass.
type Attention struct {
	qProj, kProj, vProj, oProj *Linear
	nHeads, nKVHeads, headDim  int
	nRep                       int // query heads per KV head
	scale                      float32
	dropout                    float32
	biasValue                  float32 // additive bias for disallowed pairs
	rope                       *rotaryTable
	useChunked                 bool
	qChunk, kChunk             int
	rng                        lcgSource
	scoresBuf                  []float32
	attnOutBuf                 []float32
}

// NewAttention creates the attention block for one decoder layer. The rotary
// table is shared across layers and owned by the model.
func NewAttention(cfg *Config, rope *rotaryTable) *Attention {
	headDim := cfg.HeadDim()
	std := initStd(cfg.HiddenSize)
	return &Attention{
		qProj:      NewLinear(cfg.HiddenSize, cfg.NumHeads*headDim, std),
		kProj:      NewLinear(cfg.HiddenSize, cfg.NumKVHeads*headDim, std),
		vProj:      NewLinear(cfg.HiddenSize, cfg.NumKVHeads*headDim, std),
		oProj:      NewLinear(cfg.NumHeads*headDim, cfg.HiddenSize, std),
		nHeads:     cfg.NumHeads,
		nKVHeads:   cfg.NumKVHeads,
		headDim:    headDim,
		nRep:       cfg.NumHeads / cfg.NumKVHeads,
		scale:      1.0 / SqrtF32(float32(headDim)),
		dropout:    cfg.AttnDropout,
		biasValue:  cfg.Dtype.MinValue(),
		rope:       rope,
		useChunked: cfg.UseFlashAttention,
		qChunk:     cfg.FlashAttnQueryChunkSize,
		kChunk:     cfg.FlashAttnKeyChunkSize,
		rng:        lcgSource{state: 0x9E3779B97F4A7C15},
	}
}

// Forward runs self-attention over hidden [batch, seq, hidden].
//
// attentionMask holds one float per (batch, seq) slot of the CURRENT segment,
// nonzero for valid tokens. positions holds the absolute position of each
// slot and indexes the rotary table. When cache is non-nil the new K/V rows
// are appended at the cursor for layer layerIdx and attention runs over all
// cached positions; the cursor itself advances once per model step, after the
// last layer (see model.go).
//
// When wantWeights is true the softmax weights are returned as
// [batch, nHeads, seq, kvLen]; the chunked path never materializes weights,
// so requesting them forces the dense path.
func (a *Attention) Forward(hidden *Tensor, attentionMask []float32, positions []int, cache *Cache, layerIdx int, deterministic, wantWeights bool) (*Tensor, *Tensor, error) {
	dims := hidden.Shape().DimsRef()
	batch, seqLen := dims[0], dims[1]

	q := a.qProj.Forward(hidden).Reshape(NewShape(batch, seqLen, a.nHeads, a.headDim))
	k := a.kProj.Forward(hidden).Reshape(NewShape(batch, seqLen, a.nKVHeads, a.headDim))
	v := a.vProj.Forward(hidden).Reshape(NewShape(batch, seqLen, a.nKVHeads, a.headDim))

	a.rope.apply(q.DataPtr(), batch, seqLen, a.nHeads, a.headDim, positions)
	a.rope.apply(k.DataPtr(), batch, seqLen, a.nKVHeads, a.headDim, positions)

	var (
		kData, vData []float32
		kvLen        int // key positions visible this step
		offset       int // causal row offset of the first query
		kvBatchLen   int // row count per batch in the K/V storage
	)
	if cache != nil {
		if err := cache.Write(layerIdx, k, v, seqLen); err != nil {
			return nil, nil, err
		}
		ck, cv := cache.Layer(layerIdx)
		kData, vData = ck.DataPtr(), cv.DataPtr()
		offset = cache.Cursor()
		kvLen = offset + seqLen
		kvBatchLen = cache.MaxLength()
	} else {
		kData, vData = k.DataPtr(), v.DataPtr()
		kvLen = seqLen
		kvBatchLen = seqLen
	}

	bias := a.buildBias(attentionMask, batch, seqLen, kvLen, offset)

	if a.useChunked && cache == nil && !wantWeights {
		out := a.chunkedAttention(q.DataPtr(), kData, vData, bias, batch, seqLen, kvLen, kvBatchLen)
		return a.oProj.Forward(out.Reshape(NewShape(batch, seqLen, a.nHeads*a.headDim))), nil, nil
	}

	out, weights := a.denseAttention(q.DataPtr(), kData, vData, bias, batch, seqLen, kvLen, kvBatchLen, deterministic, wantWeights)
	return a.oProj.Forward(out.Reshape(NewShape(batch, seqLen, a.nHeads*a.headDim))), weights, nil
}

// buildBias converts causal structure and the padding mask into an additive
// bias of shape [batch, seq, kvLen]. Query row qi sits at absolute position
// offset+qi; it may attend key position ki iff ki <= offset+qi causally AND
// ki is not a padding slot. Positions written in earlier steps were already
// validated then, so the padding mask only applies to this step's columns.
func (a *Attention) buildBias(attentionMask []float32, batch, seqLen, kvLen, offset int) []float32 {
	bias := make([]float32, batch*seqLen*kvLen)
	for b := 0; b < batch; b++ {
		for qi := 0; qi < seqLen; qi++ {
			row := bias[(b*seqLen+qi)*kvLen : (b*seqLen+qi+1)*kvLen]
			limit := offset + qi
			for ki := range row {
				allowed := ki <= limit
				if allowed && ki >= offset {
					allowed = attentionMask[b*seqLen+(ki-offset)] != 0
				}
				if !allowed {
					row[ki] = a.biasValue
				}
			}
		}
	}
	return bias
}

// denseAttention materializes the full score matrix per (batch, head). The
// softmax runs in float32 regardless of the configured model dtype.
func (a *Attention) denseAttention(qData, kData, vData, bias []float32, batch, seqLen, kvLen, kvBatchLen int, deterministic, wantWeights bool) (*Tensor, *Tensor) {
	hd := a.headDim
	qStride := a.nHeads * hd
	kvStride := a.nKVHeads * hd

	outLen := batch * seqLen * qStride
	if cap(a.attnOutBuf) >= outLen {
		a.attnOutBuf = a.attnOutBuf[:outLen]
	} else {
		a.attnOutBuf = make([]float32, outLen)
	}
	output := FromSliceNoCopy(a.attnOutBuf, NewShape(batch, seqLen, a.nHeads, hd))
	outData := output.DataPtr()

	var weights *Tensor
	var wData []float32
	if wantWeights {
		weights = New(NewShape(batch, a.nHeads, seqLen, kvLen), F32)
		wData = weights.DataPtr()
	}

	scoresLen := seqLen * kvLen
	if cap(a.scoresBuf) >= scoresLen {
		a.scoresBuf = a.scoresBuf[:scoresLen]
	} else {
		a.scoresBuf = make([]float32, scoresLen)
	}
	scores := a.scoresBuf

	invKeep := float32(1)
	applyDropout := a.dropout > 0 && !deterministic
	if applyDropout {
		invKeep = 1.0 / (1.0 - a.dropout)
	}

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			kvH := h / a.nRep
			qBase := b*seqLen*qStride + h*hd
			kvBase := b*kvBatchLen*kvStride + kvH*hd

			// scores = scale * Q @ K^T
			sgemmRaw(false, true,
				seqLen, kvLen, hd,
				a.scale,
				qData[qBase:], qStride,
				kData[kvBase:], kvStride,
				0.0,
				scores, kvLen)

			biasBase := b * seqLen * kvLen
			for i := range scores[:scoresLen] {
				scores[i] += bias[biasBase+i]
			}
			softmaxCore(scores, scores, kvLen, seqLen)

			if applyDropout {
				for i := range scores[:scoresLen] {
					if a.rng.float32() < a.dropout {
						scores[i] = 0
					} else {
						scores[i] *= invKeep
					}
				}
			}

			if wantWeights {
				wOff := (b*a.nHeads + h) * scoresLen
				copy(wData[wOff:wOff+scoresLen], scores[:scoresLen])
			}

			// output = weights @ V
			sgemmRaw(false, false,
				seqLen, hd, kvLen,
				1.0,
				scores, kvLen,
				vData[kvBase:], kvStride,
				0.0,
				outData[qBase:], qStride)
		}
	}
	return output, weights
}

// chunkedAttention tiles the score computation over query and key blocks
// with an online softmax, so no [seq, kvLen] matrix is ever materialized.
// For each query block it keeps a running row maximum m, a running
// normalizer l, and an unnormalized accumulator acc; when a key block
// raises the maximum, l and acc are rescaled by exp(m_old - m_new) before
// the block's contribution is added. The final output is acc / l, which
// matches the dense softmax result up to rounding.
func (a *Attention) chunkedAttention(qData, kData, vData, bias []float32, batch, seqLen, kvLen, kvBatchLen int) *Tensor {
	hd := a.headDim
	qStride := a.nHeads * hd
	kvStride := a.nKVHeads * hd

	qc := a.qChunk
	if qc > seqLen {
		qc = seqLen
	}
	kc := a.kChunk
	if kc > kvLen {
		kc = kvLen
	}

	output := New(NewShape(batch, seqLen, a.nHeads, hd), F32)
	outData := output.DataPtr()

	partial := make([]float32, qc*kc) // score block
	acc := make([]float32, qc*hd)     // unnormalized output rows
	rowMax := make([]float32, qc)     // running max per query row
	rowSum := make([]float32, qc)     // running normalizer per query row

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			kvH := h / a.nRep
			qBase := b*seqLen*qStride + h*hd
			kvBase := b*kvBatchLen*kvStride + kvH*hd

			for q0 := 0; q0 < seqLen; q0 += qc {
				qn := qc
				if q0+qn > seqLen {
					qn = seqLen - q0
				}
				for i := range acc[:qn*hd] {
					acc[i] = 0
				}
				for i := 0; i < qn; i++ {
					rowMax[i] = NegInf
					rowSum[i] = 0
				}

				for k0 := 0; k0 < kvLen; k0 += kc {
					kn := kc
					if k0+kn > kvLen {
						kn = kvLen - k0
					}
					// Causal structure: the block is all-masked when its
					// first key position is past the last query position.
					if k0 > q0+qn-1 {
						break
					}

					sgemmRaw(false, true,
						qn, kn, hd,
						a.scale,
						qData[qBase+q0*qStride:], qStride,
						kData[kvBase+k0*kvStride:], kvStride,
						0.0,
						partial, kn)

					for qi := 0; qi < qn; qi++ {
						row := partial[qi*kn : (qi+1)*kn]
						biasRow := bias[(b*seqLen+q0+qi)*kvLen+k0:]
						blockMax := NegInf
						for ki := range row {
							row[ki] += biasRow[ki]
							if row[ki] > blockMax {
								blockMax = row[ki]
							}
						}
						newMax := rowMax[qi]
						if blockMax > newMax {
							newMax = blockMax
						}
						// Rescale prior state when the maximum moves.
						if newMax > rowMax[qi] && rowSum[qi] > 0 {
							corr := ExpF32(rowMax[qi] - newMax)
							rowSum[qi] *= corr
							accRow := acc[qi*hd : (qi+1)*hd]
							for d := range accRow {
								accRow[d] *= corr
							}
						}
						rowMax[qi] = newMax
						for ki := range row {
							p := ExpF32(row[ki] - newMax)
							row[ki] = p
							rowSum[qi] += p
						}
					}

					// acc += P @ V_block
					sgemmRaw(false, false,
						qn, hd, kn,
						1.0,
						partial, kn,
						vData[kvBase+k0*kvStride:], kvStride,
						1.0,
						acc, hd)
				}

				for qi := 0; qi < qn; qi++ {
					accRow := acc[qi*hd : (qi+1)*hd]
					outRow := outData[qBase+(q0+qi)*qStride : qBase+(q0+qi)*qStride+hd]
					if rowSum[qi] > 0 {
						inv := 1.0 / rowSum[qi]
						for d := range accRow {
							outRow[d] = accRow[d] * inv
						}
					}
				}
			}
		}
	}
	return output
}

// Parameters returns all projection weights: Q, K, V, and O.
func (a *Attention) Parameters() []*Tensor {
	return []*Tensor{a.qProj.Weight(), a.kProj.Weight(), a.vProj.Weight(), a.oProj.Weight()}
}
