// SPDX-License-Identifier: Apache-2.0

package mixtral

// ---------------------------------------------------------------------------
// Expert FFN
// ---------------------------------------------------------------------------

// Expert is one SwiGLU feed-forward network:
//
//	out = w2(silu(w1(x)) * w3(x))
//
// w1 is the gate projection, w3 the up projection, w2 the down projection.
// No biases anywhere.
type Expert struct {
	w1, w2, w3 *Linear
	hiddenDim  int
	ffnDim     int
}

// NewExpert creates one expert FFN.
func NewExpert(hiddenDim, ffnDim int) *Expert {
	return &Expert{
		w1:        NewLinear(hiddenDim, ffnDim, initStd(hiddenDim)),
		w2:        NewLinear(ffnDim, hiddenDim, initStd(ffnDim)),
		w3:        NewLinear(hiddenDim, ffnDim, initStd(hiddenDim)),
		hiddenDim: hiddenDim,
		ffnDim:    ffnDim,
	}
}

// Forward applies the SwiGLU transform to [n, hiddenDim] input.
func (e *Expert) Forward(input *Tensor) *Tensor {
	gate := e.w1.Forward(input)
	gate.SiLUInPlace()
	up := e.w3.Forward(input)
	gate.MulInPlace(up)
	return e.w2.Forward(gate)
}

// Parameters returns the three projection weights.
func (e *Expert) Parameters() []*Tensor {
	return []*Tensor{e.w1.Weight(), e.w2.Weight(), e.w3.Weight()}
}

// ---------------------------------------------------------------------------
// Sparse MoE block
// ---------------------------------------------------------------------------

// SparseMoeBlock routes each token through its top-k experts.
//
// Routing:
//
//	logits = gate(x)                          -- [tokens, nExperts], float32
//	probs  = softmax(logits)
//	top-k experts per token, weights renormalized to sum to 1
//	out[t] = sum_k weight[t,k] * Expert_{idx[t,k]}(x[t])
//
// Every token is dispatched to exactly k experts; there is no capacity
// limit and no token dropping. Experts with no assigned tokens are skipped
// entirely.
type SparseMoeBlock struct {
	gate      *Linear
	experts   []*Expert
	hiddenDim int
	nExperts  int
	topK      int
	// Reusable buffers to reduce per-forward allocation pressure.
	softmaxBuf *Tensor
	selected   []bool
	outBuf     []float32
}

// NewSparseMoeBlock creates the MoE block for one decoder layer.
func NewSparseMoeBlock(cfg *Config) *SparseMoeBlock {
	experts := make([]*Expert, cfg.NumLocalExperts)
	for i := range experts {
		experts[i] = NewExpert(cfg.HiddenSize, cfg.IntermediateSize)
	}
	return &SparseMoeBlock{
		gate:      NewLinear(cfg.HiddenSize, cfg.NumLocalExperts, initStd(cfg.HiddenSize)),
		experts:   experts,
		hiddenDim: cfg.HiddenSize,
		nExperts:  cfg.NumLocalExperts,
		topK:      cfg.NumExpertsPerTok,
		selected:  make([]bool, cfg.NumLocalExperts),
	}
}

// Route runs the block over input of any shape [..., hiddenDim] and returns
// the combined expert output (same shape) and the raw router logits
// [tokens, nExperts]. The logits feed LoadBalancingLoss; they are returned
// raw so loss computation can span multiple layers.
func (m *SparseMoeBlock) Route(input *Tensor) (*Tensor, *Tensor) {
	leadingDims, numTokens, _ := splitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(NewShape(numTokens, m.hiddenDim))
	flatData := flatInput.DataPtr()

	routerLogits := m.gate.Forward(flatInput)

	// Softmax over all experts, then greedy top-k per token.
	probShape := routerLogits.Shape()
	if m.softmaxBuf == nil || !m.softmaxBuf.Shape().Equal(probShape) {
		m.softmaxBuf = New(probShape, F32)
	}
	routerLogits.SoftmaxInto(m.softmaxBuf)
	probsData := m.softmaxBuf.DataPtr()

	weights := make([]float32, numTokens*m.topK)
	indices := make([]int, numTokens*m.topK)
	selected := m.selected
	for t := 0; t < numTokens; t++ {
		row := probsData[t*m.nExperts : (t+1)*m.nExperts]
		tokenIdx := indices[t*m.topK : (t+1)*m.topK]
		tokenWeights := weights[t*m.topK : (t+1)*m.topK]
		for i := range selected {
			selected[i] = false
		}
		for k := 0; k < m.topK; k++ {
			bestIdx, bestVal := -1, float32(-1)
			for e := 0; e < m.nExperts; e++ {
				if !selected[e] && row[e] > bestVal {
					bestVal = row[e]
					bestIdx = e
				}
			}
			selected[bestIdx] = true
			tokenIdx[k] = bestIdx
			tokenWeights[k] = bestVal
		}
		// Renormalize so the k weights sum to 1.
		normalizeInPlace(tokenWeights)
	}

	outLen := numTokens * m.hiddenDim
	if cap(m.outBuf) >= outLen {
		m.outBuf = m.outBuf[:outLen]
		for i := range m.outBuf {
			m.outBuf[i] = 0
		}
	} else {
		m.outBuf = make([]float32, outLen)
	}
	output := FromSliceNoCopy(m.outBuf, NewShape(numTokens, m.hiddenDim))
	outData := output.DataPtr()

	// Inverted index: expert -> (token index, weight slot), so each expert
	// runs one batched forward over all its assigned tokens.
	avgTokensPerExpert := (numTokens*m.topK)/m.nExperts + 1
	expertTokens := make([][]int, m.nExperts)
	expertWeightIdx := make([][]int, m.nExperts)
	for i := range expertTokens {
		expertTokens[i] = make([]int, 0, avgTokensPerExpert)
		expertWeightIdx[i] = make([]int, 0, avgTokensPerExpert)
	}
	for t := 0; t < numTokens; t++ {
		for k := 0; k < m.topK; k++ {
			eIdx := indices[t*m.topK+k]
			expertTokens[eIdx] = append(expertTokens[eIdx], t)
			expertWeightIdx[eIdx] = append(expertWeightIdx[eIdx], k)
		}
	}

	for eIdx := 0; eIdx < m.nExperts; eIdx++ {
		tokens := expertTokens[eIdx]
		if len(tokens) == 0 {
			continue
		}

		// Gather assigned token vectors into a contiguous batch.
		batchData := make([]float32, len(tokens)*m.hiddenDim)
		for i, t := range tokens {
			copy(batchData[i*m.hiddenDim:], flatData[t*m.hiddenDim:(t+1)*m.hiddenDim])
		}
		batchInput := FromSliceNoCopy(batchData, NewShape(len(tokens), m.hiddenDim))
		expertOut := m.experts[eIdx].Forward(batchInput)
		eOutData := expertOut.DataPtr()

		// Scatter-add the weighted expert output back per token.
		for i, t := range tokens {
			k := expertWeightIdx[eIdx][i]
			w := weights[t*m.topK+k]
			oRow := outData[t*m.hiddenDim : (t+1)*m.hiddenDim]
			eRow := eOutData[i*m.hiddenDim : (i+1)*m.hiddenDim]
			for d := range oRow {
				oRow[d] += w * eRow[d]
			}
		}
	}

	return output.Reshape(withLastDim(leadingDims, m.hiddenDim)), routerLogits
}

// Parameters returns the gate weight followed by every expert's weights.
func (m *SparseMoeBlock) Parameters() []*Tensor {
	p := []*Tensor{m.gate.Weight()}
	for _, e := range m.experts {
		p = append(p, e.Parameters()...)
	}
	return p
}

// ---------------------------------------------------------------------------
// Load-balancing loss
// ---------------------------------------------------------------------------

// LoadBalancingLoss measures how evenly the router spreads tokens across
// experts. routerLogits is [tokens, nExperts] of raw gate outputs, usually
// the concatenation over all layers of one forward pass.
//
// Per expert e:
//
//	f_e = assignments_e / (tokens * topK)   -- fraction of routed slots
//	P_e = sum_t weight_{t,e} / tokens       -- mean routing weight
//	loss = nExperts^2 * mean_e(f_e * P_e)
//
// The weights here are the same renormalized top-k weights the block uses
// for dispatch (top-k over logits then softmax over the selected k gives
// identical numerics). At a perfectly uniform router the loss equals 1.0,
// and it is invariant under relabeling of experts.
func LoadBalancingLoss(routerLogits *Tensor, nExperts, topK int) float32 {
	dims := routerLogits.Shape().DimsRef()
	numTokens := dims[0]
	if numTokens == 0 {
		return 0
	}
	data := routerLogits.DataPtr()

	expertCounts := make([]float32, nExperts)
	expertWeightSum := make([]float32, nExperts)
	selected := make([]bool, nExperts)
	topVals := make([]float32, topK)
	topIdx := make([]int, topK)

	for t := 0; t < numTokens; t++ {
		row := data[t*nExperts : (t+1)*nExperts]
		for i := range selected {
			selected[i] = false
		}
		for k := 0; k < topK; k++ {
			bestIdx, bestVal := -1, NegInf
			for e := 0; e < nExperts; e++ {
				if !selected[e] && row[e] > bestVal {
					bestVal = row[e]
					bestIdx = e
				}
			}
			selected[bestIdx] = true
			topIdx[k] = bestIdx
			topVals[k] = bestVal
		}
		// Softmax over the selected k logits.
		softmaxCore(topVals, topVals, topK, 1)
		for k := 0; k < topK; k++ {
			expertCounts[topIdx[k]]++
			expertWeightSum[topIdx[k]] += topVals[k]
		}
	}

	// nExperts^2 * mean_e = nExperts * sum_e.
	totalAssign := float32(numTokens * topK)
	loss := float32(0)
	for e := 0; e < nExperts; e++ {
		loss += (expertCounts[e] / totalAssign) * (expertWeightSum[e] / float32(numTokens))
	}
	return loss * float32(nExperts)
}
