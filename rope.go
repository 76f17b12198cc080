// SPDX-License-Identifier: Apache-2.0

package mixtral

// Rotary position embeddings. The sine/cosine tables are precomputed once
// at model construction up to Config.MaxPositionEmbeddings; a position at
// or beyond the table length is a config sizing problem, so Forward
// validates position ids before any layer runs (see model.go).
//
// Convention is the half-split rotation: for a head vector x of width d,
// the pair (x[i], x[i+d/2]) is rotated by angle pos*freq_i,
//
//	freq_i = theta^(-2i/d)          for i in [0, d/2)
//	x'[i]      = x[i]*cos - x[i+d/2]*sin
//	x'[i+d/2]  = x[i+d/2]*cos + x[i]*sin
//
// which makes the query/key dot product depend on relative position only.
type rotaryTable struct {
	sin, cos []float32 // [maxLen * halfDim]
	halfDim  int
	maxLen   int
}

// newRotaryTable precomputes sin/cos for every (position, frequency) pair.
func newRotaryTable(maxLen, headDim int, theta float32) *rotaryTable {
	halfDim := headDim / 2
	freqs := make([]float32, halfDim)
	for i := range freqs {
		freqs[i] = 1.0 / PowF32(theta, float32(2*i)/float32(headDim))
	}
	t := &rotaryTable{
		sin:     make([]float32, maxLen*halfDim),
		cos:     make([]float32, maxLen*halfDim),
		halfDim: halfDim,
		maxLen:  maxLen,
	}
	for pos := 0; pos < maxLen; pos++ {
		for i, f := range freqs {
			angle := float32(pos) * f
			t.sin[pos*halfDim+i] = SinF32(angle)
			t.cos[pos*halfDim+i] = CosF32(angle)
		}
	}
	return t
}

// apply rotates every head vector of data in-place. data is laid out
// [batch, seq, heads, headDim] flat; positions holds the absolute position
// for each (batch, seq) slot and must be < maxLen.
func (t *rotaryTable) apply(data []float32, batch, seqLen, heads, headDim int, positions []int) {
	halfDim := t.halfDim
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			pos := positions[b*seqLen+s]
			sinRow := t.sin[pos*halfDim : (pos+1)*halfDim]
			cosRow := t.cos[pos*halfDim : (pos+1)*halfDim]
			base := ((b*seqLen + s) * heads) * headDim
			for h := 0; h < heads; h++ {
				row := data[base+h*headDim : base+(h+1)*headDim]
				for i := 0; i < halfDim; i++ {
					x1, x2 := row[i], row[i+halfDim]
					row[i] = x1*cosRow[i] - x2*sinRow[i]
					row[i+halfDim] = x2*cosRow[i] + x1*sinRow[i]
				}
			}
		}
	}
}
