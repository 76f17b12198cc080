// SPDX-License-Identifier: Apache-2.0

package mixtral

// Cache holds per-layer key/value state for incremental decoding.
//
// Each layer owns a pair of zero-initialized tensors of shape
// [batch, maxLength, kv_heads, head_dim] plus a shared write cursor.
// Slots past the cursor are zeros and masked out of attention, so the cache
// can be allocated once at its final capacity.
type Cache struct {
	keys      []*Tensor
	values    []*Tensor
	cursor    int
	batch     int
	maxLength int
	kvHeads   int
	headDim   int
}

// NewCache allocates zeroed cache storage for numLayers layers.
func NewCache(numLayers, batch, maxLength, kvHeads, headDim int) *Cache {
	c := &Cache{
		keys:      make([]*Tensor, numLayers),
		values:    make([]*Tensor, numLayers),
		batch:     batch,
		maxLength: maxLength,
		kvHeads:   kvHeads,
		headDim:   headDim,
	}
	shape := NewShape(batch, maxLength, kvHeads, headDim)
	for i := range c.keys {
		c.keys[i] = Zeros(shape, F32)
		c.values[i] = Zeros(shape, F32)
	}
	return c
}

// Cursor returns the number of positions written so far.
func (c *Cache) Cursor() int { return c.cursor }

// MaxLength returns the cache capacity in positions.
func (c *Cache) MaxLength() int { return c.maxLength }

// Batch returns the batch size the cache was allocated for.
func (c *Cache) Batch() int { return c.batch }

// Layer returns the key and value storage for one layer.
func (c *Cache) Layer(idx int) (k, v *Tensor) {
	return c.keys[idx], c.values[idx]
}

// Write copies seqLen new key/value positions into layer idx at the current
// cursor. k and v are [batch, seqLen, kv_heads, head_dim]. The cursor is NOT
// advanced here: all layers of one forward pass write at the same offset, and
// the model advances the cursor once after the last layer.
func (c *Cache) Write(idx int, k, v *Tensor, seqLen int) error {
	if c.cursor+seqLen > c.maxLength {
		return &CacheBoundsError{Cursor: c.cursor, NewTokens: seqLen, Capacity: c.maxLength}
	}
	rowLen := c.kvHeads * c.headDim
	dstK, dstV := c.keys[idx].DataPtr(), c.values[idx].DataPtr()
	srcK, srcV := k.DataPtr(), v.DataPtr()
	for b := 0; b < c.batch; b++ {
		dstOff := (b*c.maxLength + c.cursor) * rowLen
		srcOff := b * seqLen * rowLen
		n := seqLen * rowLen
		copy(dstK[dstOff:dstOff+n], srcK[srcOff:srcOff+n])
		copy(dstV[dstOff:dstOff+n], srcV[srcOff:srcOff+n])
	}
	return nil
}

// Advance moves the cursor forward after all layers have written.
func (c *Cache) Advance(seqLen int) { c.cursor += seqLen }
