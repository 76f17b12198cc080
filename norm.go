// SPDX-License-Identifier: Apache-2.0

package mixtral

// RMSNorm implements Root Mean Square Layer Normalization.
//
//	RMSNorm(x) = x / sqrt(mean(x^2) + eps) * gamma
//
// Unlike LayerNorm, RMSNorm has no mean-centering (no beta), making it
// cheaper and empirically as effective for Transformer pre-norm. The
// decoder is pre-norm only: normalization runs before each sub-layer,
// never after, since that is the ordering gamma is trained for.
type RMSNorm struct {
	weight *Tensor // gamma (learnable scale), shape [dim]
	eps    float32
	dim    int
}

// NewRMSNorm creates an RMSNorm layer with gamma initialized to 1.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{
		weight: Ones(NewShape(dim), F32),
		eps:    eps,
		dim:    dim,
	}
}

// Forward applies RMSNorm along the last dimension.
//
//	rms = sqrt(mean(x^2) + eps)
//	y_i = x_i / rms * gamma_i
func (r *RMSNorm) Forward(input *Tensor) *Tensor {
	shape := input.Shape()
	numVectors := shape.Numel() / r.dim

	output := New(shape, F32)
	in, out, w := input.DataPtr(), output.DataPtr(), r.weight.DataPtr()
	for v := 0; v < numVectors; v++ {
		off := v * r.dim
		row := in[off : off+r.dim]

		sumSq := float32(0)
		for _, x := range row {
			sumSq += x * x
		}
		invRms := 1.0 / SqrtF32(sumSq/float32(r.dim)+r.eps)

		oRow := out[off : off+r.dim]
		for i := range oRow {
			oRow[i] = row[i] * invRms * w[i]
		}
	}
	return output
}

// Weight returns the learnable gamma scale vector.
func (r *RMSNorm) Weight() *Tensor { return r.weight }
