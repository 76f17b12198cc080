// SPDX-License-Identifier: Apache-2.0

package mixtral

import (
	"fmt"
	"regexp"
)

// Model parallelism metadata. The core never shards anything itself; it
// exposes a named view of every parameter plus an ordered rule list mapping
// parameter names to mesh axes, for an external partitioner to act on.

// PartitionSpec names the mesh axes each tensor dimension is sharded over.
// One entry per dimension; a nil entry replicates that dimension, and a nil
// spec replicates the whole tensor.
type PartitionSpec [][]string

// PartitionRule pairs a parameter-name pattern with the spec for matching
// parameters. Rules are ordered; the first match wins.
type PartitionRule struct {
	Pattern *regexp.Regexp
	Spec    PartitionSpec
}

func rule(pattern string, spec PartitionSpec) PartitionRule {
	return PartitionRule{Pattern: regexp.MustCompile(pattern), Spec: spec}
}

// PartitionRules returns the sharding rules for this architecture over a
// mesh with "fsdp" and "sp" axes. With fullyFSDP every weight shards its
// first dimension across both axes; otherwise attention and embedding
// weights split their two dimensions across the axes separately. The final
// catch-all rule guarantees every parameter matches something.
func PartitionRules(fullyFSDP bool) []PartitionRule {
	if fullyFSDP {
		both := PartitionSpec{{"fsdp", "sp"}}
		return []PartitionRule{
			rule("model/embed_tokens/embedding", both),
			rule("self_attn/(q_proj|k_proj|v_proj)/kernel", both),
			rule("self_attn/o_proj/kernel", both),
			rule("mlp/w1/kernel", both),
			rule("mlp/w2/kernel", both),
			rule("mlp/w3/kernel", both),
			rule("input_layernorm/kernel", nil),
			rule("post_attention_layernorm/kernel", nil),
			rule("model/norm/kernel", nil),
			rule("lm_head/kernel", both),
			rule(".*", both),
		}
	}
	return []PartitionRule{
		rule("model/embed_tokens/embedding", PartitionSpec{{"sp"}, {"fsdp"}}),
		rule("self_attn/(q_proj|k_proj|v_proj)/kernel", PartitionSpec{{"fsdp"}, {"sp"}}),
		rule("self_attn/o_proj/kernel", PartitionSpec{{"sp"}, {"fsdp"}}),
		rule("mlp/w1/kernel", PartitionSpec{{"fsdp", "sp"}}),
		rule("mlp/w2/kernel", PartitionSpec{{"fsdp", "sp"}}),
		rule("mlp/w3/kernel", PartitionSpec{{"fsdp", "sp"}}),
		rule("input_layernorm/kernel", nil),
		rule("post_attention_layernorm/kernel", nil),
		rule("model/norm/kernel", nil),
		rule("lm_head/kernel", PartitionSpec{{"fsdp"}, {"sp"}}),
		rule(".*", nil),
	}
}

// MatchPartitionSpec returns the spec of the first rule whose pattern is
// found in name, and whether any rule matched.
func MatchPartitionSpec(rules []PartitionRule, name string) (PartitionSpec, bool) {
	for _, r := range rules {
		if r.Pattern.MatchString(name) {
			return r.Spec, true
		}
	}
	return nil, false
}

// NamedParameter pairs a parameter path with its tensor.
type NamedParameter struct {
	Name   string
	Tensor *Tensor
}

// NamedParameters returns every parameter of the decoder stack with a
// stable path, e.g. "model/layers/0/self_attn/q_proj/kernel".
func (m *Model) NamedParameters() []NamedParameter {
	params := []NamedParameter{
		{"model/embed_tokens/embedding", m.embed.Weight()},
	}
	for i, layer := range m.layers {
		prefix := fmt.Sprintf("model/layers/%d", i)
		params = append(params,
			NamedParameter{prefix + "/input_layernorm/kernel", layer.inputNorm.Weight()},
			NamedParameter{prefix + "/self_attn/q_proj/kernel", layer.attn.qProj.Weight()},
			NamedParameter{prefix + "/self_attn/k_proj/kernel", layer.attn.kProj.Weight()},
			NamedParameter{prefix + "/self_attn/v_proj/kernel", layer.attn.vProj.Weight()},
			NamedParameter{prefix + "/self_attn/o_proj/kernel", layer.attn.oProj.Weight()},
			NamedParameter{prefix + "/post_attention_layernorm/kernel", layer.postAttnNorm.Weight()},
			NamedParameter{prefix + "/block_sparse_moe/gate/kernel", layer.moe.gate.Weight()},
		)
		for e, expert := range layer.moe.experts {
			ePrefix := fmt.Sprintf("%s/block_sparse_moe/experts/%d/mlp", prefix, e)
			params = append(params,
				NamedParameter{ePrefix + "/w1/kernel", expert.w1.Weight()},
				NamedParameter{ePrefix + "/w2/kernel", expert.w2.Weight()},
				NamedParameter{ePrefix + "/w3/kernel", expert.w3.Weight()},
			)
		}
	}
	return append(params, NamedParameter{"model/norm/kernel", m.norm.Weight()})
}

// NamedParameters returns the decoder parameters plus the LM head. A tied
// head shares the embedding tensor and is omitted to keep entries unique.
func (lm *CausalLM) NamedParameters() []NamedParameter {
	params := lm.model.NamedParameters()
	if !lm.model.cfg.TieWordEmbeddings {
		params = append(params, NamedParameter{"lm_head/kernel", lm.lmHead.Weight()})
	}
	return params
}
