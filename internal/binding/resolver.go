package binding

import (
	"fmt"
	"log"
	"sort"

	"chainrunner/internal/chain"
)

// Outcome describes what happened to one binding during resolution.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
)

// Resolution is the per-binding report entry.
type Resolution struct {
	Key     string            `json:"key"`
	Kind    chain.BindingKind `json:"kind"`
	Outcome Outcome           `json:"outcome"`
	Value   any               `json:"value,omitempty"`
	From    string            `json:"from,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// Resolver fills step inputs from literals or from the output cache of the
// current execution. Steps is the chain's full step list, used to map a
// source step index to the step id that keys the cache.
type Resolver struct {
	Steps []chain.Step
	Cache *OutputCache
}

// Resolve returns a deep copy of graph with bindings applied. Problems with
// individual bindings are never fatal: the field keeps its original value
// and the reason is logged and reported.
func (r Resolver) Resolve(graph chain.Graph, bindings map[string]chain.Binding, stepIndex int) (chain.Graph, []Resolution) {
	resolved := graph.Clone()
	if resolved == nil {
		resolved = chain.Graph{}
	}

	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := make([]Resolution, 0, len(keys))
	for _, key := range keys {
		b := bindings[key]
		res := r.apply(resolved, key, b)
		if res.Outcome == OutcomeSkipped && res.Reason != "" && res.Reason != reasonMalformedKey {
			log.Printf("binding resolver: step %d: %s skipped: %s", stepIndex+1, key, res.Reason)
		}
		report = append(report, res)
	}
	return resolved, report
}

const reasonMalformedKey = "malformed binding key"

func (r Resolver) apply(graph chain.Graph, key string, b chain.Binding) Resolution {
	res := Resolution{Key: key, Kind: b.Type, Outcome: OutcomeSkipped}

	nodeID, field, ok := chain.SplitKey(key)
	if !ok {
		res.Reason = reasonMalformedKey
		return res
	}

	var value any
	switch b.Type {
	case chain.BindingStatic:
		value = b.Value
		if value == nil {
			value = ""
		}
	case chain.BindingDynamic:
		path, from, reason := r.lookup(b)
		if reason != "" {
			res.Reason = reason
			res.From = from
			return res
		}
		value = path
		res.From = from
	default:
		res.Reason = fmt.Sprintf("unknown binding type %q", b.Type)
		return res
	}

	node, ok := graph[nodeID]
	if !ok || node == nil {
		res.Reason = fmt.Sprintf("node %s not in graph", nodeID)
		return res
	}
	node.SetInput(field, value)
	res.Outcome = OutcomeApplied
	res.Value = value
	return res
}

func (r Resolver) lookup(b chain.Binding) (path, from, reason string) {
	if b.SourceStepIndex == nil || b.SourceOutputNodeID == "" {
		return "", "", "invalid dynamic binding"
	}
	idx := *b.SourceStepIndex
	if idx < 0 || idx >= len(r.Steps) {
		return "", "", fmt.Sprintf("invalid source workflow index %d", idx)
	}
	from = chain.OutputKey(r.Steps[idx].ID, b.SourceOutputNodeID)
	cached, ok := r.Cache.Lookup(from)
	if !ok {
		return "", from, "cached path not found for " + from
	}
	return cached, from, ""
}
