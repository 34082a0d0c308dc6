package chain

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Graph is the job graph submitted to the remote server: node id to node.
// Only the "inputs" map of a node is interpreted here; everything else
// (class_type, _meta, ...) is carried through untouched.
type Graph map[string]Node

// Node is one entry of a Graph.
type Node map[string]any

// UnmarshalJSON keeps numbers as json.Number so large integers such as
// sampler seeds survive a decode/encode round trip unchanged.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw map[string]Node
	if err := decodeNumbers(data, &raw); err != nil {
		return err
	}
	*g = raw
	return nil
}

// Inputs returns the node's inputs map, or nil when absent.
func (n Node) Inputs() map[string]any {
	if n == nil {
		return nil
	}
	in, _ := n["inputs"].(map[string]any)
	return in
}

// SetInput writes field into the node's inputs, creating the map if absent.
func (n Node) SetInput(field string, value any) {
	if n == nil {
		return
	}
	in := n.Inputs()
	if in == nil {
		in = map[string]any{}
		n["inputs"] = in
	}
	in[field] = value
}

// Input returns one input value.
func (n Node) Input(field string) (any, bool) {
	in := n.Inputs()
	if in == nil {
		return nil, false
	}
	v, ok := in[field]
	return v, ok
}

// NodeIDs returns the graph's node ids in sorted order.
func (g Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone deep-copies the graph.
func (g Graph) Clone() Graph {
	if g == nil {
		return nil
	}
	out := make(Graph, len(g))
	for id, node := range g {
		out[id] = Node(cloneMap(node))
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Node:
		return Node(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
