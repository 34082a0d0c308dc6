package chain

import (
	"fmt"
	"strings"
)

// BindingKind tags the Binding union.
type BindingKind string

const (
	BindingStatic  BindingKind = "static"
	BindingDynamic BindingKind = "dynamic"
)

// Binding fills one "nodeId.fieldName" input of a step. Static bindings carry
// a literal Value; dynamic bindings point at the output node of an earlier step.
type Binding struct {
	Type               BindingKind `json:"type" yaml:"type"`
	Value              any         `json:"value,omitempty" yaml:"value,omitempty"`
	SourceStepIndex    *int        `json:"sourceWorkflowIndex,omitempty" yaml:"sourceWorkflowIndex,omitempty"`
	SourceOutputNodeID string      `json:"sourceOutputNodeId,omitempty" yaml:"sourceOutputNodeId,omitempty"`
}

// Static builds a literal binding.
func Static(value any) Binding {
	return Binding{Type: BindingStatic, Value: value}
}

// Dynamic builds a binding to the output node of the step at sourceIndex.
func Dynamic(sourceIndex int, outputNodeID string) Binding {
	idx := sourceIndex
	return Binding{Type: BindingDynamic, SourceStepIndex: &idx, SourceOutputNodeID: outputNodeID}
}

func (b *Binding) UnmarshalJSON(data []byte) error {
	type plain Binding
	var p plain
	if err := decodeNumbers(data, &p); err != nil {
		return err
	}
	*b = Binding(p)
	return nil
}

func (b Binding) clone() Binding {
	out := b
	out.Value = cloneValue(b.Value)
	if b.SourceStepIndex != nil {
		idx := *b.SourceStepIndex
		out.SourceStepIndex = &idx
	}
	return out
}

// SplitKey splits a binding key "nodeId.fieldName". Keys that are not
// exactly two dot-separated parts are rejected.
func SplitKey(key string) (nodeID, field string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// OutputKey is the output cache key of a step's output node.
func OutputKey(stepID, outputNodeID string) string {
	return fmt.Sprintf("%s.%s", stepID, outputNodeID)
}
