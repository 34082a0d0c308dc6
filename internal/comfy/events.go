package comfy

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded message from the server's event stream. The set of
// implementations is closed; anything unrecognised decodes to UnknownEvent.
type Event interface {
	Type() string
	isEvent()
}

// FileRef describes a file the server wrote for an output node.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the "output" payload of an executed node, also used by the
// history endpoint. Video nodes report under "gifs", image nodes under "images".
type NodeOutput struct {
	Images []FileRef `json:"images,omitempty"`
	Gifs   []FileRef `json:"gifs,omitempty"`
}

// First returns the first produced file, preferring gifs over images.
func (o NodeOutput) First() (FileRef, bool) {
	files := o.Gifs
	if len(files) == 0 {
		files = o.Images
	}
	if len(files) == 0 || files[0].Filename == "" {
		return FileRef{}, false
	}
	f := files[0]
	if f.Type == "" {
		f.Type = "output"
	}
	return f, true
}

type ExecutingEvent struct {
	// Node is nil once the whole job has finished.
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type ExecutedEvent struct {
	Node     string     `json:"node"`
	PromptID string     `json:"prompt_id"`
	Output   NodeOutput `json:"output"`
}

type ExecutionErrorEvent struct {
	PromptID      string `json:"prompt_id"`
	NodeID        string `json:"node_id"`
	NodeType      string `json:"node_type"`
	ExceptionType string `json:"exception_type"`
	Message       string `json:"exception_message"`
}

type ExecutionCachedEvent struct {
	PromptID string   `json:"prompt_id"`
	Nodes    []string `json:"nodes"`
}

type ExecutionSuccessEvent struct {
	PromptID string `json:"prompt_id"`
}

// ExecutionInterruptedEvent follows a server-side interrupt of the running job.
type ExecutionInterruptedEvent struct {
	PromptID string `json:"prompt_id"`
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
}

type UnknownEvent struct {
	Kind string
	Data json.RawMessage
}

func (ExecutingEvent) Type() string            { return "executing" }
func (ExecutedEvent) Type() string             { return "executed" }
func (ExecutionErrorEvent) Type() string       { return "execution_error" }
func (ExecutionCachedEvent) Type() string      { return "execution_cached" }
func (ExecutionSuccessEvent) Type() string     { return "execution_success" }
func (ExecutionInterruptedEvent) Type() string { return "execution_interrupted" }
func (e UnknownEvent) Type() string            { return e.Kind }

func (ExecutingEvent) isEvent()            {}
func (ExecutedEvent) isEvent()             {}
func (ExecutionErrorEvent) isEvent()       {}
func (ExecutionCachedEvent) isEvent()      {}
func (ExecutionSuccessEvent) isEvent()     {}
func (ExecutionInterruptedEvent) isEvent() {}
func (UnknownEvent) isEvent()              {}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent turns one raw stream message into an Event. An error means the
// message itself was malformed; unknown event types are not errors.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}

	var (
		ev  Event
		err error
	)
	switch env.Type {
	case "executing":
		var e ExecutingEvent
		err = decodeData(env.Data, &e)
		ev = e
	case "executed":
		var e ExecutedEvent
		err = decodeData(env.Data, &e)
		ev = e
	case "execution_error":
		var e ExecutionErrorEvent
		err = decodeData(env.Data, &e)
		ev = e
	case "execution_cached":
		var e ExecutionCachedEvent
		err = decodeData(env.Data, &e)
		ev = e
	case "execution_success":
		var e ExecutionSuccessEvent
		err = decodeData(env.Data, &e)
		ev = e
	case "execution_interrupted":
		var e ExecutionInterruptedEvent
		err = decodeData(env.Data, &e)
		ev = e
	default:
		return UnknownEvent{Kind: env.Type, Data: env.Data}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
