package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	chainKeys = []string{"id", "name", "description", "nodes", "createdAt", "modifiedAt"}
	stepKeys  = []string{"id", "name", "apiFormat", "inputBindings"}
)

func (c *Chain) UnmarshalJSON(data []byte) error {
	type plain Chain
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, chainKeys)
	if err != nil {
		return err
	}
	p.Extra = extra
	*c = Chain(p)
	return nil
}

func (c Chain) MarshalJSON() ([]byte, error) {
	type plain Chain
	return marshalWithExtra(plain(c), c.Extra)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, stepKeys)
	if err != nil {
		return err
	}
	p.Extra = extra
	*s = Step(p)
	return nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	type plain Step
	return marshalWithExtra(plain(s), s.Extra)
}

func extraFields(data []byte, known []string) (map[string]any, error) {
	var all map[string]any
	if err := decodeNumbers(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, known := merged[k]; known {
			continue
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// DecodeJSON decodes a chain document.
func DecodeJSON(data []byte) (Chain, error) {
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return Chain{}, fmt.Errorf("decode chain: %w", err)
	}
	return c, nil
}

// DecodeYAML decodes a chain document written in YAML using the same field
// names as the JSON form.
func DecodeYAML(data []byte) (Chain, error) {
	var c Chain
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Chain{}, fmt.Errorf("decode chain yaml: %w", err)
	}
	return c, nil
}

// LoadFile reads a chain definition from disk, choosing the decoder by extension.
func LoadFile(path string) (Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Chain{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(data)
	default:
		return DecodeJSON(data)
	}
}
