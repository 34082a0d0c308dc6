package chain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleChainJSON = `{
  "id": "chain-1",
  "name": "Upscale then animate",
  "thumbnailUrl": "/thumbs/chain-1.png",
  "nodes": [
    {
      "id": "wf-a",
      "name": "Generate",
      "workflowId": "gen.json",
      "apiFormat": {
        "3": {"class_type": "KSampler", "inputs": {"seed": 918273645546372819, "steps": 20}},
        "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]}}
      }
    },
    {
      "id": "wf-b",
      "apiFormat": {"12": {"class_type": "LoadImage", "inputs": {"image": "example.png"}}},
      "inputBindings": {
        "12.image": {"type": "dynamic", "sourceWorkflowIndex": 0, "sourceOutputNodeId": "9"},
        "12.upload": {"type": "static", "value": "image"}
      }
    }
  ]
}`

func TestDecodeJSONKeepsLargeIntegersAndUnknownFields(t *testing.T) {
	c, err := DecodeJSON([]byte(sampleChainJSON))
	require.NoError(t, err)
	require.Len(t, c.Steps, 2)

	seed, ok := c.Steps[0].JobGraph["3"].Input("seed")
	require.True(t, ok)
	assert.Equal(t, json.Number("918273645546372819"), seed)

	assert.Equal(t, "/thumbs/chain-1.png", c.Extra["thumbnailUrl"])
	assert.Equal(t, "gen.json", c.Steps[0].Extra["workflowId"])

	b := c.Steps[1].InputBindings["12.image"]
	assert.Equal(t, BindingDynamic, b.Type)
	require.NotNil(t, b.SourceStepIndex)
	assert.Equal(t, 0, *b.SourceStepIndex)
	assert.Equal(t, "9", b.SourceOutputNodeID)

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"seed":918273645546372819`)
	assert.Contains(t, string(out), `"thumbnailUrl":"/thumbs/chain-1.png"`)
	assert.Contains(t, string(out), `"workflowId":"gen.json"`)

	again, err := DecodeJSON(out)
	require.NoError(t, err)
	assert.Equal(t, c.Summary(), again.Summary())
}

func TestDecodeYAML(t *testing.T) {
	doc := `
id: chain-y
name: yaml chain
nodes:
  - id: first
    apiFormat:
      "9":
        class_type: SaveImage
        inputs:
          filename_prefix: out
  - id: second
    apiFormat:
      "4":
        inputs:
          image: placeholder.png
    inputBindings:
      "4.image":
        type: dynamic
        sourceWorkflowIndex: 0
        sourceOutputNodeId: "9"
`
	c, err := DecodeYAML([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "yaml chain", c.DisplayName())
	require.Len(t, c.Steps, 2)
	v, ok := c.Steps[0].JobGraph["9"].Input("filename_prefix")
	require.True(t, ok)
	assert.Equal(t, "out", v)
	b := c.Steps[1].InputBindings["4.image"]
	require.NotNil(t, b.SourceStepIndex)
	assert.Equal(t, 0, *b.SourceStepIndex)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Chain{ID: "x"}.Validate(), ErrNoSteps)

	err := Chain{Steps: []Step{{ID: "a"}, {ID: ""}}}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidChain))

	err = Chain{Steps: []Step{{ID: "a"}, {ID: "a"}}}.Validate()
	require.ErrorIs(t, err, ErrInvalidChain)
	assert.Contains(t, err.Error(), `reuses id "a"`)

	assert.NoError(t, Chain{Steps: []Step{{ID: "a"}, {ID: "b"}}}.Validate())
}

func TestCloneIsIndependent(t *testing.T) {
	c, err := DecodeJSON([]byte(sampleChainJSON))
	require.NoError(t, err)

	cp := c.Clone()
	cp.Steps[0].JobGraph["9"].SetInput("filename_prefix", "changed")
	*cp.Steps[1].InputBindings["12.image"].SourceStepIndex = 5

	v, _ := c.Steps[0].JobGraph["9"].Input("filename_prefix")
	assert.Equal(t, "ComfyUI", v)
	assert.Equal(t, 0, *c.Steps[1].InputBindings["12.image"].SourceStepIndex)
}

func TestSplitKeyAndOutputKey(t *testing.T) {
	node, field, ok := SplitKey("12.image")
	require.True(t, ok)
	assert.Equal(t, "12", node)
	assert.Equal(t, "image", field)

	_, _, ok = SplitKey("12")
	assert.False(t, ok)
	_, _, ok = SplitKey("a.b.c")
	assert.False(t, ok)

	assert.Equal(t, "wf-a.9", OutputKey("wf-a", "9"))
}

func TestSetInputCreatesInputs(t *testing.T) {
	n := Node{"class_type": "LoadImage"}
	n.SetInput("image", "chain_result/x.png")
	v, ok := n.Input("image")
	require.True(t, ok)
	assert.Equal(t, "chain_result/x.png", v)
}
