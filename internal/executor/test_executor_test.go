package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainrunner/internal/chain"
	"chainrunner/internal/comfy"
	"chainrunner/internal/progress"
	"chainrunner/internal/tracelog"
)

type fakeClient struct {
	mu         sync.Mutex
	submitted  []chain.Graph
	submitErr  map[int]error
	outputs    map[int][]comfy.Output
	monitorErr map[int]error
	block      chan struct{}
	interrupts int
}

func (c *fakeClient) Submit(_ context.Context, graph chain.Graph) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.submitted)
	c.submitted = append(c.submitted, graph)
	if err := c.submitErr[n]; err != nil {
		return "", err
	}
	return fmt.Sprintf("job-%d", n), nil
}

func (c *fakeClient) Monitor(ctx context.Context, jobID string, _ chain.Graph) ([]comfy.Output, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var n int
	fmt.Sscanf(jobID, "job-%d", &n)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs[n], c.monitorErr[n]
}

func (c *fakeClient) Interrupt(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts++
	return errors.New("connection refused")
}

func (c *fakeClient) submissions() []chain.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.Graph(nil), c.submitted...)
}

type fakeStager struct{}

func (fakeStager) Cache(_ context.Context, outputs []comfy.Output, _ string, executionID string) []chain.CachedOutput {
	out := make([]chain.CachedOutput, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, chain.CachedOutput{
			SourceNodeID: o.NodeID,
			Filename:     o.Filename,
			CachedPath:   "chain_result/" + executionID + "_" + o.Filename,
		})
	}
	return out
}

func fixedNow() time.Time { return time.UnixMilli(1714564800000) }

type harness struct {
	exec   *Executor
	client *fakeClient
	queue  *progress.Queue
	bcast  *progress.Broadcaster
}

func newHarness(t *testing.T, client *fakeClient, settler Settler) harness {
	t.Helper()
	b := progress.NewBroadcaster()
	q := progress.NewQueue("test", 256)
	b.Subscribe(q)
	if settler == nil {
		settler = FixedDelay{}
	}
	ex, err := New(Options{Client: client, Stager: fakeStager{}, Progress: b, Settler: settler, Now: fixedNow})
	require.NoError(t, err)
	return harness{exec: ex, client: client, queue: q, bcast: b}
}

func (h harness) messages() []progress.Message {
	var out []progress.Message
	for {
		select {
		case m := <-h.queue.C():
			out = append(out, m)
		default:
			return out
		}
	}
}

func completions(msgs []progress.Message) []progress.Snapshot {
	var out []progress.Snapshot
	for _, m := range msgs {
		if m.Data.Completed {
			out = append(out, m.Data)
		}
	}
	return out
}

func loadStep(id string, bindings map[string]chain.Binding) chain.Step {
	return chain.Step{
		ID:   id,
		Name: "step " + id,
		JobGraph: chain.Graph{
			"12": chain.Node{"class_type": "LoadImage", "inputs": map[string]any{"image": "default.png"}},
			"9":  chain.Node{"class_type": "SaveImage", "inputs": map[string]any{"filename_prefix": "ComfyUI"}},
		},
		InputBindings: bindings,
	}
}

func TestEmptyChainFailsWithoutSubmitting(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, nil)

	res := h.exec.Execute(context.Background(), chain.Chain{ID: "c"})
	assert.False(t, res.Success)
	assert.Equal(t, chain.StatusPending, res.Status)
	assert.Equal(t, "no workflow nodes in chain", res.Error)
	assert.Empty(t, client.submissions())
	assert.Len(t, h.messages(), 1, "only the idle snapshot from subscribing")
}

func TestSubmitFailureStopsChain(t *testing.T) {
	client := &fakeClient{submitErr: map[int]error{0: errors.New("400 - invalid prompt")}}
	h := newHarness(t, client, nil)

	res := h.exec.Execute(context.Background(), chain.Chain{
		ID:    "c",
		Steps: []chain.Step{loadStep("a", nil), loadStep("b", nil)},
	})
	assert.False(t, res.Success)
	assert.Equal(t, chain.StatusFailed, res.Status)
	require.Len(t, res.StepResults, 1)
	assert.False(t, res.StepResults[0].Success)
	assert.Contains(t, res.Error, "Workflow node 1 failed: Failed to submit workflow")
	assert.Equal(t, "exec-1714564800000", res.ExecutionID)

	done := completions(h.messages())
	require.Len(t, done, 1)
	assert.Equal(t, progress.StepFailed, done[0].Steps[0].Status)
	assert.Equal(t, progress.StepPending, done[0].Steps[1].Status)
	require.NotNil(t, done[0].Success)
	assert.False(t, *done[0].Success)
}

func TestDynamicBindingsAcrossThreeSteps(t *testing.T) {
	client := &fakeClient{outputs: map[int][]comfy.Output{
		0: {{NodeID: "12", Filename: "first.png"}},
		1: {{NodeID: "9", Filename: "second.png"}},
		2: {{NodeID: "9", Filename: "third.png"}},
	}}
	h := newHarness(t, client, nil)
	trace := tracelog.New(t.TempDir())
	h.exec.trace = trace

	c := chain.Chain{ID: "c", Name: "three", Steps: []chain.Step{
		loadStep("a", nil),
		loadStep("b", map[string]chain.Binding{"12.image": chain.Dynamic(0, "12")}),
		loadStep("c", map[string]chain.Binding{"12.image": chain.Dynamic(0, "9")}),
	}}
	res := h.exec.Execute(context.Background(), c)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, chain.StatusCompleted, res.Status)
	require.Len(t, res.StepResults, 3)

	sub := client.submissions()
	require.Len(t, sub, 3)
	v, _ := sub[1]["12"].Input("image")
	assert.Equal(t, "chain_result/exec-1714564800000_first.png", v)
	v, _ = sub[2]["12"].Input("image")
	assert.Equal(t, "default.png", v, "step a never produced node 9")
	v, _ = c.Steps[2].JobGraph["12"].Input("image")
	assert.Equal(t, "default.png", v, "caller's chain must not be mutated")

	entries, err := trace.Read(res.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, tracelog.ExecutionStarted, entries[0].Event)
	assert.Equal(t, tracelog.ExecutionFinished, entries[len(entries)-1].Event)
	assert.Equal(t, "completed", entries[len(entries)-1].Fields["status"])
}

func TestProgressIndexNeverGoesBackwards(t *testing.T) {
	client := &fakeClient{outputs: map[int][]comfy.Output{
		0: {{NodeID: "9", Filename: "a.png"}},
		1: {{NodeID: "9", Filename: "b.png"}},
	}}
	h := newHarness(t, client, nil)
	res := h.exec.Execute(context.Background(), chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil), loadStep("b", nil)}})
	require.True(t, res.Success)

	msgs := h.messages()
	last := -1
	for _, m := range msgs[1 : len(msgs)-1] {
		require.NotNil(t, m.Data.CurrentIndex)
		assert.GreaterOrEqual(t, *m.Data.CurrentIndex, last)
		last = *m.Data.CurrentIndex
	}
	final := msgs[len(msgs)-1].Data
	assert.True(t, final.Completed)
	assert.Nil(t, final.CurrentIndex)
}

func TestStepValidationFailures(t *testing.T) {
	t.Run("empty graph", func(t *testing.T) {
		client := &fakeClient{}
		h := newHarness(t, client, nil)
		res := h.exec.Execute(context.Background(), chain.Chain{ID: "c", Steps: []chain.Step{{ID: "a"}}})
		require.Len(t, res.StepResults, 1)
		assert.Equal(t, "No API workflow format found", res.StepResults[0].Error)
		assert.Empty(t, client.submissions())
	})
	t.Run("no outputs", func(t *testing.T) {
		client := &fakeClient{monitorErr: map[int]error{0: comfy.ErrMonitorTimeout}}
		h := newHarness(t, client, nil)
		res := h.exec.Execute(context.Background(), chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil)}})
		require.Len(t, res.StepResults, 1)
		assert.Equal(t, "job-0", res.StepResults[0].JobID)
		assert.Contains(t, res.StepResults[0].Error, "No outputs detected or execution failed")
		assert.Equal(t, chain.StatusFailed, res.Status)
	})
}

func TestInterruptWhileIdle(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, nil)

	out := h.exec.Interrupt(context.Background())
	assert.True(t, out.Success)
	assert.Equal(t, 1, client.interrupts)

	done := completions(h.messages())
	require.Len(t, done, 1)
	assert.Equal(t, "Chain execution interrupted by user", done[0].Error)

	// A later run is not pre-cancelled.
	client.outputs = map[int][]comfy.Output{0: {{NodeID: "9", Filename: "a.png"}}}
	res := h.exec.Execute(context.Background(), chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil)}})
	assert.True(t, res.Success, res.Error)
}

type gateSettler struct{ entered chan struct{} }

func (g gateSettler) Settle(ctx context.Context, stop <-chan struct{}, _ []chain.CachedOutput) {
	g.entered <- struct{}{}
	select {
	case <-stop:
	case <-ctx.Done():
	}
}

func TestInterruptBetweenSteps(t *testing.T) {
	client := &fakeClient{outputs: map[int][]comfy.Output{0: {{NodeID: "9", Filename: "a.png"}}}}
	gate := gateSettler{entered: make(chan struct{}, 1)}
	h := newHarness(t, client, gate)

	_, done, err := h.exec.Start(context.Background(), chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil), loadStep("b", nil)}})
	require.NoError(t, err)
	<-gate.entered

	h.exec.Interrupt(context.Background())
	res := <-done

	assert.Equal(t, chain.StatusInterrupted, res.Status)
	assert.False(t, res.Success)
	require.Len(t, res.StepResults, 1)
	assert.True(t, res.StepResults[0].Success)
	assert.Len(t, client.submissions(), 1)
	assert.Len(t, completions(h.messages()), 1, "interrupt broadcasts the only completion")
}

func TestSecondExecutionIsBusy(t *testing.T) {
	client := &fakeClient{
		block:   make(chan struct{}),
		outputs: map[int][]comfy.Output{0: {{NodeID: "9", Filename: "a.png"}}},
	}
	h := newHarness(t, client, nil)
	c := chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil)}}

	id, done, err := h.exec.Start(context.Background(), c)
	require.NoError(t, err)
	active, ok := h.exec.Active()
	require.True(t, ok)
	assert.Equal(t, id, active)

	_, _, err = h.exec.Start(context.Background(), c)
	assert.ErrorIs(t, err, ErrBusy)
	res := h.exec.Execute(context.Background(), c)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrBusy.Error())

	close(client.block)
	assert.True(t, (<-done).Success)
	_, ok = h.exec.Active()
	assert.False(t, ok)
}

func TestCancelledContextEndsRunAsInterrupted(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	h := newHarness(t, client, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, done, err := h.exec.Start(ctx, chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil), loadStep("b", nil)}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(client.submissions()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	res := <-done
	assert.Equal(t, chain.StatusInterrupted, res.Status)
	require.Len(t, res.StepResults, 1)
	assert.Len(t, completions(h.messages()), 1)
}

func TestExecutionIDsAreUnique(t *testing.T) {
	client := &fakeClient{outputs: map[int][]comfy.Output{
		0: {{NodeID: "9", Filename: "a.png"}},
		1: {{NodeID: "9", Filename: "b.png"}},
	}}
	h := newHarness(t, client, nil)
	c := chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil)}}

	first := h.exec.Execute(context.Background(), c)
	second := h.exec.Execute(context.Background(), c)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
}

type gatedRecorder struct{ release chan struct{} }

func (g gatedRecorder) Record(_, event string, _ int, _ map[string]any) {
	if event == tracelog.ExecutionStarted {
		<-g.release
	}
}

func TestInterruptBeforeRunGoroutineProceeds(t *testing.T) {
	client := &fakeClient{outputs: map[int][]comfy.Output{0: {{NodeID: "9", Filename: "a.png"}}}}
	h := newHarness(t, client, nil)
	gate := gatedRecorder{release: make(chan struct{})}
	h.exec.trace = gate

	_, done, err := h.exec.Start(context.Background(), chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil)}})
	require.NoError(t, err)
	assert.True(t, h.bcast.CurrentSnapshot().IsExecuting, "snapshot is published before Start returns")

	h.exec.Interrupt(context.Background())
	close(gate.release)
	res := <-done

	assert.Equal(t, chain.StatusInterrupted, res.Status)
	assert.Empty(t, res.StepResults)
	assert.Empty(t, client.submissions())
	assert.False(t, h.bcast.CurrentSnapshot().IsExecuting)
	finals := completions(h.messages())
	require.Len(t, finals, 1)
	assert.Equal(t, "Chain execution interrupted by user", finals[0].Error)
}

type panickingStager struct{}

func (panickingStager) Cache(context.Context, []comfy.Output, string, string) []chain.CachedOutput {
	panic("staging area vanished")
}

func TestPanicDuringStepFailsExecution(t *testing.T) {
	client := &fakeClient{outputs: map[int][]comfy.Output{0: {{NodeID: "9", Filename: "a.png"}}}}
	h := newHarness(t, client, nil)
	h.exec.stager = panickingStager{}

	res := h.exec.Execute(context.Background(), chain.Chain{ID: "c", Steps: []chain.Step{loadStep("a", nil)}})

	assert.False(t, res.Success)
	assert.Equal(t, chain.StatusFailed, res.Status)
	assert.Equal(t, "staging area vanished", res.Error)
	done := completions(h.messages())
	require.Len(t, done, 1)
	require.NotNil(t, done[0].Success)
	assert.False(t, *done[0].Success)
	assert.Equal(t, "staging area vanished", done[0].Error)
	assert.False(t, h.bcast.CurrentSnapshot().IsExecuting)
	_, active := h.exec.Active()
	assert.False(t, active)
}
