package comfy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"chainrunner/internal/chain"
)

// DetectOutputNodes returns, in sorted order, the ids of nodes that persist an
// artifact: their inputs carry a filename_prefix and save_output is not
// explicitly false.
func DetectOutputNodes(graph chain.Graph) []string {
	var ids []string
	for _, id := range graph.NodeIDs() {
		inputs := graph[id].Inputs()
		if inputs == nil {
			continue
		}
		if _, ok := inputs["filename_prefix"]; !ok {
			continue
		}
		if save, ok := inputs["save_output"].(bool); ok && !save {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Monitor follows jobID on the event stream until every output node of graph
// has reported completion, the job finishes from the server's own cache, or the
// monitor timeout expires.
func (c *Client) Monitor(ctx context.Context, jobID string, graph chain.Graph) ([]Output, error) {
	expected := DetectOutputNodes(graph)
	if len(expected) == 0 {
		return nil, ErrNoOutputNodes
	}

	monitorCtx, cancel := context.WithTimeout(ctx, c.cfg.MonitorTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(monitorCtx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	defer conn.Close()

	// streamErr is written before msgs is closed and read only after.
	msgs := make(chan []byte, 64)
	var streamErr error
	go func() {
		defer close(msgs)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				streamErr = err
				return
			}
			// Binary frames carry preview images.
			if kind != websocket.TextMessage {
				continue
			}
			select {
			case msgs <- data:
			case <-monitorCtx.Done():
				return
			}
		}
	}()

	t := newTracker(jobID, expected)
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	lastPing := time.Now()

	for !t.done {
		select {
		case <-monitorCtx.Done():
			if ctx.Err() != nil {
				return nil, fmt.Errorf("monitor %s: %w", jobID, ctx.Err())
			}
			return nil, fmt.Errorf("%w: job %s after %s", ErrMonitorTimeout, jobID, c.cfg.MonitorTimeout)
		case data, ok := <-msgs:
			if !ok {
				if streamErr != nil {
					return nil, fmt.Errorf("event stream: %w", streamErr)
				}
				msgs = nil
				continue
			}
			ev, err := DecodeEvent(data)
			if err != nil {
				log.Printf("comfy: skip undecodable event: %v", err)
				continue
			}
			t.observe(ev)
		case <-poll.C:
			if time.Since(lastPing) >= c.cfg.PingInterval {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return nil, fmt.Errorf("event stream ping: %w", err)
				}
				lastPing = time.Now()
			}
			// The job may have finished before the stream was opened.
			if !t.seen {
				entry, found, err := c.History(monitorCtx, jobID)
				if err != nil {
					log.Printf("comfy: history poll for %s: %v", jobID, err)
					continue
				}
				if found {
					t.observeHistory(entry)
				}
			}
		}
	}

	if t.failed {
		return nil, fmt.Errorf("%w: %s", ErrExecutionFailed, t.failure)
	}

	if t.cached && len(t.missing()) > 0 {
		missing := t.missing()
		backfill, err := c.OutputsFromHistory(ctx, jobID, missing)
		if err != nil {
			log.Printf("comfy: history backfill for %s: %v", jobID, err)
		}
		for _, o := range backfill {
			t.capture(o)
		}
		log.Printf("comfy: job %s served from cache, %d/%d outputs after history backfill", jobID, len(t.outputs), len(expected))
	}
	return t.outputs, nil
}

// tracker classifies stream events for a single job. It holds no I/O so the
// classification rules can be driven directly from tests.
type tracker struct {
	jobID    string
	expected []string
	want     map[string]bool
	captured map[string]bool
	outputs  []Output

	seen    bool
	cached  bool
	done    bool
	failed  bool
	failure string
}

func newTracker(jobID string, expected []string) *tracker {
	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}
	return &tracker{
		jobID:    jobID,
		expected: expected,
		want:     want,
		captured: make(map[string]bool, len(expected)),
	}
}

func (t *tracker) complete() bool { return len(t.captured) == len(t.want) }

func (t *tracker) missing() []string {
	var out []string
	for _, id := range t.expected {
		if !t.captured[id] {
			out = append(out, id)
		}
	}
	return out
}

func (t *tracker) capture(o Output) {
	if !t.want[o.NodeID] || t.captured[o.NodeID] {
		return
	}
	t.captured[o.NodeID] = true
	t.outputs = append(t.outputs, o)
}

// finish marks an output node complete without a file to stage.
func (t *tracker) finish(nodeID string) {
	if t.want[nodeID] {
		t.captured[nodeID] = true
	}
}

func (t *tracker) fail(msg string) {
	t.failed = true
	t.failure = msg
	t.done = true
}

func (t *tracker) observe(ev Event) {
	switch e := ev.(type) {
	case ExecutionErrorEvent:
		if e.PromptID != t.jobID {
			return
		}
		t.seen = true
		msg := e.Message
		if msg == "" {
			msg = "execution error"
		}
		if e.NodeID != "" {
			msg = fmt.Sprintf("node %s (%s): %s", e.NodeID, e.NodeType, msg)
		}
		t.fail(msg)
	case ExecutionInterruptedEvent:
		if e.PromptID != t.jobID {
			return
		}
		t.seen = true
		t.fail("execution interrupted")
	case ExecutedEvent:
		if e.PromptID != t.jobID {
			return
		}
		t.seen = true
		if f, ok := e.Output.First(); ok {
			t.capture(Output{NodeID: e.Node, Filename: f.Filename, Subfolder: f.Subfolder, Type: f.Type})
		} else {
			log.Printf("comfy: job %s node %s executed without a file", t.jobID, e.Node)
			t.finish(e.Node)
		}
		if t.complete() {
			t.done = true
		}
	case ExecutionCachedEvent:
		if e.PromptID != t.jobID {
			return
		}
		t.seen = true
		t.cached = true
	case ExecutionSuccessEvent:
		if e.PromptID != t.jobID {
			return
		}
		t.seen = true
		if t.complete() {
			t.done = true
		}
	case ExecutingEvent:
		if e.PromptID != t.jobID {
			return
		}
		t.seen = true
		if e.Node == nil && (t.cached || t.complete()) {
			t.done = true
		}
	}
}

// observeHistory settles a job whose events were missed entirely.
func (t *tracker) observeHistory(entry HistoryEntry) {
	if entry.Status.StatusStr == "error" {
		t.seen = true
		t.fail("execution failed (reported by history)")
		return
	}
	if !entry.Status.Completed && len(entry.Outputs) == 0 {
		return
	}
	t.seen = true
	for _, o := range outputsFromEntry(entry, t.expected) {
		t.capture(o)
	}
	t.done = true
}

// IsTimeout reports whether err came from the monitor deadline.
func IsTimeout(err error) bool { return errors.Is(err, ErrMonitorTimeout) }
