package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chainrunner/internal/binding"
	"chainrunner/internal/chain"
	"chainrunner/internal/comfy"
	"chainrunner/internal/progress"
	"chainrunner/internal/tracelog"
)

var ErrBusy = errors.New("a chain execution is already running")

const (
	interruptedMessage = "Chain execution interrupted by user"
	noGraphMessage     = "No API workflow format found"
	noOutputsMessage   = "No outputs detected or execution failed"
	submitMessage      = "Failed to submit workflow"
)

// JobClient is the remote job server as the executor sees it.
type JobClient interface {
	Submit(ctx context.Context, graph chain.Graph) (string, error)
	Monitor(ctx context.Context, jobID string, graph chain.Graph) ([]comfy.Output, error)
	Interrupt(ctx context.Context) error
}

// Stager persists raw outputs where later steps can reference them.
type Stager interface {
	Cache(ctx context.Context, outputs []comfy.Output, stepID, executionID string) []chain.CachedOutput
}

// Publisher receives every progress transition.
type Publisher interface {
	StartExecution(chainID, chainName, executionID string, steps []chain.Step)
	UpdateStep(index int, status progress.StepStatus, errMsg string)
	CompleteExecution(success bool, errMsg string)
}

// Recorder persists an execution trace. *tracelog.Logger satisfies it.
type Recorder interface {
	Record(executionID, event string, step int, fields map[string]any)
}

type Options struct {
	Client   JobClient
	Stager   Stager
	Progress Publisher
	Settler  Settler
	Trace    Recorder
	Now      func() time.Time
}

// Executor runs chains one at a time. A second Start while a run is active
// fails with ErrBusy.
type Executor struct {
	client   JobClient
	stager   Stager
	progress Publisher
	settler  Settler
	trace    Recorder
	now      func() time.Time

	mu     sync.Mutex
	active *run
	lastID int64
}

// run is the state of one in-flight execution. stop is closed by Interrupt.
type run struct {
	id       string
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *run) signal() { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func New(opts Options) (*Executor, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("job client is required")
	}
	if opts.Stager == nil {
		return nil, fmt.Errorf("stager is required")
	}
	if opts.Progress == nil {
		opts.Progress = progress.NewBroadcaster()
	}
	if opts.Settler == nil {
		opts.Settler = FixedDelay{Delay: DefaultSettleDelay}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		client:   opts.Client,
		stager:   opts.Stager,
		progress: opts.Progress,
		settler:  opts.Settler,
		trace:    opts.Trace,
		now:      opts.Now,
	}, nil
}

// Active returns the id of the running execution, if any.
func (e *Executor) Active() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return "", false
	}
	return e.active.id, true
}

// Execute runs c to completion and returns its result. It never returns a Go
// error: every failure is described by the result.
func (e *Executor) Execute(ctx context.Context, c chain.Chain) chain.ExecutionResult {
	_, done, err := e.Start(ctx, c)
	if err != nil {
		return chain.ExecutionResult{Success: false, Status: chain.StatusPending, StepResults: []chain.StepResult{}, Error: err.Error()}
	}
	return <-done
}

// Start validates c, claims the executor and runs c in the background. The
// result is delivered once on the returned channel. Validation failures and
// ErrBusy are returned before anything is broadcast or submitted.
func (e *Executor) Start(ctx context.Context, c chain.Chain) (string, <-chan chain.ExecutionResult, error) {
	if err := c.Validate(); err != nil {
		return "", nil, err
	}
	c = c.Clone()
	r, err := e.claim(c)
	if err != nil {
		return "", nil, err
	}
	done := make(chan chain.ExecutionResult, 1)
	go func() {
		res := e.execute(ctx, r, c)
		e.release(r)
		done <- res
	}()
	return r.id, done, nil
}

// claim marks r active and publishes its starting snapshot under the same
// lock Interrupt takes, so an interrupt never lands before the snapshot.
func (e *Executor) claim(c chain.Chain) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrBusy, e.active.id)
	}
	ms := e.now().UnixMilli()
	if ms <= e.lastID {
		ms = e.lastID + 1
	}
	e.lastID = ms
	r := &run{id: fmt.Sprintf("exec-%d", ms), stop: make(chan struct{})}
	e.active = r
	log.Printf("chain executor: %s starting chain %q with %d steps", r.id, c.DisplayName(), len(c.Steps))
	e.progress.StartExecution(c.ID, c.DisplayName(), r.id, c.Steps)
	return r, nil
}

func (e *Executor) release(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == r {
		e.active = nil
	}
}

func (e *Executor) record(r *run, event string, step int, fields map[string]any) {
	if e.trace == nil {
		return
	}
	e.trace.Record(r.id, event, step, fields)
}

func (e *Executor) execute(ctx context.Context, r *run, c chain.Chain) (res chain.ExecutionResult) {
	res = chain.ExecutionResult{
		ExecutionID: r.id,
		Status:      chain.StatusRunning,
		StepResults: make([]chain.StepResult, 0, len(c.Steps)),
	}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("chain executor: %s panicked: %v", r.id, p)
			res.Success = false
			res.Status = chain.StatusFailed
			res.Error = fmt.Sprint(p)
			e.progress.CompleteExecution(false, res.Error)
		}
		e.record(r, tracelog.ExecutionFinished, -1, map[string]any{
			"status": string(res.Status),
			"error":  res.Error,
		})
	}()

	e.record(r, tracelog.ExecutionStarted, -1, map[string]any{
		"chainId":   c.ID,
		"chainName": c.DisplayName(),
		"steps":     len(c.Steps),
	})

	resolver := binding.Resolver{Steps: c.Steps, Cache: binding.NewOutputCache()}
	for i, step := range c.Steps {
		if r.stopped() || ctx.Err() != nil {
			return e.interrupted(r, res)
		}

		log.Printf("chain executor: %s step %d/%d: %s", r.id, i+1, len(c.Steps), step.DisplayName())
		e.progress.UpdateStep(i, progress.StepRunning, "")
		e.record(r, tracelog.StepRunning, i, map[string]any{"stepId": step.ID})

		sr := e.runStep(ctx, r, resolver, step, i)
		res.StepResults = append(res.StepResults, sr)

		if !sr.Success {
			e.progress.UpdateStep(i, progress.StepFailed, sr.Error)
			e.record(r, tracelog.StepFailed, i, map[string]any{"stepId": step.ID, "error": sr.Error})
			if r.stopped() || ctx.Err() != nil {
				return e.interrupted(r, res)
			}
			res.Status = chain.StatusFailed
			res.Error = fmt.Sprintf("Workflow node %d failed: %s", i+1, sr.Error)
			log.Printf("chain executor: %s: %s", r.id, res.Error)
			e.progress.CompleteExecution(false, res.Error)
			return res
		}

		e.progress.UpdateStep(i, progress.StepCompleted, "")
		e.record(r, tracelog.StepCompleted, i, map[string]any{
			"stepId":  step.ID,
			"jobId":   sr.JobID,
			"outputs": len(sr.Outputs),
		})

		if i < len(c.Steps)-1 {
			e.progress.UpdateStep(i+1, progress.StepWaiting, "")
			e.settler.Settle(ctx, r.stop, sr.Outputs)
		}
	}

	res.Success = true
	res.Status = chain.StatusCompleted
	log.Printf("chain executor: %s completed", r.id)
	e.progress.CompleteExecution(true, "")
	return res
}

// interrupted finishes a run stopped at a safe point. Interrupt already
// broadcast the completion; a cancelled context has not.
func (e *Executor) interrupted(r *run, res chain.ExecutionResult) chain.ExecutionResult {
	res.Success = false
	res.Status = chain.StatusInterrupted
	res.Error = interruptedMessage
	log.Printf("chain executor: %s interrupted after %d steps", r.id, len(res.StepResults))
	if !r.stopped() {
		e.progress.CompleteExecution(false, interruptedMessage)
	}
	return res
}

func (e *Executor) runStep(ctx context.Context, r *run, resolver binding.Resolver, step chain.Step, index int) chain.StepResult {
	sr := chain.StepResult{StepID: step.ID, StepName: step.DisplayName()}
	if len(step.JobGraph) == 0 {
		sr.Error = noGraphMessage
		return sr
	}

	graph, report := resolver.Resolve(step.JobGraph, step.InputBindings, index)
	if len(report) > 0 {
		e.record(r, tracelog.BindingResolved, index, map[string]any{"bindings": report})
	}

	jobID, err := e.client.Submit(ctx, graph)
	if err != nil {
		log.Printf("chain executor: %s step %d submit: %v", r.id, index+1, err)
		sr.Error = fmt.Sprintf("%s: %v", submitMessage, err)
		return sr
	}
	sr.JobID = jobID
	e.record(r, tracelog.JobSubmitted, index, map[string]any{"jobId": jobID})

	outputs, err := e.client.Monitor(ctx, jobID, graph)
	if err != nil || len(outputs) == 0 {
		sr.Error = noOutputsMessage
		if err != nil {
			log.Printf("chain executor: %s step %d monitor: %v", r.id, index+1, err)
			sr.Error = fmt.Sprintf("%s: %v", noOutputsMessage, err)
		}
		return sr
	}

	cached := e.stager.Cache(ctx, outputs, step.ID, r.id)
	for _, o := range cached {
		resolver.Cache.Put(step.ID, o.SourceNodeID, o.CachedPath)
	}
	if len(cached) < len(outputs) {
		log.Printf("chain executor: %s step %d: cached %d of %d outputs", r.id, index+1, len(cached), len(outputs))
	}
	sr.Success = true
	sr.Outputs = cached
	return sr
}

// InterruptResult is the outcome of an interrupt request.
type InterruptResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Interrupt stops the active execution at its next safe point, asks the
// remote server to cancel its current job and broadcasts an interrupted
// completion. It does the same when nothing is running.
func (e *Executor) Interrupt(ctx context.Context) InterruptResult {
	e.mu.Lock()
	r := e.active
	if r != nil {
		r.signal()
	}
	e.progress.CompleteExecution(false, interruptedMessage)
	e.mu.Unlock()

	if err := e.client.Interrupt(ctx); err != nil {
		log.Printf("chain executor: remote interrupt not delivered: %v", err)
	}

	if r != nil {
		e.record(r, tracelog.InterruptRequested, -1, nil)
	}
	return InterruptResult{Success: true, Message: "Chain execution interrupted"}
}
