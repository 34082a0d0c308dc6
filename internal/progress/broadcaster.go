package progress

import (
	"log"
	"sync"
	"time"

	"chainrunner/internal/chain"
)

// MessageType is the envelope type of every progress message.
const MessageType = "chain_progress"

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type StepState struct {
	Index  int        `json:"index"`
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Snapshot is the full progress state sent to observers. Identity fields are
// null while idle.
type Snapshot struct {
	IsExecuting  bool        `json:"isExecuting"`
	ChainID      *string     `json:"chainId"`
	ChainName    *string     `json:"chainName"`
	ExecutionID  *string     `json:"executionId"`
	CurrentIndex *int        `json:"currentWorkflowIndex"`
	Steps        []StepState `json:"workflows"`
	Completed    bool        `json:"completed,omitempty"`
	Success      *bool       `json:"success,omitempty"`
	Error        string      `json:"error,omitempty"`
	Timestamp    string      `json:"timestamp"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Steps = append([]StepState{}, s.Steps...)
	if s.CurrentIndex != nil {
		idx := *s.CurrentIndex
		out.CurrentIndex = &idx
	}
	return out
}

type Message struct {
	Type string   `json:"type"`
	Data Snapshot `json:"data"`
}

// Observer receives progress messages. Send is called with the broadcaster
// lock held and must not block; an error unsubscribes the observer.
type Observer interface {
	ID() string
	Send(Message) error
}

// Broadcaster owns the single current snapshot and fans every transition out
// to its observers in call order.
type Broadcaster struct {
	mu        sync.Mutex
	observers []Observer
	current   *Snapshot
	now       func() time.Time
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{now: time.Now}
}

// WithClock replaces the timestamp source.
func (b *Broadcaster) WithClock(now func() time.Time) *Broadcaster {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

func (b *Broadcaster) stamp() string {
	return b.now().UTC().Format(time.RFC3339Nano)
}

func (b *Broadcaster) idle() Snapshot {
	return Snapshot{Steps: []StepState{}, Timestamp: b.stamp()}
}

// Subscribe registers o and immediately sends it the current snapshot, or an
// idle one when nothing runs. Subscribing the same id twice replaces the
// earlier observer.
func (b *Broadcaster) Subscribe(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(o.ID())
	var snap Snapshot
	if b.current != nil {
		snap = b.current.clone()
	} else {
		snap = b.idle()
	}
	if err := o.Send(Message{Type: MessageType, Data: snap}); err != nil {
		log.Printf("progress: initial send to %s failed: %v", o.ID(), err)
		return
	}
	b.observers = append(b.observers, o)
}

// Unsubscribe is safe to call for unknown or already removed ids.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broadcaster) removeLocked(id string) {
	for i, o := range b.observers {
		if o.ID() == id {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

// Observers returns the number of registered observers.
func (b *Broadcaster) Observers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

func (b *Broadcaster) StartExecution(chainID, chainName, executionID string, steps []chain.Step) {
	states := make([]StepState, len(steps))
	for i, s := range steps {
		name := s.Name
		if name == "" {
			name = "Unnamed"
		}
		states[i] = StepState{Index: i, ID: s.ID, Name: name, Status: StepPending}
	}
	zero := 0

	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = &Snapshot{
		IsExecuting:  true,
		ChainID:      &chainID,
		ChainName:    &chainName,
		ExecutionID:  &executionID,
		CurrentIndex: &zero,
		Steps:        states,
		Timestamp:    b.stamp(),
	}
	b.broadcastLocked(*b.current)
}

// UpdateStep records a step transition. The current index moves to index when
// a step starts running and past it when a non-final step completes.
func (b *Broadcaster) UpdateStep(index int, status StepStatus, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return
	}

	next := b.current.clone()
	if index >= 0 && index < len(next.Steps) {
		next.Steps[index].Status = status
		if errMsg != "" {
			next.Steps[index].Error = errMsg
		}
	}
	switch {
	case status == StepRunning:
		next.CurrentIndex = &index
	case status == StepCompleted && index < len(next.Steps)-1:
		after := index + 1
		next.CurrentIndex = &after
	}
	next.Timestamp = b.stamp()
	b.current = &next
	b.broadcastLocked(next)
}

// CompleteExecution broadcasts a terminal snapshot and returns to idle. It
// also broadcasts when nothing is running, so observers of an interrupted
// idle broadcaster still see a well-formed completion.
func (b *Broadcaster) CompleteExecution(success bool, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	final := Snapshot{Steps: []StepState{}}
	if b.current != nil {
		final = b.current.clone()
	}
	final.IsExecuting = false
	final.CurrentIndex = nil
	final.Completed = true
	final.Success = &success
	final.Error = errMsg
	final.Timestamp = b.stamp()

	b.broadcastLocked(final)
	b.current = nil
}

// CurrentSnapshot returns the running snapshot or the idle default.
func (b *Broadcaster) CurrentSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return b.idle()
	}
	return b.current.clone()
}

func (b *Broadcaster) broadcastLocked(snap Snapshot) {
	if len(b.observers) == 0 {
		return
	}
	targets := append([]Observer(nil), b.observers...)
	for _, o := range targets {
		if err := o.Send(Message{Type: MessageType, Data: snap.clone()}); err != nil {
			log.Printf("progress: drop observer %s: %v", o.ID(), err)
			b.removeLocked(o.ID())
		}
	}
}
