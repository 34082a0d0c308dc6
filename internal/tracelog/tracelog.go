package tracelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Event kinds written by the chain executor.
const (
	ExecutionStarted  = "execution_started"
	StepRunning       = "step_running"
	BindingResolved   = "binding_resolved"
	JobSubmitted      = "job_submitted"
	StepCompleted     = "step_completed"
	StepFailed        = "step_failed"
	ExecutionFinished = "execution_finished"

	InterruptRequested = "interrupt_requested"
)

var executionIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Entry is one persisted line of an execution trace.
type Entry struct {
	Timestamp   string         `json:"timestamp"`
	ExecutionID string         `json:"executionId"`
	Event       string         `json:"event"`
	Step        *int           `json:"step,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Logger appends execution traces to one JSONL file per execution.
type Logger struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func DefaultDir() string {
	return filepath.Join("tmp", "chain_logs")
}

func New(dir string) *Logger {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		trimmed = DefaultDir()
	}
	return &Logger{dir: trimmed, now: time.Now}
}

func sanitize(executionID string) string {
	id := executionIDSanitizer.ReplaceAllString(strings.TrimSpace(executionID), "_")
	if id == "" {
		return "unknown"
	}
	return id
}

func (l *Logger) path(executionID string) string {
	return filepath.Join(l.dir, sanitize(executionID)+".jsonl")
}

// Record appends one event. step is the zero-based step index, or -1 for
// execution-level events. Write failures are dropped.
func (l *Logger) Record(executionID, event string, step int, fields map[string]any) {
	if l == nil || strings.TrimSpace(executionID) == "" {
		return
	}
	entry := Entry{
		Timestamp:   l.now().UTC().Format(time.RFC3339Nano),
		ExecutionID: strings.TrimSpace(executionID),
		Event:       event,
	}
	if step >= 0 {
		entry.Step = &step
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	raw = append(raw, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_ = os.MkdirAll(l.dir, 0o755)
	f, err := os.OpenFile(l.path(executionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(raw)
}

// Read returns every entry recorded for executionID, oldest first. An
// unknown execution yields an empty slice.
func (l *Logger) Read(executionID string) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	f, err := os.Open(l.path(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	out := make([]Entry, 0, 32)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan trace file: %w", err)
	}
	return out, nil
}
