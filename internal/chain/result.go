package chain

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// CachedOutput is an artifact staged for reuse by later steps. CachedPath is
// relative to the remote server's input area, which is how a later job graph
// refers to it.
type CachedOutput struct {
	SourceNodeID string `json:"nodeId"`
	Filename     string `json:"filename"`
	Subfolder    string `json:"subfolder"`
	OriginalPath string `json:"originalPath"`
	CachedPath   string `json:"cachedPath"`
}

// StepResult records what happened to one step.
type StepResult struct {
	Success  bool           `json:"success"`
	StepID   string         `json:"nodeId"`
	StepName string         `json:"nodeName,omitempty"`
	JobID    string         `json:"promptId,omitempty"`
	Outputs  []CachedOutput `json:"outputs,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ExecutionResult is returned by every execute call, successful or not.
type ExecutionResult struct {
	Success     bool         `json:"success"`
	ExecutionID string       `json:"executionId,omitempty"`
	Status      Status       `json:"status"`
	StepResults []StepResult `json:"nodeResults"`
	Error       string       `json:"error,omitempty"`
}
