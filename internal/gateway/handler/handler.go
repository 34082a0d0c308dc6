package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"chainrunner/internal/chain"
	"chainrunner/internal/executor"
	"chainrunner/internal/gateway/repository/archive"
	"chainrunner/internal/gateway/repository/chainstore"
	"chainrunner/internal/progress"
	"chainrunner/internal/tracelog"
)

// Runner starts and interrupts chain executions. *executor.Executor
// satisfies it.
type Runner interface {
	Start(ctx context.Context, c chain.Chain) (string, <-chan chain.ExecutionResult, error)
	Interrupt(ctx context.Context) executor.InterruptResult
}

// ProgressSource is the broadcaster as the progress endpoints see it.
type ProgressSource interface {
	Subscribe(o progress.Observer)
	Unsubscribe(id string)
	CurrentSnapshot() progress.Snapshot
}

type TraceReader interface {
	Read(executionID string) ([]tracelog.Entry, error)
}

type Deps struct {
	Store    chainstore.Store
	Runner   Runner
	Progress ProgressSource
	Trace    TraceReader
	// Archive is optional.
	Archive archive.Store
	// Background scopes executions; they outlive the request that started them.
	Background context.Context
}

// ChainHandler serves the chain HTTP and websocket surface.
type ChainHandler struct {
	store    chainstore.Store
	runner   Runner
	progress ProgressSource
	trace    TraceReader
	archive  archive.Store
	bg       context.Context
}

func NewChainHandler(d Deps) *ChainHandler {
	bg := d.Background
	if bg == nil {
		bg = context.Background()
	}
	return &ChainHandler{
		store:    d.Store,
		runner:   d.Runner,
		progress: d.Progress,
		trace:    d.Trace,
		archive:  d.Archive,
		bg:       bg,
	}
}

// Register mounts every endpoint under prefix.
func (h *ChainHandler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix+"/list", h.HandleList)
	mux.HandleFunc("GET "+prefix+"/content/{id}", h.HandleContent)
	mux.HandleFunc("GET "+prefix+"/summary/{id}", h.HandleSummary)
	mux.HandleFunc("POST "+prefix+"/save", h.HandleSave)
	mux.HandleFunc("DELETE "+prefix+"/delete", h.HandleDelete)
	mux.HandleFunc("POST "+prefix+"/execute", h.HandleExecute)
	mux.HandleFunc("POST "+prefix+"/interrupt", h.HandleInterrupt)
	mux.HandleFunc("GET "+prefix+"/progress", h.HandleProgressWS)
	mux.HandleFunc("GET "+prefix+"/progress/state", h.HandleProgressState)
	mux.HandleFunc("GET "+prefix+"/executions/{executionId}/logs", h.HandleExecutionLogs)
	mux.HandleFunc("GET "+prefix+"/executions/{executionId}/artifacts", h.HandleExecutionArtifacts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}
