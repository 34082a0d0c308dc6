package handler

import (
	"log"
	"net/http"
	"strings"
)

func (h *ChainHandler) HandleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	executionID := strings.TrimSpace(r.PathValue("executionId"))
	if executionID == "" {
		writeError(w, http.StatusBadRequest, "executionId is required")
		return
	}
	if h.trace == nil {
		writeError(w, http.StatusNotFound, "execution trace disabled")
		return
	}
	events, err := h.trace.Read(executionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": executionID,
		"events":      events,
	})
}

type artifactRef struct {
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
}

// HandleExecutionArtifacts lists what the archive holds for an execution.
// URLs are present only for backends that can presign.
func (h *ChainHandler) HandleExecutionArtifacts(w http.ResponseWriter, r *http.Request) {
	executionID := strings.TrimSpace(r.PathValue("executionId"))
	if executionID == "" {
		writeError(w, http.StatusBadRequest, "executionId is required")
		return
	}
	out := []artifactRef{}
	if h.archive == nil {
		writeJSON(w, http.StatusOK, map[string]any{"executionId": executionID, "artifacts": out})
		return
	}
	paths, err := h.archive.List(r.Context(), executionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, p := range paths {
		ref := artifactRef{Path: p}
		u, err := h.archive.GetURL(r.Context(), executionID, p)
		if err != nil {
			log.Printf("chain handler: presign %s/%s: %v", executionID, p, err)
		}
		ref.URL = u
		out = append(out, ref)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": executionID,
		"artifacts":   out,
	})
}
