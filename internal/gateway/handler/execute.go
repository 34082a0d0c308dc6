package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"chainrunner/internal/chain"
	"chainrunner/internal/executor"
)

type executeRequest struct {
	ChainID string `json:"chain_id"`
	Async   bool   `json:"async"`
}

// HandleExecute loads a stored chain and runs it. Synchronous calls answer
// with the execution result; async calls answer 202 once the run started.
func (h *ChainHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var in executeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id := strings.TrimSpace(in.ChainID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "chain_id is required")
		return
	}
	c, err := h.store.Load(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	executionID, done, err := h.runner.Start(h.bg, c)
	switch {
	case errors.Is(err, executor.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, chain.ErrNoSteps), errors.Is(err, chain.ErrInvalidChain):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if in.Async {
		go func() {
			res := <-done
			log.Printf("chain handler: %s finished with status %s", executionID, res.Status)
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":     true,
			"executionId": executionID,
			"message":     "Chain execution started",
		})
		return
	}

	res := <-done
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (h *ChainHandler) HandleInterrupt(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Interrupt(r.Context()))
}
