package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"chainrunner/internal/chain"
	"chainrunner/internal/gateway/repository/chainstore"
)

const maxChainBody = 16 << 20

func (h *ChainHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		log.Printf("chain handler: list: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chains":  list,
	})
}

func (h *ChainHandler) HandleContent(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chain":   c,
	})
}

func (h *ChainHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": s,
	})
}

// HandleSave stores the chain in the request body. A chain without an id
// gets a fresh one.
func (h *ChainHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxChainBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := chain.DecodeJSON(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	saved, err := h.store.Save(r.Context(), c)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chain":   saved,
	})
}

type chainRef struct {
	ChainID string `json:"chain_id"`
}

func (h *ChainHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var in chainRef
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id := strings.TrimSpace(in.ChainID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "chain_id is required")
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Chain deleted",
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chainstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chainstore.ErrInvalidID), errors.Is(err, chainstore.ErrInvalidChain):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("chain handler: store: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
