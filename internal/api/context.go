package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/finsight/ragserver/internal/retrieval"
)

// maxRequestBody bounds the context request body (1 MiB).
const maxRequestBody = 1 << 20

// contextRequest is the body of POST /api/v1/context.
type contextRequest struct {
	Query               string  `json:"query"`
	CompanyID           string  `json:"companyId"`
	Limit               int     `json:"limit,omitempty"`
	SimilarityThreshold float32 `json:"similarityThreshold,omitempty"`
}

// contextHandler serves tenant-scoped context retrieval.
type contextHandler struct {
	logger    *slog.Logger
	retriever Retriever
}

func newContextHandler(logger *slog.Logger, retriever Retriever) *contextHandler {
	return &contextHandler{logger: logger, retriever: retriever}
}

func (h *contextHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req contextRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "companyId is required")
		return
	}
	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "companyId is not a valid UUID")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	if req.SimilarityThreshold < 0 || req.SimilarityThreshold > 1 {
		writeError(w, http.StatusBadRequest, "similarityThreshold must be between 0 and 1")
		return
	}

	result, err := h.retriever.RetrieveContext(r.Context(), req.Query, companyID, retrieval.Options{
		Limit:               req.Limit,
		SimilarityThreshold: req.SimilarityThreshold,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Internal details stay in the server log; the client gets a
		// generic failure.
		h.logger.Error("context retrieval failed",
			"company_id", companyID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "context retrieval failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
