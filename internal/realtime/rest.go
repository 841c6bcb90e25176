package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"partbatch/internal/batch"
	"partbatch/internal/host"
	"partbatch/internal/protocol"
)

const maxBodyBytes = 4 << 20

type extractRequest struct {
	Part string `json:"part"`
}

type submitResponse struct {
	Batch      batch.Summary                    `json:"batch"`
	Validation *protocol.BatchValidationPayload `json:"validation,omitempty"`
}

type errorResponse struct {
	Error      string                           `json:"error"`
	Validation *protocol.BatchValidationPayload `json:"validation,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sum, v, err := s.submit(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, batch.ErrBatchRunning) {
			status = http.StatusConflict
		}
		resp := errorResponse{Error: err.Error()}
		if len(v.Rejected) > 0 {
			p := validationPayload("", v)
			resp.Validation = &p
		}
		writeJSON(w, status, resp)
		return
	}

	resp := submitResponse{Batch: sum}
	if len(v.Rejected) > 0 || len(v.Renamed) > 0 {
		p := validationPayload(sum.ID, v)
		resp.Validation = &p
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.List())
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sum, err := s.runner.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleExtractDimensions(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Part == "" {
		writeError(w, http.StatusBadRequest, "part is required")
		return
	}

	dims, err := s.runner.Catalog(r.Context(), req.Part, nil)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, batch.ErrBatchRunning):
			status = http.StatusConflict
		case errors.Is(err, host.ErrNotFound):
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, protocol.DimensionsResultPayload{Part: req.Part, Dimensions: dims})
}
