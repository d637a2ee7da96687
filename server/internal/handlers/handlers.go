package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/usagepulse/usagepulse/internal/api"
	"github.com/usagepulse/usagepulse/internal/impact"
	"github.com/usagepulse/usagepulse/internal/model"
	"github.com/usagepulse/usagepulse/server/internal/auth"
	"github.com/usagepulse/usagepulse/server/internal/database"
)

// MaxBatchBytes is the payload cap on batch endpoints.
const MaxBatchBytes = 10 << 20

// Handler holds dependencies for the ingestion and read API.
type Handler struct {
	db  *database.DB
	log *slog.Logger
}

// New creates a Handler.
func New(db *database.DB, log *slog.Logger) *Handler {
	return &Handler{db: db, log: log}
}

// upsert applies one record. A validation failure is final for that record
// (the client drops it); a storage failure is not a verdict on the record
// and must surface as a retryable server error instead. The store writes
// the aggregate row and its upload-history row in a single transaction.
func (h *Handler) upsert(userID, uploadType string, raw json.RawMessage) (identifier string, invalid, storeErr error) {
	switch uploadType {
	case model.UploadTypeDaily:
		var rec model.DailyAggregate
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", err, nil
		}
		if err := validateDaily(rec); err != nil {
			return "", err, nil
		}
		return model.RecordID(userID, rec.MachineID, uploadType, rec.Date),
			nil, h.db.UpsertDaily(userID, rec)

	case model.UploadTypeSession:
		var rec model.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", err, nil
		}
		if err := validateSession(rec); err != nil {
			return "", err, nil
		}
		return model.RecordID(userID, rec.MachineID, uploadType, rec.SessionID),
			nil, h.db.UpsertSession(userID, rec)

	case model.UploadTypeBlock:
		var rec model.BlockRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", err, nil
		}
		if err := validateBlock(rec); err != nil {
			return "", err, nil
		}
		return model.RecordID(userID, rec.MachineID, uploadType, rec.BlockID),
			nil, h.db.UpsertBlock(userID, rec)
	}
	return "", errors.New("unknown upload type"), nil
}

// Batch returns the handler for POST /api/usage/{granularity}/batch.
// Records are independent: each one is validated and upserted on its own,
// and the response reports one status entry per submitted record.
func (h *Handler) Batch(uploadType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.GetUser(r.Context())
		if user == nil {
			h.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, MaxBatchBytes)
		var req api.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.jsonError(w, "payload exceeds size cap", http.StatusRequestEntityTooLarge)
				return
			}
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp := api.BatchResponse{Results: make([]api.RecordStatus, 0, len(req.Records))}
		for i, raw := range req.Records {
			id, invalid, storeErr := h.upsert(user.ID, uploadType, raw)
			if storeErr != nil {
				// Store unavailability halts the run; records already
				// upserted stay committed and the client retries the chunk.
				h.log.Error("store unavailable", "type", uploadType, "error", storeErr)
				h.jsonError(w, "storage failure", http.StatusInternalServerError)
				return
			}
			if invalid != nil {
				h.log.Warn("record rejected", "type", uploadType, "index", i, "error", invalid)
				resp.Rejected++
				resp.Results = append(resp.Results, api.RecordStatus{
					Index:  i,
					Status: api.StatusRejected,
					Error:  invalid.Error(),
				})
				continue
			}
			resp.Accepted++
			resp.Results = append(resp.Results, api.RecordStatus{
				Index:      i,
				Identifier: id,
				Status:     api.StatusAccepted,
			})
		}

		status := http.StatusOK
		if resp.Rejected > 0 {
			status = http.StatusMultiStatus
		}
		h.writeJSON(w, status, resp)
	}
}

// Single handles POST /api/usage: one record, any granularity.
func (h *Handler) Single(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		h.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBatchBytes)
	var req api.SingleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, invalid, storeErr := h.upsert(user.ID, req.Type, req.Record)
	if storeErr != nil {
		h.log.Error("store unavailable", "type", req.Type, "error", storeErr)
		h.jsonError(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if invalid != nil {
		h.jsonError(w, invalid.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, http.StatusOK, api.RecordStatus{
		Identifier: id,
		Status:     api.StatusAccepted,
	})
}

// dailyWithImpact decorates a daily aggregate with environmental estimates
// for the read API.
type dailyWithImpact struct {
	model.DailyAggregate
	Environment impact.Estimate `json:"environment"`
}

// ListDaily handles GET /api/usage/daily.
func (h *Handler) ListDaily(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		h.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	records, err := h.db.ListDaily(user.ID, queryLimit(r))
	if err != nil {
		h.jsonError(w, "failed to load usage", http.StatusInternalServerError)
		return
	}

	region := r.URL.Query().Get("region")
	out := make([]dailyWithImpact, 0, len(records))
	for _, rec := range records {
		representative := ""
		if len(rec.ModelsUsed) > 0 {
			representative = rec.ModelsUsed[0]
		}
		out = append(out, dailyWithImpact{
			DailyAggregate: rec,
			Environment: impact.EstimateUsage(representative, region,
				rec.InputTokens, rec.OutputTokens, rec.EntryCount),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

// ListSessions handles GET /api/usage/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		h.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	records, err := h.db.ListSessions(user.ID, queryLimit(r))
	if err != nil {
		h.jsonError(w, "failed to load usage", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// ListBlocks handles GET /api/usage/blocks.
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		h.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	records, err := h.db.ListBlocks(user.ID, queryLimit(r))
	if err != nil {
		h.jsonError(w, "failed to load usage", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func queryLimit(r *http.Request) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return 0
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("write response", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, msg string, status int) {
	h.writeJSON(w, status, api.ErrorResponse{Error: msg})
}
