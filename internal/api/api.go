// Package api defines the wire types shared by the upload client and the
// ingestion server.
package api

import "encoding/json"

// Record statuses returned per submitted record.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// BatchRequest carries one chunk of aggregates of a single granularity.
// Record payloads are granularity-specific (model.DailyAggregate,
// model.SessionRecord or model.BlockRecord).
type BatchRequest struct {
	Records []json.RawMessage `json:"records"`
}

// RecordStatus is the per-record outcome of a batch submission. Items are
// independent: a rejected record never blocks its neighbours.
type RecordStatus struct {
	Index      int    `json:"index"`
	Identifier string `json:"identifier,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// BatchResponse reconciles a batch item-by-item.
type BatchResponse struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []RecordStatus `json:"results"`
}

// SingleRequest submits one record outside a batch.
type SingleRequest struct {
	Type   string          `json:"type"` // daily | session | block
	Record json.RawMessage `json:"record"`
}

// ErrorResponse is the body of a non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
