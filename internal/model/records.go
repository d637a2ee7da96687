package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Upload types as stored in the ledger and the server's upload history.
const (
	UploadTypeDaily   = "daily"
	UploadTypeSession = "session"
	UploadTypeBlock   = "block"
)

// BlockDuration is the fixed billing window length.
const BlockDuration = 5 * time.Hour

// DailyAggregate sums all events on one UTC calendar date for a (user, machine) pair.
// It is recomputed from the full event set on every run, never partially patched.
type DailyAggregate struct {
	UserID              string   `json:"user_id"`
	MachineID           string   `json:"machine_id"`
	Date                string   `json:"date"` // 2006-01-02, UTC
	InputTokens         int64    `json:"input_tokens"`
	OutputTokens        int64    `json:"output_tokens"`
	CacheCreationTokens int64    `json:"cache_creation_tokens"`
	CacheReadTokens     int64    `json:"cache_read_tokens"`
	TotalCost           float64  `json:"total_cost"`
	ModelsUsed          []string `json:"models_used"`
	EntryCount          int64    `json:"entry_count"`
}

// ID returns the deterministic upload identifier for the aggregate.
func (d DailyAggregate) ID() string {
	return RecordID(d.UserID, d.MachineID, UploadTypeDaily, d.Date)
}

// SessionRecord covers one contiguous session: span is min/max event timestamp,
// totals are summed over every event sharing the session ID.
type SessionRecord struct {
	UserID              string     `json:"user_id"`
	MachineID           string     `json:"machine_id"`
	SessionID           string     `json:"session_id"`
	ProjectPath         string     `json:"project_path,omitempty"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             time.Time  `json:"end_time"`
	DurationMinutes     *int64     `json:"duration_minutes,omitempty"` // nil for single-event sessions
	InputTokens         int64      `json:"input_tokens"`
	OutputTokens        int64      `json:"output_tokens"`
	CacheCreationTokens int64      `json:"cache_creation_tokens"`
	CacheReadTokens     int64      `json:"cache_read_tokens"`
	TotalCost           float64    `json:"total_cost"`
	ModelsUsed          []string   `json:"models_used"`
	EntryCount          int64      `json:"entry_count"`
}

// ID returns the deterministic upload identifier for the session.
func (s SessionRecord) ID() string {
	return RecordID(s.UserID, s.MachineID, UploadTypeSession, s.SessionID)
}

// BlockRecord is a fixed 5-hour billing window. At most one block per
// (user, machine) is active at a time; closed blocks are immutable apart
// from the final actual_end_time stamp.
type BlockRecord struct {
	UserID              string     `json:"user_id"`
	MachineID           string     `json:"machine_id"`
	BlockID             string     `json:"block_id"` // RFC3339 of the block start
	StartTime           time.Time  `json:"start_time"`
	EndTime             time.Time  `json:"end_time"` // StartTime + 5h
	ActualEndTime       *time.Time `json:"actual_end_time,omitempty"`
	IsActive            bool       `json:"is_active"`
	InputTokens         int64      `json:"input_tokens"`
	OutputTokens        int64      `json:"output_tokens"`
	CacheCreationTokens int64      `json:"cache_creation_tokens"`
	CacheReadTokens     int64      `json:"cache_read_tokens"`
	TotalCost           float64    `json:"total_cost"`
	ModelsUsed          []string   `json:"models_used"`
	EntryCount          int64      `json:"entry_count"`
}

// ID returns the deterministic upload identifier for the block.
func (b BlockRecord) ID() string {
	return RecordID(b.UserID, b.MachineID, UploadTypeBlock, b.BlockID)
}

// RecordID derives the stable identifier used by the client ledger and the
// server upload history: hex SHA-256 over user, machine, upload type and the
// record's natural key. The same inputs always hash to the same identifier,
// which is what makes repeated deliveries converge on one history row.
func RecordID(userID, machineID, uploadType, naturalKey string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{userID, machineID, uploadType, naturalKey}, "|")))
	return hex.EncodeToString(sum[:])
}
