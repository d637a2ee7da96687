package handlers

import (
	"fmt"
	"time"

	"github.com/usagepulse/usagepulse/internal/model"
)

// maxReasonableCost guards against corrupted cost figures; no single
// aggregate plausibly exceeds this in USD.
const maxReasonableCost = 1e6

func validateTokens(in, out, cacheCreate, cacheRead, entries int64) error {
	for _, v := range []int64{in, out, cacheCreate, cacheRead} {
		if v < 0 {
			return fmt.Errorf("negative token count")
		}
	}
	if entries <= 0 {
		return fmt.Errorf("entry_count must be positive")
	}
	return nil
}

func validateCost(cost float64) error {
	if cost < 0 || cost > maxReasonableCost {
		return fmt.Errorf("total_cost out of range")
	}
	return nil
}

func validateDaily(rec model.DailyAggregate) error {
	if rec.MachineID == "" {
		return fmt.Errorf("machine_id is required")
	}
	if _, err := time.Parse("2006-01-02", rec.Date); err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD")
	}
	if err := validateTokens(rec.InputTokens, rec.OutputTokens, rec.CacheCreationTokens, rec.CacheReadTokens, rec.EntryCount); err != nil {
		return err
	}
	return validateCost(rec.TotalCost)
}

func validateSession(rec model.SessionRecord) error {
	if rec.MachineID == "" {
		return fmt.Errorf("machine_id is required")
	}
	if rec.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if rec.StartTime.IsZero() || rec.EndTime.IsZero() {
		return fmt.Errorf("start_time and end_time are required")
	}
	if rec.EndTime.Before(rec.StartTime) {
		return fmt.Errorf("end_time precedes start_time")
	}
	if rec.DurationMinutes != nil && *rec.DurationMinutes < 0 {
		return fmt.Errorf("negative duration")
	}
	if err := validateTokens(rec.InputTokens, rec.OutputTokens, rec.CacheCreationTokens, rec.CacheReadTokens, rec.EntryCount); err != nil {
		return err
	}
	return validateCost(rec.TotalCost)
}

func validateBlock(rec model.BlockRecord) error {
	if rec.MachineID == "" {
		return fmt.Errorf("machine_id is required")
	}
	if rec.BlockID == "" {
		return fmt.Errorf("block_id is required")
	}
	if _, err := time.Parse(time.RFC3339, rec.BlockID); err != nil {
		return fmt.Errorf("block_id must be an RFC3339 timestamp")
	}
	if rec.StartTime.IsZero() || rec.EndTime.IsZero() {
		return fmt.Errorf("start_time and end_time are required")
	}
	if !rec.EndTime.Equal(rec.StartTime.Add(model.BlockDuration)) {
		return fmt.Errorf("end_time must be start_time plus the block duration")
	}
	if err := validateTokens(rec.InputTokens, rec.OutputTokens, rec.CacheCreationTokens, rec.CacheReadTokens, rec.EntryCount); err != nil {
		return err
	}
	return validateCost(rec.TotalCost)
}
