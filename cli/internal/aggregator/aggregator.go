// Package aggregator folds a usage-event stream into the three uploadable
// views: daily totals, sessions, and fixed 5-hour billing blocks.
package aggregator

import (
	"sort"
	"time"

	"github.com/usagepulse/usagepulse/internal/model"
	"github.com/usagepulse/usagepulse/internal/pricing"
)

// Result holds every view produced by one aggregation pass.
type Result struct {
	Daily    []model.DailyAggregate
	Sessions []model.SessionRecord
	Blocks   []model.BlockRecord
}

type accumulator struct {
	usage  model.TokenUsage
	cost   float64
	models map[string]bool
	count  int64
}

func newAccumulator() *accumulator {
	return &accumulator{models: make(map[string]bool)}
}

func (a *accumulator) add(ev model.UsageEvent) {
	a.usage.Add(ev.Usage)
	a.cost += pricing.CostFor(ev.Model, ev.Usage)
	a.models[ev.Model] = true
	a.count++
}

func (a *accumulator) sortedModels() []string {
	out := make([]string, 0, len(a.models))
	for m := range a.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

type sessionState struct {
	accumulator
	project string
	start   time.Time
	end     time.Time
}

type blockState struct {
	accumulator
	start time.Time
	last  time.Time
}

// Aggregate runs a single pass over the events and produces all three views
// for one (user, machine) pair. Events are sorted into a stable order first,
// so aggregating the same event set always yields identical results — the
// property that makes re-uploads idempotent.
func Aggregate(events []model.UsageEvent, userID, machineID string) Result {
	sorted := make([]model.UsageEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		if sorted[i].SessionID != sorted[j].SessionID {
			return sorted[i].SessionID < sorted[j].SessionID
		}
		return sorted[i].Model < sorted[j].Model
	})

	days := make(map[string]*accumulator)
	sessions := make(map[string]*sessionState)
	var blocks []*blockState
	var current *blockState
	var latest time.Time

	for _, ev := range sorted {
		ts := ev.Timestamp.UTC()
		if ts.After(latest) {
			latest = ts
		}

		// Daily view: group by UTC calendar date.
		dayKey := ts.Format("2006-01-02")
		day, ok := days[dayKey]
		if !ok {
			day = newAccumulator()
			days[dayKey] = day
		}
		day.add(ev)

		// Session view: span is min/max timestamp per session ID.
		sess, ok := sessions[ev.SessionID]
		if !ok {
			sess = &sessionState{accumulator: *newAccumulator(), start: ts, end: ts}
			sessions[ev.SessionID] = sess
		}
		if ts.Before(sess.start) {
			sess.start = ts
		}
		if ts.After(sess.end) {
			sess.end = ts
		}
		if sess.project == "" {
			sess.project = ev.ProjectPath
		}
		sess.add(ev)

		// Block view: a new 5-hour window opens when none is open or the
		// event falls at or past the current window's end. The window is
		// anchored to the first event, floored to the UTC hour.
		if current == nil || !ts.Before(current.start.Add(model.BlockDuration)) {
			current = &blockState{
				accumulator: *newAccumulator(),
				start:       ts.Truncate(time.Hour),
			}
			blocks = append(blocks, current)
		}
		current.last = ts
		current.add(ev)
	}

	return Result{
		Daily:    buildDaily(days, userID, machineID),
		Sessions: buildSessions(sessions, userID, machineID),
		Blocks:   buildBlocks(blocks, userID, machineID, latest),
	}
}

func buildDaily(days map[string]*accumulator, userID, machineID string) []model.DailyAggregate {
	keys := make([]string, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.DailyAggregate, 0, len(keys))
	for _, date := range keys {
		acc := days[date]
		out = append(out, model.DailyAggregate{
			UserID:              userID,
			MachineID:           machineID,
			Date:                date,
			InputTokens:         acc.usage.InputTokens,
			OutputTokens:        acc.usage.OutputTokens,
			CacheCreationTokens: acc.usage.CacheCreationTokens,
			CacheReadTokens:     acc.usage.CacheReadTokens,
			TotalCost:           acc.cost,
			ModelsUsed:          acc.sortedModels(),
			EntryCount:          acc.count,
		})
	}
	return out
}

func buildSessions(sessions map[string]*sessionState, userID, machineID string) []model.SessionRecord {
	out := make([]model.SessionRecord, 0, len(sessions))
	for id, sess := range sessions {
		rec := model.SessionRecord{
			UserID:              userID,
			MachineID:           machineID,
			SessionID:           id,
			ProjectPath:         sess.project,
			StartTime:           sess.start,
			EndTime:             sess.end,
			InputTokens:         sess.usage.InputTokens,
			OutputTokens:        sess.usage.OutputTokens,
			CacheCreationTokens: sess.usage.CacheCreationTokens,
			CacheReadTokens:     sess.usage.CacheReadTokens,
			TotalCost:           sess.cost,
			ModelsUsed:          sess.sortedModels(),
			EntryCount:          sess.count,
		}
		if sess.count > 1 {
			minutes := int64(sess.end.Sub(sess.start).Minutes())
			rec.DurationMinutes = &minutes
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func buildBlocks(blocks []*blockState, userID, machineID string, latest time.Time) []model.BlockRecord {
	out := make([]model.BlockRecord, 0, len(blocks))
	for _, b := range blocks {
		end := b.start.Add(model.BlockDuration)
		last := b.last
		out = append(out, model.BlockRecord{
			UserID:              userID,
			MachineID:           machineID,
			BlockID:             b.start.Format(time.RFC3339),
			StartTime:           b.start,
			EndTime:             end,
			ActualEndTime:       &last,
			IsActive:            latest.Before(end),
			InputTokens:         b.usage.InputTokens,
			OutputTokens:        b.usage.OutputTokens,
			CacheCreationTokens: b.usage.CacheCreationTokens,
			CacheReadTokens:     b.usage.CacheReadTokens,
			TotalCost:           b.cost,
			ModelsUsed:          b.sortedModels(),
			EntryCount:          b.count,
		})
	}
	return out
}
