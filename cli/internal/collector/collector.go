// Package collector wires the scan → parse → aggregate → upload pipeline
// into one idempotent run. The external scheduler owns periodicity; an
// exclusive file lock is the last line of defense against overlapping runs
// racing on the ledger.
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/usagepulse/usagepulse/cli/internal/aggregator"
	"github.com/usagepulse/usagepulse/cli/internal/config"
	"github.com/usagepulse/usagepulse/cli/internal/ledger"
	"github.com/usagepulse/usagepulse/cli/internal/scanner"
	"github.com/usagepulse/usagepulse/cli/internal/uploader"
	"github.com/usagepulse/usagepulse/internal/model"
	"github.com/usagepulse/usagepulse/internal/parser"
)

// ErrLocked means another collection run holds the exclusive lock.
var ErrLocked = errors.New("another collection run is in progress")

// Options select what one run collects and uploads.
type Options struct {
	Granularity model.Granularity
	DryRun      bool
	Roots       []string // overrides config/default log roots when set
	LedgerPath  string   // overrides the default ledger location when set
	LockPath    string   // overrides the default lock location when set
}

// GranularityCount tallies one granularity's outcome within a run.
type GranularityCount struct {
	Pending  int // new records after ledger filtering
	Skipped  int // already acknowledged, not sent
	Uploaded int // acknowledged by the server this run
	Rejected int // failed server validation, dropped
	Failed   int // unacknowledged, will retry next run
}

// Report summarizes one collection run.
type Report struct {
	Events      int
	ParseErrors int
	Warnings    []scanner.Warning
	Counts      map[string]GranularityCount // keyed by upload type
}

// FailedTotal sums unacknowledged records across granularities.
func (r *Report) FailedTotal() int {
	total := 0
	for _, c := range r.Counts {
		total += c.Failed
	}
	return total
}

// Collector runs the client pipeline.
type Collector struct {
	cfg *config.Config
	log *slog.Logger
}

// New creates a Collector.
func New(cfg *config.Config, log *slog.Logger) *Collector {
	return &Collector{cfg: cfg, log: log}
}

// Run executes one full collection pass. Repeating a run over an unchanged
// log directory uploads nothing new: aggregation is deterministic and the
// ledger filters already-acknowledged identifiers.
func (c *Collector) Run(ctx context.Context, opts Options) (*Report, error) {
	unlock, err := c.acquireLock(opts.LockPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	events, report, err := c.collectEvents(opts)
	if err != nil {
		return nil, err
	}

	result := aggregator.Aggregate(events, c.cfg.UserID, c.cfg.MachineID)

	ledgerPath := opts.LedgerPath
	if ledgerPath == "" {
		ledgerPath, err = ledger.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return nil, err
	}
	defer led.Close()

	up := uploader.New(uploader.Config{
		BaseURL: c.cfg.Server,
		APIKey:  c.cfg.APIKey,
	}, c.log)

	for _, g := range opts.Granularity.Expand() {
		uploadType, records, err := buildRecords(result, g)
		if err != nil {
			return nil, err
		}
		count, err := c.uploadGranularity(ctx, led, up, uploadType, records, opts.DryRun)
		if err != nil {
			report.Counts[uploadType] = count
			return report, err
		}
		report.Counts[uploadType] = count
	}

	return report, nil
}

// acquireLock takes the exclusive run lock, failing fast when another run
// holds it.
func (c *Collector) acquireLock(path string) (func(), error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".usagepulse", "collect.lock")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return func() { lock.Unlock() }, nil
}

// collectEvents scans the log roots and parses every complete line.
// Bad lines and unreadable roots are counted, never fatal.
func (c *Collector) collectEvents(opts Options) ([]model.UsageEvent, *Report, error) {
	roots := opts.Roots
	if len(roots) == 0 {
		roots = c.cfg.LogRoots
	}
	if len(roots) == 0 {
		roots = scanner.DefaultRoots()
	}
	if len(roots) == 0 {
		return nil, nil, errors.New("no log roots configured")
	}

	scan := scanner.New(roots)
	parse := parser.NewFromEnv()

	report := &Report{Counts: make(map[string]GranularityCount)}
	var events []model.UsageEvent
	for line := range scan.Lines() {
		ev, err := parse.ParseLine(line.File, line.Number, line.Text)
		if err != nil {
			c.log.Debug("skipping unparseable line", "error", err)
			report.ParseErrors++
			continue
		}
		events = append(events, ev)
	}
	report.Events = len(events)
	report.Warnings = scan.Warnings()
	for _, w := range report.Warnings {
		c.log.Warn("log root problem", "path", w.Path, "error", w.Err)
	}

	return events, report, nil
}

// uploadGranularity filters one view through the ledger, ships what is new
// and commits what the server acknowledged.
func (c *Collector) uploadGranularity(ctx context.Context, led *ledger.Ledger, up *uploader.Client, uploadType string, records []uploader.Record, dryRun bool) (GranularityCount, error) {
	var count GranularityCount

	entries := make([]ledger.Entry, len(records))
	byID := make(map[string]uploader.Record, len(records))
	hashes := make(map[string]string, len(records))
	for i, r := range records {
		hash := contentHash(r.Payload)
		entries[i] = ledger.Entry{ID: r.ID, Hash: hash}
		byID[r.ID] = r
		hashes[r.ID] = hash
	}

	newIDs, err := led.FilterNew(entries)
	if err != nil {
		return count, fmt.Errorf("ledger filter: %w", err)
	}
	pending := make([]uploader.Record, 0, len(newIDs))
	for _, id := range newIDs {
		pending = append(pending, byID[id])
	}
	count.Pending = len(pending)
	count.Skipped = len(records) - len(pending)

	if dryRun || len(pending) == 0 {
		return count, nil
	}

	outcome, uploadErr := up.Upload(ctx, uploadType, pending)
	acked := make([]ledger.Entry, 0, len(outcome.Accepted))
	for _, id := range outcome.Accepted {
		acked = append(acked, ledger.Entry{ID: id, Hash: hashes[id]})
	}
	if err := led.Commit(uploadType, acked); err != nil {
		// The server has these; a failed commit only means the next run
		// re-sends them and the server dedups.
		c.log.Warn("ledger commit failed", "type", uploadType, "error", err)
	}
	count.Uploaded = len(outcome.Accepted)
	count.Rejected = len(outcome.Rejected)
	count.Failed = outcome.Failed

	if uploadErr != nil {
		return count, uploadErr
	}
	return count, nil
}

// contentHash fingerprints a serialized record so still-open aggregates
// (whose identifier is stable but whose totals grow between runs) are
// re-uploaded when their content changes.
func contentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// buildRecords serializes one granularity's aggregates into upload records.
func buildRecords(result aggregator.Result, g model.Granularity) (string, []uploader.Record, error) {
	switch g {
	case model.GranularityDaily:
		records := make([]uploader.Record, 0, len(result.Daily))
		for _, d := range result.Daily {
			payload, err := json.Marshal(d)
			if err != nil {
				return "", nil, err
			}
			records = append(records, uploader.Record{ID: d.ID(), Payload: payload})
		}
		return model.UploadTypeDaily, records, nil

	case model.GranularitySession:
		records := make([]uploader.Record, 0, len(result.Sessions))
		for _, s := range result.Sessions {
			payload, err := json.Marshal(s)
			if err != nil {
				return "", nil, err
			}
			records = append(records, uploader.Record{ID: s.ID(), Payload: payload})
		}
		return model.UploadTypeSession, records, nil

	case model.GranularityBlocks:
		records := make([]uploader.Record, 0, len(result.Blocks))
		for _, b := range result.Blocks {
			payload, err := json.Marshal(b)
			if err != nil {
				return "", nil, err
			}
			records = append(records, uploader.Record{ID: b.ID(), Payload: payload})
		}
		return model.UploadTypeBlock, records, nil
	}
	return "", nil, fmt.Errorf("cannot build records for granularity %v", g)
}
