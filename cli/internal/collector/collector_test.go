package collector

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagepulse/usagepulse/cli/internal/config"
	"github.com/usagepulse/usagepulse/internal/api"
	"github.com/usagepulse/usagepulse/internal/model"
)

// fakeServer accepts every record and counts batch requests per endpoint.
type fakeServer struct {
	server   *httptest.Server
	requests atomic.Int64
	records  atomic.Int64
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		var req api.BatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fs.records.Add(int64(len(req.Records)))

		resp := api.BatchResponse{Accepted: len(req.Records)}
		for i := range req.Records {
			resp.Results = append(resp.Results, api.RecordStatus{Index: i, Status: api.StatusAccepted})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func newTestCollector(serverURL string) *Collector {
	cfg := &config.Config{
		Server:    serverURL,
		APIKey:    "up_test",
		UserID:    "u1",
		MachineID: "m1",
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testOptions(t *testing.T, root string) Options {
	t.Helper()
	state := t.TempDir()
	return Options{
		Granularity: model.GranularityAll,
		Roots:       []string{root},
		LedgerPath:  filepath.Join(state, "ledger.db"),
		LockPath:    filepath.Join(state, "collect.lock"),
	}
}

const (
	line1 = `{"timestamp":"2025-03-01T10:00:00Z","session_id":"s1","model":"claude-sonnet-4-20250514","usage":{"input_tokens":100,"output_tokens":50}}`
	line2 = `{"timestamp":"2025-03-01T10:30:00Z","session_id":"s1","model":"claude-sonnet-4-20250514","usage":{"input_tokens":20,"output_tokens":10}}`
	line3 = `{"timestamp":"2025-03-01T11:00:00Z","session_id":"s2","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":5,"output_tokens":5}}`
)

func TestRunUploadsAllGranularities(t *testing.T) {
	srv := newFakeServer(t)
	root := t.TempDir()
	writeLog(t, filepath.Join(root, "proj", "a.jsonl"), line1, line2, line3)

	c := newTestCollector(srv.server.URL)
	report, err := c.Run(context.Background(), testOptions(t, root))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Events)
	assert.Zero(t, report.ParseErrors)

	// One day, two sessions, one block.
	assert.Equal(t, GranularityCount{Pending: 1, Uploaded: 1}, report.Counts[model.UploadTypeDaily])
	assert.Equal(t, GranularityCount{Pending: 2, Uploaded: 2}, report.Counts[model.UploadTypeSession])
	assert.Equal(t, GranularityCount{Pending: 1, Uploaded: 1}, report.Counts[model.UploadTypeBlock])
	assert.Equal(t, int64(4), srv.records.Load())
}

func TestRunIsIdempotent(t *testing.T) {
	srv := newFakeServer(t)
	root := t.TempDir()
	writeLog(t, filepath.Join(root, "proj", "a.jsonl"), line1, line2, line3)

	c := newTestCollector(srv.server.URL)
	opts := testOptions(t, root)

	_, err := c.Run(context.Background(), opts)
	require.NoError(t, err)
	uploaded := srv.records.Load()

	// Unchanged logs: everything is filtered by the ledger, nothing is sent.
	report, err := c.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, uploaded, srv.records.Load())
	for _, uploadType := range []string{model.UploadTypeDaily, model.UploadTypeSession, model.UploadTypeBlock} {
		count := report.Counts[uploadType]
		assert.Zero(t, count.Pending, "%s pending", uploadType)
		assert.Zero(t, count.Uploaded, "%s uploaded", uploadType)
		assert.NotZero(t, count.Skipped, "%s skipped", uploadType)
	}
}

func TestRunReuploadsGrownAggregates(t *testing.T) {
	srv := newFakeServer(t)
	root := t.TempDir()
	logPath := filepath.Join(root, "proj", "a.jsonl")
	writeLog(t, logPath, line1, line2)

	c := newTestCollector(srv.server.URL)
	opts := testOptions(t, root)
	_, err := c.Run(context.Background(), opts)
	require.NoError(t, err)

	// A new event lands in the same day, session and block. Identifiers are
	// unchanged but the content grew, so all three views go out again.
	writeLog(t, logPath, line3)
	report, err := c.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counts[model.UploadTypeDaily].Uploaded)
	assert.Equal(t, 1, report.Counts[model.UploadTypeBlock].Uploaded)
	// Session s1 is untouched, only s2 is new.
	assert.Equal(t, 1, report.Counts[model.UploadTypeSession].Uploaded)
	assert.Equal(t, 1, report.Counts[model.UploadTypeSession].Skipped)
}

func TestRunDryRun(t *testing.T) {
	srv := newFakeServer(t)
	root := t.TempDir()
	writeLog(t, filepath.Join(root, "proj", "a.jsonl"), line1)

	c := newTestCollector(srv.server.URL)
	opts := testOptions(t, root)
	opts.DryRun = true

	report, err := c.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Zero(t, srv.requests.Load())
	assert.Equal(t, 1, report.Counts[model.UploadTypeDaily].Pending)
	assert.Zero(t, report.Counts[model.UploadTypeDaily].Uploaded)

	// A dry run must not mark anything as uploaded.
	opts.DryRun = false
	report, err = c.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts[model.UploadTypeDaily].Uploaded)
}

func TestRunSkipsBadLines(t *testing.T) {
	srv := newFakeServer(t)
	root := t.TempDir()
	writeLog(t, filepath.Join(root, "proj", "a.jsonl"),
		line1,
		`{"broken`,
		`{"timestamp":"2025-03-01T10:05:00Z"}`, // missing model
		line3,
	)

	c := newTestCollector(srv.server.URL)
	report, err := c.Run(context.Background(), testOptions(t, root))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Events)
	assert.Equal(t, 2, report.ParseErrors)
}

func TestRunWarnsOnMissingRoot(t *testing.T) {
	srv := newFakeServer(t)
	missing := filepath.Join(t.TempDir(), "nope")

	c := newTestCollector(srv.server.URL)
	report, err := c.Run(context.Background(), testOptions(t, missing))
	require.NoError(t, err)

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, missing, report.Warnings[0].Path)
	assert.Zero(t, report.Events)
}

func TestRunRefusesConcurrentRun(t *testing.T) {
	srv := newFakeServer(t)
	root := t.TempDir()
	opts := testOptions(t, root)

	held := flock.New(opts.LockPath)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	c := newTestCollector(srv.server.URL)
	_, err = c.Run(context.Background(), opts)
	assert.ErrorIs(t, err, ErrLocked)
}
