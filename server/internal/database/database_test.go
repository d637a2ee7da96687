package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagepulse/usagepulse/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestUser(t *testing.T, db *DB, id string) {
	t.Helper()
	require.NoError(t, db.CreateUser(&User{
		ID:           id,
		Username:     "user-" + id,
		PasswordHash: "x",
		APIKeyHash:   "key-hash-" + id,
		CreatedAt:    time.Now().UTC(),
	}))
}

func TestCreateAndGetUser(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")

	byKey, err := db.GetUserByAPIKeyHash("key-hash-u1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "u1", byKey.ID)

	byName, err := db.GetUserByUsername("user-u1")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, "u1", byName.ID)

	missing, err := db.GetUserByAPIKeyHash("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")

	err := db.CreateUser(&User{
		ID: "u2", Username: "user-u1", PasswordHash: "x", APIKeyHash: "other", CreatedAt: time.Now().UTC(),
	})
	assert.Error(t, err)
}

func TestUpsertDailyConverges(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")

	rec := model.DailyAggregate{
		MachineID: "m1", Date: "2025-03-01",
		InputTokens: 100, OutputTokens: 50, TotalCost: 0.5,
		ModelsUsed: []string{"claude-sonnet-4-20250514"}, EntryCount: 3,
	}
	require.NoError(t, db.UpsertDaily("u1", rec))

	// Second delivery with grown totals replaces, never duplicates.
	rec.InputTokens = 150
	rec.EntryCount = 5
	require.NoError(t, db.UpsertDaily("u1", rec))

	rows, err := db.ListDaily("u1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(150), rows[0].InputTokens)
	assert.Equal(t, int64(5), rows[0].EntryCount)
	assert.Equal(t, []string{"claude-sonnet-4-20250514"}, rows[0].ModelsUsed)

	id := model.RecordID("u1", "m1", model.UploadTypeDaily, "2025-03-01")
	n, err := db.CountHistory("u1", "m1", model.UploadTypeDaily, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertDailySeparateMachines(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")

	rec := model.DailyAggregate{MachineID: "m1", Date: "2025-03-01", ModelsUsed: []string{}, EntryCount: 1}
	require.NoError(t, db.UpsertDaily("u1", rec))
	rec.MachineID = "m2"
	require.NoError(t, db.UpsertDaily("u1", rec))

	rows, err := db.ListDaily("u1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestUpsertSession(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")

	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	duration := int64(45)
	rec := model.SessionRecord{
		MachineID: "m1", SessionID: "s1", ProjectPath: "api",
		StartTime: start, EndTime: start.Add(45 * time.Minute), DurationMinutes: &duration,
		InputTokens: 10, ModelsUsed: []string{"claude-sonnet-4-20250514"}, EntryCount: 2,
	}
	require.NoError(t, db.UpsertSession("u1", rec))
	require.NoError(t, db.UpsertSession("u1", rec))

	rows, err := db.ListSessions("u1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "s1", rows[0].SessionID)
	assert.Equal(t, "api", rows[0].ProjectPath)
	require.NotNil(t, rows[0].DurationMinutes)
	assert.Equal(t, int64(45), *rows[0].DurationMinutes)
}

func TestUpsertSessionNilDuration(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")

	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := model.SessionRecord{
		MachineID: "m1", SessionID: "solo",
		StartTime: start, EndTime: start,
		ModelsUsed: []string{}, EntryCount: 1,
	}
	require.NoError(t, db.UpsertSession("u1", rec))

	rows, err := db.ListSessions("u1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].DurationMinutes)
}

func TestUpsertBlockActiveExclusivity(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")

	mkBlock := func(start time.Time, active bool) model.BlockRecord {
		end := start.Add(model.BlockDuration)
		actual := start.Add(time.Hour)
		return model.BlockRecord{
			MachineID: "m1", BlockID: start.Format(time.RFC3339),
			StartTime: start, EndTime: end, ActualEndTime: &actual,
			IsActive: active, ModelsUsed: []string{}, EntryCount: 1,
		}
	}

	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpsertBlock("u1", mkBlock(t0, true)))
	// A newer active block takes over; the older one must flip inactive.
	require.NoError(t, db.UpsertBlock("u1", mkBlock(t0.Add(6*time.Hour), true)))

	rows, err := db.ListBlocks("u1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	active := 0
	for _, b := range rows {
		if b.IsActive {
			active++
			assert.Equal(t, t0.Add(6*time.Hour).Format(time.RFC3339), b.BlockID)
		}
	}
	assert.Equal(t, 1, active)
}

func TestUpsertBlockInactiveLeavesActiveAlone(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")

	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	active := model.BlockRecord{
		MachineID: "m1", BlockID: t0.Format(time.RFC3339),
		StartTime: t0, EndTime: t0.Add(model.BlockDuration),
		IsActive: true, ModelsUsed: []string{}, EntryCount: 1,
	}
	require.NoError(t, db.UpsertBlock("u1", active))

	t1 := t0.Add(-6 * time.Hour)
	closed := model.BlockRecord{
		MachineID: "m1", BlockID: t1.Format(time.RFC3339),
		StartTime: t1, EndTime: t1.Add(model.BlockDuration),
		IsActive: false, ModelsUsed: []string{}, EntryCount: 1,
	}
	require.NoError(t, db.UpsertBlock("u1", closed))

	rows, err := db.ListBlocks("u1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	assert.True(t, rows[0].IsActive)
	assert.False(t, rows[1].IsActive)
}

func TestListScopedToUser(t *testing.T) {
	db := openTestDB(t)
	createTestUser(t, db, "u1")
	createTestUser(t, db, "u2")

	rec := model.DailyAggregate{MachineID: "m1", Date: "2025-03-01", ModelsUsed: []string{}, EntryCount: 1}
	require.NoError(t, db.UpsertDaily("u1", rec))

	rows, err := db.ListDaily("u2", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
