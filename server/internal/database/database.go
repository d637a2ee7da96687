package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/usagepulse/usagepulse/internal/model"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
}

// User represents an account that machines upload usage for. The password
// hash exists for the external dashboard; ingestion authenticates by API
// key hash only.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	APIKeyHash   string
	CreatedAt    time.Time
}

// Open opens a SQLite database connection.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to avoid "database is locked" errors under concurrent load
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Migrate creates the database schema.
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		api_key_hash TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS daily_usage (
		user_id TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		date TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		total_cost REAL NOT NULL,
		models_used TEXT NOT NULL,
		entry_count INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, machine_id, date),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		project_path TEXT,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		duration_minutes INTEGER,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		total_cost REAL NOT NULL,
		models_used TEXT NOT NULL,
		entry_count INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, machine_id, session_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS blocks (
		user_id TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		block_id TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		actual_end_time TIMESTAMP,
		is_active INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		total_cost REAL NOT NULL,
		models_used TEXT NOT NULL,
		entry_count INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, machine_id, block_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS upload_history (
		user_id TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		upload_type TEXT NOT NULL,
		identifier TEXT NOT NULL,
		uploaded_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, machine_id, upload_type, identifier),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_daily_user ON daily_usage(user_id, date);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_blocks_user ON blocks(user_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_blocks_active ON blocks(user_id, machine_id, is_active);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateUser creates a new user.
func (db *DB) CreateUser(user *User) error {
	_, err := db.Exec(
		`INSERT INTO users (id, username, password_hash, api_key_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.APIKeyHash, user.CreatedAt,
	)
	return err
}

// GetUserByAPIKeyHash retrieves a user by the hash of their API key.
func (db *DB) GetUserByAPIKeyHash(hash string) (*User, error) {
	user := &User{}
	err := db.QueryRow(
		`SELECT id, username, password_hash, api_key_hash, created_at
		 FROM users WHERE api_key_hash = ?`,
		hash,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.APIKeyHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	user := &User{}
	err := db.QueryRow(
		`SELECT id, username, password_hash, api_key_hash, created_at
		 FROM users WHERE username = ?`,
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.APIKeyHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpsertDaily writes one daily aggregate and refreshes its upload-history
// row in the same transaction. The unique key makes concurrent deliveries
// of the same identifier converge on a single row holding the latest values.
func (db *DB) UpsertDaily(userID string, rec model.DailyAggregate) error {
	models, err := json.Marshal(rec.ModelsUsed)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO daily_usage
		(user_id, machine_id, date, input_tokens, output_tokens, cache_creation_tokens,
		 cache_read_tokens, total_cost, models_used, entry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, machine_id, date) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			total_cost = excluded.total_cost,
			models_used = excluded.models_used,
			entry_count = excluded.entry_count,
			updated_at = excluded.updated_at
	`, userID, rec.MachineID, rec.Date, rec.InputTokens, rec.OutputTokens,
		rec.CacheCreationTokens, rec.CacheReadTokens, rec.TotalCost, string(models),
		rec.EntryCount, now)
	if err != nil {
		return err
	}

	if err := upsertHistory(tx, userID, rec.MachineID, model.UploadTypeDaily,
		model.RecordID(userID, rec.MachineID, model.UploadTypeDaily, rec.Date), now); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertSession writes one session record plus its history row.
func (db *DB) UpsertSession(userID string, rec model.SessionRecord) error {
	models, err := json.Marshal(rec.ModelsUsed)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var duration interface{}
	if rec.DurationMinutes != nil {
		duration = *rec.DurationMinutes
	}
	_, err = tx.Exec(`
		INSERT INTO sessions
		(user_id, machine_id, session_id, project_path, start_time, end_time, duration_minutes,
		 input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		 total_cost, models_used, entry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, machine_id, session_id) DO UPDATE SET
			project_path = excluded.project_path,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_minutes = excluded.duration_minutes,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			total_cost = excluded.total_cost,
			models_used = excluded.models_used,
			entry_count = excluded.entry_count,
			updated_at = excluded.updated_at
	`, userID, rec.MachineID, rec.SessionID, rec.ProjectPath, rec.StartTime, rec.EndTime,
		duration, rec.InputTokens, rec.OutputTokens, rec.CacheCreationTokens,
		rec.CacheReadTokens, rec.TotalCost, string(models), rec.EntryCount, now)
	if err != nil {
		return err
	}

	if err := upsertHistory(tx, userID, rec.MachineID, model.UploadTypeSession,
		model.RecordID(userID, rec.MachineID, model.UploadTypeSession, rec.SessionID), now); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertBlock writes one block record plus its history row. An incoming
// active block deactivates every other block of the same (user, machine),
// keeping the at-most-one-active invariant.
func (db *DB) UpsertBlock(userID string, rec model.BlockRecord) error {
	models, err := json.Marshal(rec.ModelsUsed)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var actualEnd interface{}
	if rec.ActualEndTime != nil {
		actualEnd = rec.ActualEndTime.UTC()
	}
	_, err = tx.Exec(`
		INSERT INTO blocks
		(user_id, machine_id, block_id, start_time, end_time, actual_end_time, is_active,
		 input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		 total_cost, models_used, entry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, machine_id, block_id) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			actual_end_time = excluded.actual_end_time,
			is_active = excluded.is_active,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			total_cost = excluded.total_cost,
			models_used = excluded.models_used,
			entry_count = excluded.entry_count,
			updated_at = excluded.updated_at
	`, userID, rec.MachineID, rec.BlockID, rec.StartTime.UTC(), rec.EndTime.UTC(), actualEnd,
		boolToInt(rec.IsActive), rec.InputTokens, rec.OutputTokens, rec.CacheCreationTokens,
		rec.CacheReadTokens, rec.TotalCost, string(models), rec.EntryCount, now)
	if err != nil {
		return err
	}

	if rec.IsActive {
		_, err = tx.Exec(`
			UPDATE blocks SET is_active = 0
			WHERE user_id = ? AND machine_id = ? AND block_id != ? AND is_active = 1
		`, userID, rec.MachineID, rec.BlockID)
		if err != nil {
			return err
		}
	}

	if err := upsertHistory(tx, userID, rec.MachineID, model.UploadTypeBlock,
		model.RecordID(userID, rec.MachineID, model.UploadTypeBlock, rec.BlockID), now); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertHistory(tx *sql.Tx, userID, machineID, uploadType, identifier string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO upload_history (user_id, machine_id, upload_type, identifier, uploaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, machine_id, upload_type, identifier) DO UPDATE SET
			uploaded_at = excluded.uploaded_at
	`, userID, machineID, uploadType, identifier, now)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListDaily returns a user's daily aggregates, newest first.
func (db *DB) ListDaily(userID string, limit int) ([]model.DailyAggregate, error) {
	if limit <= 0 {
		limit = 90
	}
	rows, err := db.Query(`
		SELECT machine_id, date, input_tokens, output_tokens, cache_creation_tokens,
		       cache_read_tokens, total_cost, models_used, entry_count
		FROM daily_usage WHERE user_id = ?
		ORDER BY date DESC, machine_id LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyAggregate
	for rows.Next() {
		rec := model.DailyAggregate{UserID: userID}
		var models string
		if err := rows.Scan(&rec.MachineID, &rec.Date, &rec.InputTokens, &rec.OutputTokens,
			&rec.CacheCreationTokens, &rec.CacheReadTokens, &rec.TotalCost, &models,
			&rec.EntryCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(models), &rec.ModelsUsed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSessions returns a user's sessions, most recent first.
func (db *DB) ListSessions(userID string, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT machine_id, session_id, project_path, start_time, end_time, duration_minutes,
		       input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		       total_cost, models_used, entry_count
		FROM sessions WHERE user_id = ?
		ORDER BY start_time DESC, session_id LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		rec := model.SessionRecord{UserID: userID}
		var models string
		var project sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&rec.MachineID, &rec.SessionID, &project, &rec.StartTime,
			&rec.EndTime, &duration, &rec.InputTokens, &rec.OutputTokens,
			&rec.CacheCreationTokens, &rec.CacheReadTokens, &rec.TotalCost, &models,
			&rec.EntryCount); err != nil {
			return nil, err
		}
		rec.ProjectPath = project.String
		if duration.Valid {
			d := duration.Int64
			rec.DurationMinutes = &d
		}
		if err := json.Unmarshal([]byte(models), &rec.ModelsUsed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListBlocks returns a user's billing blocks, most recent first.
func (db *DB) ListBlocks(userID string, limit int) ([]model.BlockRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT machine_id, block_id, start_time, end_time, actual_end_time, is_active,
		       input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		       total_cost, models_used, entry_count
		FROM blocks WHERE user_id = ?
		ORDER BY start_time DESC, machine_id LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockRecord
	for rows.Next() {
		rec := model.BlockRecord{UserID: userID}
		var models string
		var actualEnd sql.NullTime
		var active int
		if err := rows.Scan(&rec.MachineID, &rec.BlockID, &rec.StartTime, &rec.EndTime,
			&actualEnd, &active, &rec.InputTokens, &rec.OutputTokens,
			&rec.CacheCreationTokens, &rec.CacheReadTokens, &rec.TotalCost, &models,
			&rec.EntryCount); err != nil {
			return nil, err
		}
		rec.IsActive = active != 0
		if actualEnd.Valid {
			t := actualEnd.Time
			rec.ActualEndTime = &t
		}
		if err := json.Unmarshal([]byte(models), &rec.ModelsUsed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountHistory reports how many upload-history rows exist for one identifier.
// The unique key guarantees this is 0 or 1; it exists for verification.
func (db *DB) CountHistory(userID, machineID, uploadType, identifier string) (int64, error) {
	var n int64
	err := db.QueryRow(`
		SELECT COUNT(*) FROM upload_history
		WHERE user_id = ? AND machine_id = ? AND upload_type = ? AND identifier = ?
	`, userID, machineID, uploadType, identifier).Scan(&n)
	return n, err
}
