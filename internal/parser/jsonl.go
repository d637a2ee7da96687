package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/usagepulse/usagepulse/internal/model"
)

// SessionUnattributed is used when a log line carries no session ID.
const SessionUnattributed = "unattributed"

// PrivacyEnv selects how much of the project path is kept on parsed events.
const PrivacyEnv = "USAGEPULSE_PROJECT_PRIVACY"

// Privacy levels for project paths.
const (
	PrivacyBasename = "basename"
	PrivacyFull     = "full"
	PrivacyHash     = "hash"
	PrivacyNone     = "none"
)

// ParseError reports a single unparseable log line. Lines that fail to
// parse are counted and skipped; they never abort a run.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s:%d: %v", e.File, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// rawEvent is the raw JSON structure of one log line.
type rawEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Project   string `json:"project_path"`
	Model     string `json:"model"`
	Usage     struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_tokens"`
		CacheReadTokens     int64 `json:"cache_read_tokens"`
	} `json:"usage"`
}

// Parser converts log lines into usage events.
type Parser struct {
	privacy string
}

// New creates a Parser using the given project-path privacy level. An empty
// or unknown level falls back to basename.
func New(privacy string) *Parser {
	switch privacy {
	case PrivacyFull, PrivacyHash, PrivacyNone:
	default:
		privacy = PrivacyBasename
	}
	return &Parser{privacy: privacy}
}

// NewFromEnv creates a Parser configured from USAGEPULSE_PROJECT_PRIVACY.
func NewFromEnv() *Parser {
	return New(os.Getenv(PrivacyEnv))
}

// ParseLine parses one JSONL line into a UsageEvent. The returned error is
// always a *ParseError. Missing session_id and project_path are tolerated;
// missing token counts default to zero. Timestamps are normalized to UTC.
func (p *Parser) ParseLine(file string, lineNo int, line []byte) (model.UsageEvent, error) {
	var raw rawEvent
	if err := sonic.Unmarshal(line, &raw); err != nil {
		return model.UsageEvent{}, &ParseError{File: file, Line: lineNo, Err: err}
	}

	if raw.Timestamp == "" {
		return model.UsageEvent{}, &ParseError{File: file, Line: lineNo, Err: fmt.Errorf("missing timestamp")}
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return model.UsageEvent{}, &ParseError{File: file, Line: lineNo, Err: fmt.Errorf("bad timestamp: %w", err)}
	}

	if raw.Model == "" {
		return model.UsageEvent{}, &ParseError{File: file, Line: lineNo, Err: fmt.Errorf("missing model")}
	}

	sessionID := raw.SessionID
	if sessionID == "" {
		sessionID = SessionUnattributed
	}

	return model.UsageEvent{
		Timestamp:   ts.UTC(),
		SessionID:   sessionID,
		ProjectPath: p.applyPrivacy(raw.Project),
		Model:       raw.Model,
		Usage: model.TokenUsage{
			InputTokens:         raw.Usage.InputTokens,
			OutputTokens:        raw.Usage.OutputTokens,
			CacheCreationTokens: raw.Usage.CacheCreationTokens,
			CacheReadTokens:     raw.Usage.CacheReadTokens,
		},
	}, nil
}

func (p *Parser) applyPrivacy(path string) string {
	if path == "" {
		return ""
	}
	switch p.privacy {
	case PrivacyFull:
		return path
	case PrivacyHash:
		sum := sha256.Sum256([]byte(path))
		return hex.EncodeToString(sum[:8])
	case PrivacyNone:
		return ""
	default:
		return filepath.Base(path)
	}
}
