package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/types"
)

// migration is a numbered schema change. Migrations are applied in order
// and tracked in the schema_migrations table so each runs exactly once.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS analysis_sessions (
    url                TEXT PRIMARY KEY,
    items              BLOB NOT NULL,
    total_items        INTEGER NOT NULL,
    completed_indices  TEXT NOT NULL DEFAULT '[]',
    events_per_section TEXT NOT NULL DEFAULT '{}',
    is_running         BOOLEAN NOT NULL DEFAULT 0,
    started_at         DATETIME NOT NULL,
    last_updated       DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS detected_events (
    url        TEXT PRIMARY KEY,
    events     TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);`,
	},
}

// OpenDB opens (or creates) a SQLite database at the given path.
// It creates parent directories if needed, enables foreign keys and WAL mode,
// and runs any pending migrations.
func OpenDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// WAL mode: the orchestrator writes while observers read.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}

		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// DefaultDBPath returns the default database file path:
// ~/.local/share/calaider/calaider.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calaider", "calaider.db"), nil
}

// SaveSession upserts the analysis session for a URL, always refreshing
// last_updated. The orchestrator is the single writer per URL, so a full-row
// upsert is safe and field-level merging is unnecessary.
func SaveSession(db *sql.DB, url string, s *types.AnalysisSession) error {
	s.LastUpdated = time.Now()

	itemsJSON, err := json.Marshal(s.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	completed, err := json.Marshal(s.CompletedIndices)
	if err != nil {
		return fmt.Errorf("marshal completed indices: %w", err)
	}
	perSection, err := json.Marshal(s.EventsPerSection)
	if err != nil {
		return fmt.Errorf("marshal events per section: %w", err)
	}

	// Section texts approach the 50 KB payload cap; compress before storing.
	itemsBlob, err := pack(itemsJSON)
	if err != nil {
		return fmt.Errorf("compress items: %w", err)
	}

	_, err = db.Exec(`INSERT INTO analysis_sessions
		(url, items, total_items, completed_indices, events_per_section, is_running, started_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			items = excluded.items,
			total_items = excluded.total_items,
			completed_indices = excluded.completed_indices,
			events_per_section = excluded.events_per_section,
			is_running = excluded.is_running,
			started_at = excluded.started_at,
			last_updated = excluded.last_updated`,
		url, itemsBlob, s.TotalItems, string(completed), string(perSection),
		s.IsRunning, s.StartedAt, s.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("save session for %q: %w", url, err)
	}
	return nil
}

// LoadSession returns the persisted session for a URL, or nil if none exists.
// An is_running=true flag on a loaded session means the run was interrupted,
// not that it is currently active; liveness is tracked in memory.
func LoadSession(db *sql.DB, url string) (*types.AnalysisSession, error) {
	var (
		itemsBlob  []byte
		completed  string
		perSection string
		s          types.AnalysisSession
	)
	err := db.QueryRow(`SELECT items, total_items, completed_indices, events_per_section, is_running, started_at, last_updated
		FROM analysis_sessions WHERE url = ?`, url).
		Scan(&itemsBlob, &s.TotalItems, &completed, &perSection, &s.IsRunning, &s.StartedAt, &s.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session for %q: %w", url, err)
	}

	itemsJSON, err := unpack(itemsBlob)
	if err != nil {
		return nil, fmt.Errorf("decompress items: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &s.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &s.CompletedIndices); err != nil {
		return nil, fmt.Errorf("unmarshal completed indices: %w", err)
	}
	if err := json.Unmarshal([]byte(perSection), &s.EventsPerSection); err != nil {
		return nil, fmt.Errorf("unmarshal events per section: %w", err)
	}
	if s.CompletedIndices == nil {
		s.CompletedIndices = []int{}
	}
	if s.EventsPerSection == nil {
		s.EventsPerSection = make(map[int][]schema.Event)
	}
	return &s, nil
}

// DeleteSession removes the session row for a URL. Missing rows are not an
// error; sessions are only deleted by an explicit clear.
func DeleteSession(db *sql.DB, url string) error {
	if _, err := db.Exec("DELETE FROM analysis_sessions WHERE url = ?", url); err != nil {
		return fmt.Errorf("delete session for %q: %w", url, err)
	}
	return nil
}

// SessionSummary is a listing row for the sessions CLI command.
type SessionSummary struct {
	URL         string
	TotalItems  int
	Completed   int
	IsRunning   bool
	LastUpdated time.Time
}

// ListSessions returns all persisted sessions, most recently updated first.
func ListSessions(db *sql.DB) ([]SessionSummary, error) {
	rows, err := db.Query(`SELECT url, total_items, completed_indices, is_running, last_updated
		FROM analysis_sessions ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var result []SessionSummary
	for rows.Next() {
		var (
			s         SessionSummary
			completed string
		)
		if err := rows.Scan(&s.URL, &s.TotalItems, &completed, &s.IsRunning, &s.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var indices []int
		if err := json.Unmarshal([]byte(completed), &indices); err == nil {
			s.Completed = len(indices)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
