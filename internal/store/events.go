package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/types"
)

// SaveDetectedEvents writes the current aggregate for a URL to the read
// cache, stamping it with the current time.
func SaveDetectedEvents(db *sql.DB, url string, events []schema.Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	_, err = db.Exec(`INSERT INTO detected_events (url, events, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET events = excluded.events, updated_at = excluded.updated_at`,
		url, string(data), time.Now())
	if err != nil {
		return fmt.Errorf("save detected events for %q: %w", url, err)
	}
	return nil
}

// LoadDetectedEvents returns the cached snapshot for a URL, or nil if none.
func LoadDetectedEvents(db *sql.DB, url string) (*types.DetectedEvents, error) {
	var (
		data string
		d    types.DetectedEvents
	)
	err := db.QueryRow("SELECT events, updated_at FROM detected_events WHERE url = ?", url).
		Scan(&data, &d.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query detected events for %q: %w", url, err)
	}
	if err := json.Unmarshal([]byte(data), &d.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return &d, nil
}

// DeleteDetectedEvents removes the cached snapshot for a URL.
func DeleteDetectedEvents(db *sql.DB, url string) error {
	if _, err := db.Exec("DELETE FROM detected_events WHERE url = ?", url); err != nil {
		return fmt.Errorf("delete detected events for %q: %w", url, err)
	}
	return nil
}

// Clear removes both the analysis session and the cached events for a URL.
// This is the explicit user-initiated clear; nothing else deletes sessions.
func Clear(db *sql.DB, url string) error {
	if err := DeleteSession(db, url); err != nil {
		return err
	}
	return DeleteDetectedEvents(db, url)
}

// PruneDetectedEvents deletes cache entries older than maxAge and reports how
// many rows were removed. Sessions are never pruned automatically.
func PruneDetectedEvents(db *sql.DB, maxAge time.Duration) (int64, error) {
	res, err := db.Exec("DELETE FROM detected_events WHERE updated_at < ?", time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("prune detected events: %w", err)
	}
	return res.RowsAffected()
}
