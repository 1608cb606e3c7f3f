// Package storage persists finished calls and their verdict streams to a
// local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veridial/veridial/internal/detect"
)

// Archive wraps a SQLite database holding the call history.
type Archive struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// CallRecord is one archived call.
type CallRecord struct {
	SessionID string    `json:"session_id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	State     string    `json:"state"`
	EndReason string    `json:"end_reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Verdicts  int       `json:"verdicts"`
}

// Open opens or creates the archive database in the given directory.
func Open(dataDir string) (*Archive, error) {
	dbPath := filepath.Join(dataDir, "calls.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency between the archiver and API reads.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			session_id TEXT PRIMARY KEY,
			caller     TEXT NOT NULL,
			callee     TEXT NOT NULL,
			state      TEXT NOT NULL,
			end_reason TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			ended_at   DATETIME
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS verdicts (
			session_id  TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			ts          DATETIME NOT NULL,
			probability REAL NOT NULL,
			label       TEXT NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES calls(session_id) ON DELETE CASCADE
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create verdicts table: %w", err)
	}

	return &Archive{db: db, path: dbPath}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path returns the database file path.
func (a *Archive) Path() string {
	return a.path
}

// SaveCall upserts one call record. Verdict rows are written separately so a
// call can be archived before (or without) its verdict history.
func (a *Archive) SaveCall(rec CallRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ended any
	if !rec.EndedAt.IsZero() {
		ended = rec.EndedAt.UTC()
	}
	_, err := a.db.Exec(`
		INSERT INTO calls (session_id, caller, callee, state, end_reason, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state      = excluded.state,
			end_reason = excluded.end_reason,
			ended_at   = excluded.ended_at
	`, rec.SessionID, rec.Caller, rec.Callee, rec.State, rec.EndReason, rec.CreatedAt.UTC(), ended)
	if err != nil {
		return fmt.Errorf("save call %s: %w", rec.SessionID, err)
	}
	return nil
}

// SaveVerdicts appends verdict rows for a session in one transaction.
func (a *Archive) SaveVerdicts(sessionID string, verdicts []detect.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO verdicts (session_id, seq, ts, probability, label)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, v := range verdicts {
		if _, err := stmt.Exec(sessionID, v.Seq, v.Timestamp.UTC(), v.Probability, string(v.Label)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert verdict %s/%d: %w", sessionID, v.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListCalls returns archived calls, newest first, up to limit (0 = all).
func (a *Archive) ListCalls(limit int) ([]CallRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	q := `
		SELECT c.session_id, c.caller, c.callee, c.state, c.end_reason,
		       c.created_at, c.ended_at,
		       (SELECT COUNT(*) FROM verdicts v WHERE v.session_id = c.session_id)
		FROM calls c
		ORDER BY c.created_at DESC
	`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var ended sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.Caller, &rec.Callee, &rec.State,
			&rec.EndReason, &rec.CreatedAt, &ended, &rec.Verdicts); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		if ended.Valid {
			rec.EndedAt = ended.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetCall fetches one archived call by session id.
func (a *Archive) GetCall(sessionID string) (CallRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var rec CallRecord
	var ended sql.NullTime
	err := a.db.QueryRow(`
		SELECT c.session_id, c.caller, c.callee, c.state, c.end_reason,
		       c.created_at, c.ended_at,
		       (SELECT COUNT(*) FROM verdicts v WHERE v.session_id = c.session_id)
		FROM calls c WHERE c.session_id = ?
	`, sessionID).Scan(&rec.SessionID, &rec.Caller, &rec.Callee, &rec.State,
		&rec.EndReason, &rec.CreatedAt, &ended, &rec.Verdicts)
	if err == sql.ErrNoRows {
		return CallRecord{}, fmt.Errorf("call %s: not found", sessionID)
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("get call %s: %w", sessionID, err)
	}
	if ended.Valid {
		rec.EndedAt = ended.Time
	}
	return rec, nil
}

// GetVerdicts returns the verdict history for a session in sequence order.
func (a *Archive) GetVerdicts(sessionID string) ([]detect.Verdict, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.Query(`
		SELECT seq, ts, probability, label FROM verdicts
		WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get verdicts %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []detect.Verdict
	for rows.Next() {
		v := detect.Verdict{SessionID: sessionID}
		var label string
		if err := rows.Scan(&v.Seq, &v.Timestamp, &v.Probability, &label); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.Label = detect.Label(label)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Stats summarizes the archive contents.
type Stats struct {
	Calls    int `json:"calls"`
	Verdicts int `json:"verdicts"`
}

// GetStats counts archived calls and verdicts.
func (a *Archive) GetStats() (Stats, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var st Stats
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM calls`).Scan(&st.Calls); err != nil {
		return Stats{}, fmt.Errorf("count calls: %w", err)
	}
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM verdicts`).Scan(&st.Verdicts); err != nil {
		return Stats{}, fmt.Errorf("count verdicts: %w", err)
	}
	return st, nil
}
