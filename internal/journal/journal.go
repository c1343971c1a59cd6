// Package journal records the outcome of every update the applier performs
// in a WAL-mode SQLite database, so that past inspections and rewrites can be
// listed after the fact (rewriter history).
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so the CLI can read
// the history while a running agent keeps appending to it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// RuleCount is the number of replacements one rule made.
type RuleCount struct {
	Rule    string `json:"rule"`
	Matches int    `json:"matches"`
}

// Entry is one journal row.
type Entry struct {
	ID         int64
	TargetID   string
	Path       string
	Method     string
	Action     string
	Changes    int
	Rules      []RuleCount
	SizeBefore int64
	SizeAfter  int64
	ModBefore  time.Time
	ModAfter   time.Time
	Wrote      bool
	Error      string
	RecordedAt time.Time
}

// Journal is a SQLite-backed update history. It is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	count atomic.Int64
}

// New opens (or creates) the database at path. ":memory:" gives a
// throwaway in-memory journal for tests.
func New(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM updates`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count rows: %w", err)
	}
	j.count.Store(count)

	return j, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS updates (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    target_id   TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    method      TEXT    NOT NULL,
    action      TEXT    NOT NULL,
    changes     INTEGER NOT NULL DEFAULT 0,
    rules       TEXT    NOT NULL DEFAULT '[]',
    size_before INTEGER NOT NULL,
    size_after  INTEGER NOT NULL,
    mod_before  TEXT    NOT NULL DEFAULT '',
    mod_after   TEXT    NOT NULL DEFAULT '',
    wrote       INTEGER NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT '',
    recorded_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_updates_path
    ON updates (path, id);
`

// Record appends e. RecordedAt defaults to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	rules := e.Rules
	if rules == nil {
		rules = []RuleCount{}
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("journal: marshal rules: %w", err)
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO updates (target_id, path, method, action, changes, rules,
		                      size_before, size_after, mod_before, mod_after,
		                      wrote, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TargetID,
		e.Path,
		e.Method,
		e.Action,
		e.Changes,
		string(raw),
		e.SizeBefore,
		e.SizeAfter,
		formatTime(e.ModBefore),
		formatTime(e.ModAfter),
		boolInt(e.Wrote),
		e.Error,
		formatTime(e.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}

	j.count.Add(1)
	return nil
}

// Recent returns up to n entries, newest first. n <= 0 returns nil.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, target_id, path, method, action, changes, rules,
		        size_before, size_after, mod_before, mod_after,
		        wrote, error, recorded_at
		 FROM   updates
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                          Entry
			rules                      string
			modBefore, modAfter, recAt string
			wrote                      int
		)
		if err := rows.Scan(
			&e.ID, &e.TargetID, &e.Path, &e.Method, &e.Action, &e.Changes, &rules,
			&e.SizeBefore, &e.SizeAfter, &modBefore, &modAfter,
			&wrote, &e.Error, &recAt,
		); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}

		e.ModBefore = parseTime(modBefore)
		e.ModAfter = parseTime(modAfter)
		e.RecordedAt = parseTime(recAt)
		e.Wrote = wrote != 0

		// A malformed rules column yields no counts rather than failing the
		// whole listing.
		if err := json.Unmarshal([]byte(rules), &e.Rules); err != nil {
			e.Rules = nil
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return entries, nil
}

// Prune deletes all but the newest keep entries and returns how many rows
// were removed.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM updates
		 WHERE id NOT IN (SELECT id FROM updates ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	j.count.Add(-n)
	return n, nil
}

// Count returns the number of stored entries without touching the database.
func (j *Journal) Count() int {
	return int(j.count.Load())
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
