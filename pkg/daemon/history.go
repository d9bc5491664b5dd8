package daemon

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// HistoryEntry is one recorded utterance.
type HistoryEntry struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	SpokenAt string `json:"spoken_at"`
	Caller   string `json:"caller"`
	Session  string `json:"session"`
}

// History is a SQLite-backed log of everything the daemon has spoken,
// queried by the "history", "session_history" and "caller_history"
// commands for recent-playback recall. Replay does not read it; the queue
// keeps the last completed request itself.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the SQLite database at path and
// runs the additive migration that adds caller/session columns to a
// pre-existing table.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	h := &History{db: db}
	if err := h.init(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) init() error {
	_, err := h.db.Exec(`CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		spoken_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	)`)
	if err != nil {
		return fmt.Errorf("history: create table: %w", err)
	}
	return h.migrate()
}

// migrate adds caller/session columns to a table created by an older
// version of the daemon, mirroring the original's additive migration.
func (h *History) migrate() error {
	rows, err := h.db.Query(`PRAGMA table_info(history)`)
	if err != nil {
		return fmt.Errorf("history: migrate: table_info: %w", err)
	}
	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("history: migrate: scan: %w", err)
		}
		cols[name] = true
	}
	rows.Close()

	if !cols["caller"] {
		if _, err := h.db.Exec(`ALTER TABLE history ADD COLUMN caller TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("history: migrate: add caller: %w", err)
		}
	}
	if !cols["session"] {
		if _, err := h.db.Exec(`ALTER TABLE history ADD COLUMN session TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("history: migrate: add session: %w", err)
		}
	}
	return nil
}

// Record inserts one spoken utterance.
func (h *History) Record(text, caller, session string) error {
	_, err := h.db.Exec(`INSERT INTO history (text, caller, session) VALUES (?, ?, ?)`, text, caller, session)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Get returns the n most recent utterances, oldest first.
func (h *History) Get(n int) ([]string, error) {
	return h.queryText(`SELECT text FROM history ORDER BY id DESC LIMIT ?`, n)
}

// GetBySession returns the n most recent utterances for a session, oldest
// first.
func (h *History) GetBySession(session string, n int) ([]string, error) {
	return h.queryText(`SELECT text FROM history WHERE session = ? ORDER BY id DESC LIMIT ?`, session, n)
}

// GetByCaller returns the n most recent utterances for a caller, oldest
// first.
func (h *History) GetByCaller(caller string, n int) ([]string, error) {
	return h.queryText(`SELECT text FROM history WHERE caller = ? ORDER BY id DESC LIMIT ?`, caller, n)
}

func (h *History) queryText(query string, args ...any) ([]string, error) {
	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		texts = append(texts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}

	// Rows come back newest-first (DESC + LIMIT); reverse to oldest-first.
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	return texts, nil
}

// Close releases the underlying database handle.
func (h *History) Close() error {
	return h.db.Close()
}
