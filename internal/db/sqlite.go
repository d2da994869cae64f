package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteEngine is the production Engine, backed by a single SQLite file
// via mattn/go-sqlite3. Besides the caller's own tables, it maintains a
// commit_log table recording every committed transaction's id, rolling
// hash, and verbatim SQL text, which is what CommitLog/HashAt read from.
type SQLiteEngine struct {
	db *sql.DB

	mu sync.Mutex // guards openTx/pendingHash/pendingSQL

	commitMu sync.Mutex // the global commit lock

	openTx      *sql.Tx
	pendingSQL  []byte
	pendingHash string

	committedCount int64
	committedHash  string
}

// OpenSQLite opens (creating if absent) a SQLite database file at path
// and ensures the commit_log bookkeeping table exists.
func OpenSQLite(path string) (*SQLiteEngine, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // a single writer connection; SQLite serializes writes anyway

	e := &SQLiteEngine{db: sqlDB}
	if err := e.ensureSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := e.loadTip(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return e, nil
}

func (e *SQLiteEngine) ensureSchema() error {
	_, err := e.db.Exec(`CREATE TABLE IF NOT EXISTS commit_log (
		id INTEGER PRIMARY KEY,
		hash TEXT NOT NULL,
		sql_text BLOB NOT NULL
	)`)
	return err
}

func (e *SQLiteEngine) loadTip() error {
	row := e.db.QueryRow(`SELECT id, hash FROM commit_log ORDER BY id DESC LIMIT 1`)
	var id int64
	var hash string
	if err := row.Scan(&id, &hash); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("db: load commit tip: %w", err)
	}
	e.committedCount = id
	e.committedHash = hash
	return nil
}

func (e *SQLiteEngine) Lock()   { e.commitMu.Lock() }
func (e *SQLiteEngine) Unlock() { e.commitMu.Unlock() }

func (e *SQLiteEngine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openTx != nil {
		return fmt.Errorf("db: transaction already open")
	}
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	e.openTx = tx
	e.pendingSQL = nil
	return nil
}

func (e *SQLiteEngine) WriteUnmodified(sqlText []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openTx == nil {
		return fmt.Errorf("db: no open transaction")
	}
	stmt := strings.TrimSpace(string(sqlText))
	if stmt != "" {
		if _, err := e.openTx.Exec(stmt); err != nil {
			if isCheckpointRequired(err) {
				return ErrCheckpointRequired
			}
			return fmt.Errorf("db: exec: %w", err)
		}
	}
	e.pendingSQL = append(e.pendingSQL, sqlText...)
	return nil
}

func (e *SQLiteEngine) Prepare() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openTx == nil {
		return fmt.Errorf("db: no open transaction")
	}
	e.pendingHash = rollingHash(e.committedHash, e.pendingSQL)
	return nil
}

func (e *SQLiteEngine) UncommittedHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingHash
}

func (e *SQLiteEngine) Commit() (int64, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openTx == nil || e.pendingHash == "" {
		return 0, "", fmt.Errorf("db: commit without prepare")
	}
	nextID := e.committedCount + 1
	if _, err := e.openTx.Exec(`INSERT INTO commit_log(id, hash, sql_text) VALUES (?, ?, ?)`,
		nextID, e.pendingHash, e.pendingSQL); err != nil {
		e.openTx.Rollback()
		e.openTx = nil
		e.pendingSQL = nil
		e.pendingHash = ""
		if isBusySnapshot(err) {
			return 0, "", ErrBusySnapshot
		}
		return 0, "", fmt.Errorf("db: insert commit_log: %w", err)
	}
	if err := e.openTx.Commit(); err != nil {
		e.openTx = nil
		e.pendingSQL = nil
		e.pendingHash = ""
		if isBusySnapshot(err) {
			return 0, "", ErrBusySnapshot
		}
		return 0, "", fmt.Errorf("db: commit: %w", err)
	}
	e.committedCount = nextID
	e.committedHash = e.pendingHash
	e.openTx = nil
	e.pendingSQL = nil
	e.pendingHash = ""
	return e.committedCount, e.committedHash, nil
}

func (e *SQLiteEngine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openTx == nil {
		return nil
	}
	err := e.openTx.Rollback()
	e.openTx = nil
	e.pendingSQL = nil
	e.pendingHash = ""
	if err != nil {
		return fmt.Errorf("db: rollback: %w", err)
	}
	return nil
}

func (e *SQLiteEngine) HasOpenTransaction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openTx != nil
}

func (e *SQLiteEngine) CommittedCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedCount
}

func (e *SQLiteEngine) CommittedHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedHash
}

func (e *SQLiteEngine) HashAt(count int64) (string, bool) {
	var hash string
	err := e.db.QueryRow(`SELECT hash FROM commit_log WHERE id = ?`, count).Scan(&hash)
	if err != nil {
		return "", false
	}
	return hash, true
}

func (e *SQLiteEngine) CommitLog(from, to int64) ([]CommitRecord, error) {
	if from >= to {
		return nil, nil
	}
	rows, err := e.db.Query(`SELECT id, hash, sql_text FROM commit_log WHERE id > ? AND id <= ? ORDER BY id ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("db: commit log query: %w", err)
	}
	defer rows.Close()

	var out []CommitRecord
	for rows.Next() {
		var rec CommitRecord
		if err := rows.Scan(&rec.ID, &rec.Hash, &rec.SQL); err != nil {
			return nil, fmt.Errorf("db: commit log scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

func isBusySnapshot(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

func isCheckpointRequired(err error) bool {
	return strings.Contains(err.Error(), "checkpoint")
}
