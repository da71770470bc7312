// Package auditlog provides an optional, best-effort sqlite-backed
// request log. It never affects response correctness: callers ignore
// its errors. Grounded on the migration style of
// avogabo-EDRmount/internal/db/db.go (modernc.org/sqlite, a flat list of
// idempotent CREATE TABLE/INDEX statements, WAL + busy_timeout pragmas).
package auditlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/podcache/podcache/logger"
)

type Log struct {
	db     *sql.DB
	logger logger.Logger
}

// Open opens (creating if necessary) the audit database at path. A zero
// path disables the audit log entirely; Record and Close then become
// no-ops, so callers never need a nil check.
func Open(path string, log logger.Logger) (*Log, error) {
	if log == nil {
		log = logger.Default
	}
	if path == "" {
		return &Log{logger: log}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("auditlog: mkdir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	l := &Log{db: db, logger: log}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	if l.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sid TEXT NOT NULL,
			range_start INTEGER NOT NULL,
			range_end INTEGER NOT NULL,
			hit INTEGER NOT NULL,
			bytes_served INTEGER NOT NULL,
			at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_sid_at ON requests(sid, at);`,
	}
	for _, s := range stmts {
		if _, err := l.db.Exec(s); err != nil {
			return fmt.Errorf("auditlog: migrate: %w", err)
		}
	}
	return nil
}

// Record appends one request outcome. Failures are logged and swallowed;
// the audit log is diagnostic, never load-bearing.
func (l *Log) Record(sid string, start, end int64, hit bool, bytesServed int64) {
	if l.db == nil {
		return
	}
	hitInt := 0
	if hit {
		hitInt = 1
	}
	_, err := l.db.Exec(
		`INSERT INTO requests (sid, range_start, range_end, hit, bytes_served, at) VALUES (?, ?, ?, ?, ?, ?)`,
		sid, start, end, hitInt, bytesServed, time.Now().Unix(),
	)
	if err != nil {
		l.logger.Debugf("auditlog: record failed: %v", err)
	}
}

func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
