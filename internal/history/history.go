// Package history persists command attempts to a SQL database so past runs
// can be inspected after the fact. SQLite is the default backend; MySQL is
// available for shared installations.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agent462/shellpool/internal/command"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL,
			cmd TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			rc INTEGER NOT NULL,
			stdout TEXT,
			stderr TEXT,
			pid INTEGER,
			started_ms BIGINT NOT NULL,
			ended_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_host ON attempts(host, started_ms DESC)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS attempts (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			host VARCHAR(255) NOT NULL,
			cmd TEXT NOT NULL,
			attempt INT NOT NULL,
			rc INT NOT NULL,
			stdout MEDIUMTEXT,
			stderr MEDIUMTEXT,
			pid INT,
			started_ms BIGINT NOT NULL,
			ended_ms BIGINT NOT NULL,
			INDEX idx_attempts_host (host, started_ms)
		)`,
	},
}

// Entry is one recorded attempt.
type Entry struct {
	ID      int64     `json:"id"`
	Host    string    `json:"host"`
	Cmd     string    `json:"cmd"`
	Attempt int       `json:"attempt"`
	RC      int       `json:"rc"`
	Stdout  string    `json:"stdout"`
	Stderr  string    `json:"stderr"`
	PID     int       `json:"pid,omitempty"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Store records attempts. It implements command.Recorder.
type Store struct {
	db     *sql.DB
	driver string
	logger zerolog.Logger
}

var _ command.Recorder = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// DefaultPath returns the SQLite file used when no DSN is configured.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "shellpool-history.db"
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "shellpool", "history.db")
}

// Open connects to the history database and creates the schema if needed.
// An empty driver selects SQLite; an empty SQLite DSN selects DefaultPath.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	var sqlDriver string
	switch driver {
	case DriverSQLite, "":
		driver, sqlDriver = DriverSQLite, "sqlite3"
		if dsn == "" {
			dsn = DefaultPath()
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	case DriverMySQL:
		sqlDriver = "mysql"
		if dsn == "" {
			return nil, fmt.Errorf("history driver mysql requires a dsn")
		}
	default:
		return nil, fmt.Errorf("unsupported history driver: %s", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if driver == DriverSQLite {
		// Fan-out records from many goroutines; SQLite allows one writer.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver, logger: log.Logger}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initDB(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug().Str("driver", driver).Msg("history store ready")
	return s, nil
}

func (s *Store) initDB(ctx context.Context) error {
	for _, stmt := range schemas[s.driver] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

// Record stores one attempt.
func (s *Store) Record(ctx context.Context, resp *command.Response, attempt int) error {
	if resp == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (host, cmd, attempt, rc, stdout, stderr, pid, started_ms, ended_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.Host, resp.Cmd, attempt, resp.RC, resp.Stdout, resp.Stderr, resp.PID,
		toMillis(resp.Start), toMillis(resp.End),
	)
	if err != nil {
		return fmt.Errorf("record attempt on %s: %w", resp.Host, err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first. A non-empty host
// restricts the result to that host.
func (s *Store) Recent(ctx context.Context, host string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, host, cmd, attempt, rc, stdout, stderr, pid, started_ms, ended_ms FROM attempts`
	args := []any{}
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY started_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e              Entry
			stdout, stderr sql.NullString
			pid            sql.NullInt64
			started, ended int64
		)
		if err := rows.Scan(&e.ID, &e.Host, &e.Cmd, &e.Attempt, &e.RC, &stdout, &stderr, &pid, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Stdout, e.Stderr, e.PID = stdout.String, stderr.String, int(pid.Int64)
		e.Start, e.End = fromMillis(started), fromMillis(ended)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
