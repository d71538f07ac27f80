// Package filebacked provides collections whose contents live in SQLite
// so that a run can hold more state than fits in memory.
//
// A Conn wraps one SQLite database file. Several Dict and List values can
// share a Conn, each in its own table. When the Conn is opened on an
// explicit file, existing tables are reused, which lets a later run resume
// from the state an earlier run left behind. None of the types in this
// package are safe for concurrent use.
package filebacked

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DefaultFileName is the database file created inside a temporary directory.
const DefaultFileName = "sqlite.db"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Conn is a SQLite connection shared by file-backed collections.
type Conn struct {
	db         *sql.DB
	path       string
	tempDir    string
	allowReuse bool
	logger     *slog.Logger
}

// Open opens the database at path. An empty path creates a database in a
// fresh temporary directory that is removed on Close; tables are never
// reused in that case.
func Open(path string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Conn{logger: logger, allowReuse: path != ""}

	if path == "" {
		dir, err := os.MkdirTemp("", "filebacked-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
		c.tempDir = dir
		path = filepath.Join(dir, DefaultFileName)
	} else if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	c.path = path

	db, err := sql.Open("sqlite", path)
	if err != nil {
		c.removeTemp()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: the pragmas below are per connection and the
	// collections assume their writes are visible to the next read.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA locking_mode = EXCLUSIVE`,
		`PRAGMA synchronous = OFF`,
		`PRAGMA journal_mode = MEMORY`,
		`PRAGMA journal_size_limit = 104857600`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			c.removeTemp()
			return nil, fmt.Errorf("failed to configure sqlite (%s): %w", pragma, err)
		}
	}

	c.db = db
	logger.Debug("opened file-backed store", slog.String("path", path), slog.Bool("reuse_tables", c.allowReuse))
	return c, nil
}

// DB returns the underlying database handle.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// Path returns the database file path.
func (c *Conn) Path() string {
	return c.path
}

// AllowTableReuse reports whether existing tables are kept and reused.
func (c *Conn) AllowTableReuse() bool {
	return c.allowReuse
}

// Close closes the database and removes the temporary directory, if any.
func (c *Conn) Close() error {
	var err error
	if c.db != nil {
		err = c.db.Close()
		c.db = nil
	}
	c.removeTemp()
	return err
}

func (c *Conn) removeTemp() {
	if c.tempDir == "" {
		return
	}
	if err := os.RemoveAll(c.tempDir); err != nil {
		c.logger.Warn("failed to remove temp directory", slog.String("dir", c.tempDir), slog.Any("error", err))
	}
	c.tempDir = ""
}

func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}
