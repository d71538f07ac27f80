// Package catalog is the local schema catalog: a SQLite database of the
// column schemas of known datasets, keyed by dataset urn.
//
// The catalog is filled by Sync from a live database and read by the
// schema resolver through GetSchema, so lineage runs do not need a
// database connection of their own.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
)

// ErrNotOpen is returned when the store is used before Open or after Close.
var ErrNotOpen = errors.New("catalog not opened")

// RunStatus is the outcome of a sync run.
type RunStatus string

// Sync run states.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// SyncRun records one sync from a live database.
type SyncRun struct {
	ID           string     `json:"id" yaml:"id"`
	SourceType   string     `json:"source_type" yaml:"source_type"`
	Platform     string     `json:"platform" yaml:"platform"`
	Status       RunStatus  `json:"status" yaml:"status"`
	StartedAt    time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	TablesSynced int        `json:"tables_synced" yaml:"tables_synced"`
	TablesFailed int        `json:"tables_failed" yaml:"tables_failed"`
	Error        string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Dataset summarizes one cataloged dataset.
type Dataset struct {
	URN      string    `json:"urn" yaml:"urn"`
	Platform string    `json:"platform" yaml:"platform"`
	Name     string    `json:"name" yaml:"name"`
	Fields   int       `json:"fields" yaml:"fields"`
	SyncedAt time.Time `json:"synced_at" yaml:"synced_at"`
}

// Store is a SQLite-backed catalog.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the catalog at path and applies pending migrations.
// Use ":memory:" for a throwaway catalog.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		path:   path,
		logger: logger.With(slog.String("component", "catalog")),
		now:    time.Now,
	}, nil
}

// Path returns the path the store was opened on.
func (s *Store) Path() string {
	return s.path
}

// Close closes the catalog database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// PutTable replaces the schema of urn with the columns of meta.
func (s *Store) PutTable(ctx context.Context, runID, urn string, meta *core.TableMetadata) error {
	if s.db == nil {
		return ErrNotOpen
	}
	platform, name, _, ok := core.ParseDatasetURN(urn)
	if !ok {
		return fmt.Errorf("invalid dataset urn %q", urn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var run any
	if runID != "" {
		run = runID
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE urn = ?`, urn); err != nil {
		return fmt.Errorf("failed to replace dataset %s: %w", urn, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO datasets (urn, platform, name, run_id, synced_at) VALUES (?, ?, ?, ?, ?)`,
		urn, platform, name, run, s.now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert dataset %s: %w", urn, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dataset_fields (urn, field_path, native_type, nullable, position) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare field insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, col := range meta.Columns {
		pos := col.Position
		if pos == 0 {
			pos = i + 1
		}
		if _, err := stmt.ExecContext(ctx, urn, col.Name, col.Type, col.Nullable, pos); err != nil {
			return fmt.Errorf("failed to insert field %s.%s: %w", urn, col.Name, err)
		}
	}

	return tx.Commit()
}

// GetSchema returns the schema aspect of urn, or nil when the catalog
// does not know the dataset. It makes Store a schema.Catalog.
func (s *Store) GetSchema(ctx context.Context, urn string) (*schema.SchemaMetadata, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM datasets WHERE urn = ?`, urn).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset %s: %w", urn, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT field_path, native_type FROM dataset_fields WHERE urn = ? ORDER BY position`, urn)
	if err != nil {
		return nil, fmt.Errorf("failed to get fields of %s: %w", urn, err)
	}
	defer func() { _ = rows.Close() }()

	meta := &schema.SchemaMetadata{Fields: []schema.SchemaField{}}
	for rows.Next() {
		var f schema.SchemaField
		if err := rows.Scan(&f.FieldPath, &f.NativeDataType); err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		meta.Fields = append(meta.Fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fields: %w", err)
	}
	return meta, nil
}

// ListDatasets returns the cataloged datasets of a platform, or of all
// platforms when platform is empty, ordered by urn.
func (s *Store) ListDatasets(ctx context.Context, platform string) ([]Dataset, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.urn, d.platform, d.name, d.synced_at,
			(SELECT COUNT(*) FROM dataset_fields f WHERE f.urn = d.urn)
		FROM datasets d
		WHERE ? = '' OR d.platform = ?
		ORDER BY d.urn
	`, platform, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Dataset
	for rows.Next() {
		var d Dataset
		if err := rows.Scan(&d.URN, &d.Platform, &d.Name, &d.SyncedAt, &d.Fields); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDataset removes urn and its fields. Deleting an unknown urn is
// not an error.
func (s *Store) DeleteDataset(ctx context.Context, urn string) error {
	if s.db == nil {
		return ErrNotOpen
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE urn = ?`, urn); err != nil {
		return fmt.Errorf("failed to delete dataset %s: %w", urn, err)
	}
	return nil
}

// --- Sync runs ---

func (s *Store) createRun(ctx context.Context, sourceType, platform string) (*SyncRun, error) {
	run := &SyncRun{
		ID:         uuid.New().String(),
		SourceType: sourceType,
		Platform:   platform,
		Status:     RunStatusRunning,
		StartedAt:  s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, source_type, platform, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.SourceType, run.Platform, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}
	return run, nil
}

func (s *Store) completeRun(ctx context.Context, run *SyncRun) error {
	completed := s.now().UTC()
	run.CompletedAt = &completed
	var errMsg any
	if run.Error != "" {
		errMsg = run.Error
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, completed_at = ?, tables_synced = ?, tables_failed = ?, error = ? WHERE id = ?`,
		run.Status, completed, run.TablesSynced, run.TablesFailed, errMsg, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete sync run: %w", err)
	}
	return nil
}

// LastRun returns the most recent sync run, or nil when there is none.
func (s *Store) LastRun(ctx context.Context) (*SyncRun, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	run := &SyncRun{}
	var completedAt sql.NullTime
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_type, platform, status, started_at, completed_at, tables_synced, tables_failed, error
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(&run.ID, &run.SourceType, &run.Platform, &run.Status, &run.StartedAt,
		&completedAt, &run.TablesSynced, &run.TablesFailed, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync run: %w", err)
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Error = errMsg.String
	return run, nil
}

// Ensure Store can back a schema resolver.
var _ schema.Catalog = (*Store)(nil)
