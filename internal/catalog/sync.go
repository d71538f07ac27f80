package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leaplineage/pkg/adapter"
	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// URNBuilder maps table names to dataset urns. *schema.Resolver
// implements it, which keeps synced urns identical to the urns lineage
// looks up.
type URNBuilder interface {
	URNForTable(t core.TableName, lower bool) string
	Platform() string
}

// SyncOptions configures Sync.
type SyncOptions struct {
	// SourceType is recorded on the run, e.g. "postgres".
	SourceType string
	// Database qualifies the synced table names. Empty leaves them
	// schema-qualified only.
	Database string
	// Schemas to sync. Empty syncs the adapter's default schema.
	Schemas []string
	// Parallel bounds concurrent metadata reads; values below 1 mean 4.
	Parallel int
}

// Sync reads every table of the configured schemas from adp and stores
// its columns. A table that cannot be described is logged, counted and
// skipped; the run fails only when listing a schema fails or the
// catalog cannot be written.
func (s *Store) Sync(ctx context.Context, adp adapter.Adapter, urns URNBuilder, opts SyncOptions) (*SyncRun, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 4
	}
	schemas := opts.Schemas
	if len(schemas) == 0 {
		schemas = []string{""}
	}

	run, err := s.createRun(ctx, opts.SourceType, urns.Platform())
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.String("run_id", run.ID))

	syncErr := s.syncSchemas(ctx, adp, urns, opts.Database, schemas, parallel, run, logger)
	if syncErr != nil {
		run.Status = RunStatusFailed
		run.Error = syncErr.Error()
	} else {
		run.Status = RunStatusCompleted
	}
	// record the outcome even when ctx was cancelled
	if err := s.completeRun(context.WithoutCancel(ctx), run); err != nil {
		return run, errors.Join(syncErr, err)
	}

	logger.Info("catalog sync finished",
		slog.String("status", string(run.Status)),
		slog.Int("tables_synced", run.TablesSynced),
		slog.Int("tables_failed", run.TablesFailed))
	return run, syncErr
}

func (s *Store) syncSchemas(ctx context.Context, adp adapter.Adapter, urns URNBuilder, database string,
	schemas []string, parallel int, run *SyncRun, logger *slog.Logger,
) error {
	var mu sync.Mutex // guards run counters and catalog writes

	for _, sch := range schemas {
		tables, err := adp.ListTables(ctx, sch)
		if err != nil {
			return fmt.Errorf("failed to list tables of schema %q: %w", sch, err)
		}
		logger.Debug("syncing schema", slog.String("schema", sch), slog.Int("tables", len(tables)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(parallel)
		for _, table := range tables {
			qualified := table
			if sch != "" {
				qualified = sch + "." + table
			}
			g.Go(func() error {
				meta, err := adp.GetTableMetadata(gctx, qualified)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					logger.Warn("failed to describe table", slog.String("table", qualified), slog.String("error", err.Error()))
					mu.Lock()
					run.TablesFailed++
					mu.Unlock()
					return nil
				}

				name := core.TableName{Database: database, Schema: meta.Schema, Table: meta.Name}
				urn := urns.URNForTable(name, false)

				mu.Lock()
				defer mu.Unlock()
				if err := s.PutTable(gctx, run.ID, urn, meta); err != nil {
					return err
				}
				run.TablesSynced++
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
