package commands

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/catalog"
	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/pkg/adapter"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
)

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the local schema catalog",
		Long: `The catalog is a local SQLite database of table schemas. Lineage
uses it to expand SELECT * and to tell columns of joined tables apart.`,
	}
	cmd.PersistentFlags().String("catalog", "", "Catalog database path")
	cmd.AddCommand(newCatalogSyncCommand())
	cmd.AddCommand(newCatalogShowCommand())
	return cmd
}

func newCatalogSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy table schemas from a live database into the catalog",
		Example: `  # Sync two postgres schemas (connection settings from leaplineage.yaml)
  leaplineage catalog sync --catalog catalog.db --schema public --schema sales

  # Sync a DuckDB file
  leaplineage catalog sync --platform duckdb --sync-type duckdb --sync-path warehouse.duckdb`,
		Args: cobra.NoArgs,
		RunE: runCatalogSync,
	}
	cmd.Flags().String("sync-type", "", "Source database type (postgres, duckdb)")
	cmd.Flags().String("sync-path", "", "Database file of a file-based source")
	cmd.Flags().String("sync-host", "", "Source database host")
	cmd.Flags().Int("sync-port", 0, "Source database port")
	cmd.Flags().String("sync-database", "", "Source database name")
	cmd.Flags().String("sync-user", "", "Source database user")
	cmd.Flags().String("sync-password", "", "Source database password")
	cmd.Flags().StringSlice("schema", nil, "Schemas to sync (repeatable)")
	return cmd
}

func runCatalogSync(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	cfg := cc.Cfg
	if err := cfg.ValidateSync(); err != nil {
		return err
	}
	ctx := cmd.Context()
	if !adapter.Seeds(cfg.Sync.Type, cfg.Platform) {
		cc.Logger.Warn("sync source does not match the query platform; synced urns may never be looked up",
			slog.String("sync_type", cfg.Sync.Type), slog.String("platform", cfg.Platform),
			slog.Any("seeds", adapter.Platforms(cfg.Sync.Type)))
	}

	store, closeCatalog, err := cc.openCatalog()
	if err != nil {
		return err
	}
	defer closeCatalog()

	// urns only; lookups never happen during a sync
	resolver, err := cc.newResolver(nil, schema.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = resolver.Close() }()

	adp, err := adapter.NewAdapter(cfg.Sync.AdapterConfig(), cc.Logger)
	if err != nil {
		return err
	}
	if err := adp.Connect(ctx, cfg.Sync.AdapterConfig()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Sync.Type, err)
	}
	defer func() { _ = adp.Close() }()

	run, err := store.Sync(ctx, adp, resolver, catalog.SyncOptions{
		SourceType: cfg.Sync.Type,
		Database:   cmp.Or(cfg.DefaultDB, cfg.Sync.Database),
		Schemas:    cfg.Sync.Schemas,
		Parallel:   cfg.Sync.Parallel,
	})
	if run != nil {
		renderRun(cc.Renderer, run)
	}
	return err
}

func renderRun(r *output.Renderer, run *catalog.SyncRun) {
	if r.EffectiveMode() != output.ModeText {
		_ = r.Encode(run)
		return
	}
	r.Printf("Sync %s %s: %d table(s) synced, %d failed\n", run.ID, run.Status, run.TablesSynced, run.TablesFailed)
	if run.Error != "" {
		r.Printf("Error: %s\n", run.Error)
	}
}

func newCatalogShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [table|urn]",
		Short: "List cataloged datasets or show the schema of one",
		Example: `  leaplineage catalog show
  leaplineage catalog show sales.orders
  leaplineage catalog show "urn:li:dataset:(urn:li:dataPlatform:postgres,shop.sales.orders,PROD)"`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCatalogShow,
	}
	return cmd
}

func runCatalogShow(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	if cc.Cfg.Catalog.Path == "" {
		return errors.New("catalog.path is not set\nHint: set catalog.path in leaplineage.yaml or pass --catalog")
	}
	ctx := cmd.Context()
	store, closeCatalog, err := cc.openCatalog()
	if err != nil {
		return err
	}
	defer closeCatalog()
	r := cc.Renderer

	if len(args) == 0 {
		datasets, err := store.ListDatasets(ctx, cc.Cfg.Platform)
		if err != nil {
			return err
		}
		last, err := store.LastRun(ctx)
		if err != nil {
			return err
		}
		if r.EffectiveMode() != output.ModeText {
			return r.Encode(struct {
				Datasets []catalog.Dataset `json:"datasets"`
				LastRun  *catalog.SyncRun  `json:"last_run,omitempty"`
			}{Datasets: datasets, LastRun: last})
		}
		rows := make([][]any, 0, len(datasets))
		for _, d := range datasets {
			rows = append(rows, []any{d.Name, d.Fields, d.SyncedAt.Format(time.RFC3339)})
		}
		r.Header(fmt.Sprintf("Datasets (%d)", len(datasets)))
		r.Table(r.Out(), []string{"NAME", "FIELDS", "SYNCED"}, rows)
		if last != nil {
			r.Printf("Last sync: %s (%s)\n", last.StartedAt.Format(time.RFC3339), last.Status)
		}
		return nil
	}

	urn := args[0]
	if !strings.HasPrefix(urn, "urn:li:") {
		resolver, err := cc.newResolver(nil, schema.Options{})
		if err != nil {
			return err
		}
		t := core.ParseTableName(urn).Qualified(cc.Cfg.DefaultDB, cc.Cfg.DefaultSchema)
		urn = resolver.URNForTable(t, false)
		_ = resolver.Close()
	}
	meta, err := store.GetSchema(ctx, urn)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("dataset %s not found in catalog", urn)
	}
	if r.EffectiveMode() != output.ModeText {
		return r.Encode(struct {
			URN    string               `json:"urn"`
			Fields []schema.SchemaField `json:"fields"`
		}{URN: urn, Fields: meta.Fields})
	}
	rows := make([][]any, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		rows = append(rows, []any{f.FieldPath, f.NativeDataType})
	}
	r.Header(urn)
	r.Table(r.Out(), []string{"FIELD", "TYPE"}, rows)
	return nil
}
