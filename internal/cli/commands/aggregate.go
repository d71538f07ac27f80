package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/leaplineage/internal/catalog"
	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/internal/predicate"
	"github.com/leapstack-labs/leaplineage/internal/querylog"
	"github.com/leapstack-labs/leaplineage/pkg/aggregator"
	"github.com/leapstack-labs/leaplineage/pkg/filebacked"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
	"github.com/leapstack-labs/leaplineage/pkg/toolmeta"
)

// partitionQueueSize buffers items handed to a partition.
const partitionQueueSize = 256

// NewAggregateCommand creates the aggregate command.
func NewAggregateCommand() *cobra.Command {
	var reportFile string

	cmd := &cobra.Command{
		Use:   "aggregate <log>...",
		Short: "Aggregate query logs into lineage, query and usage records",
		Long: `Read query logs and emit deduplicated lineage, query, usage and
operation records.

Each log file holds one JSON object per line. The "type" field selects
the entry kind (query, preparsed, known_lineage, view, rename) and
defaults to query. Files ending in .gz or .zst are decompressed; "-"
reads standard input.

Records are written to stdout as JSON lines (or YAML documents with
--output yaml). On a terminal a table of records and a run summary are
printed instead.`,
		Example: `  # Lineage and queries from one log
  leaplineage aggregate queries.jsonl

  # Usage statistics for one week, bucketed by hour
  leaplineage aggregate --usage --start 2026-03-01 --end 2026-03-08 --bucket-duration hour logs/*.jsonl

  # Four aggregators side by side, schemas from a synced catalog
  leaplineage aggregate --parallel 4 --catalog catalog.db logs/*.jsonl.gz`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(cmd, args, reportFile)
		},
	}

	cmd.Flags().String("start", "", "Start of the usage window (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().String("end", "", "End of the usage window (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().String("bucket-duration", "", "Usage bucket width: hour, day or month")
	cmd.Flags().Bool("usage", false, "Emit dataset usage statistics")
	cmd.Flags().Bool("query-usage", false, "Emit query usage statistics")
	cmd.Flags().Bool("operations", false, "Emit operation records")
	cmd.Flags().Bool("format-queries", false, "Pretty-print query text in query records")
	cmd.Flags().Int("parallel", 0, "Number of aggregators run side by side")
	cmd.Flags().String("cache-dir", "", "Directory of the cached audit log")
	cmd.Flags().String("catalog", "", "Catalog database used for schema lookups")
	cmd.Flags().StringVar(&reportFile, "report-file", "", "Write the run report to this file (.json or .yaml)")

	_ = cmd.RegisterFlagCompletionFunc("bucket-duration", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"hour", "day", "month"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// partition is one aggregator with the state it owns.
type partition struct {
	name     string
	conn     *filebacked.Conn
	resolver *schema.Resolver
	agg      *aggregator.Aggregator
}

func (p *partition) close() {
	if p.agg != nil {
		_ = p.agg.Close()
	}
	if p.resolver != nil {
		_ = p.resolver.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func runAggregate(cmd *cobra.Command, args []string, reportFile string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	cfg := cc.Cfg
	ctx := cmd.Context()
	started := time.Now()

	qlog, err := querylog.Open(querylog.Options{
		Path:          cfg.AuditLogPath(),
		DefaultDB:     cfg.DefaultDB,
		DefaultSchema: cfg.DefaultSchema,
		Logger:        cc.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log cache: %w", err)
	}
	defer func() { _ = qlog.Close() }()

	sources, err := loadSources(ctx, cmd, cc, qlog, args)
	if err != nil {
		return err
	}

	preds, err := cfg.Predicates(cc.Logger)
	if err != nil {
		return err
	}
	store, closeCatalog, err := cc.openCatalog()
	if err != nil {
		return err
	}
	defer closeCatalog()

	n := max(1, min(cfg.Parallel, len(sources)))
	parts := make([]*partition, 0, n)
	defer func() {
		for _, p := range parts {
			p.close()
		}
	}()
	for i := range n {
		name := "all"
		if n > 1 {
			name = fmt.Sprintf("partition-%d", i+1)
		}
		p, err := cc.newPartition(name, store, preds)
		if err != nil {
			return err
		}
		parts = append(parts, p)
	}

	if err := feedPartitions(ctx, qlog, sources, parts); err != nil {
		return err
	}

	records := cc.Renderer.NewRecordWriter()
	reports := make([]output.NamedReport, 0, len(parts))
	for _, p := range parts {
		if err := p.agg.GenMetadata(ctx, records.Write); err != nil {
			return fmt.Errorf("%s: failed to generate metadata: %w", p.name, err)
		}
		reports = append(reports, output.NamedReport{Name: p.name, Report: p.agg.Report()})
	}
	if err := records.Close(); err != nil {
		return err
	}

	w := cmd.ErrOrStderr()
	if cc.Renderer.EffectiveMode() == output.ModeText {
		w = cmd.OutOrStdout()
	}
	cc.Renderer.Summary(w, reports)
	cc.Renderer.Status("Emitted %d records from %d log(s) in %s",
		records.Count(), len(sources), time.Since(started).Round(time.Millisecond))

	if reportFile != "" {
		return writeReportFile(reportFile, reports)
	}
	return nil
}

// loadSources loads every argument into the audit log cache and returns
// the source names in argument order.
func loadSources(ctx context.Context, cmd *cobra.Command, cc *CommandContext, qlog *querylog.Log, args []string) ([]string, error) {
	names := make([]string, 0, len(args))
	for _, arg := range args {
		var (
			src    querylog.Source
			cached bool
			err    error
		)
		if arg == "-" {
			src, err = qlog.Load(ctx, "stdin", cmd.InOrStdin())
		} else {
			src, cached, err = qlog.LoadFile(ctx, arg)
		}
		if err != nil {
			return nil, err
		}
		state := "loaded"
		if cached {
			state = "cached"
		}
		cc.Logger.Debug("query log ready",
			slog.String("source", src.Name), slog.String("state", state),
			slog.Int("entries", src.Entries), slog.Int("skipped", src.Skipped))
		if src.Skipped > 0 {
			cc.Renderer.Status("%s: skipped %d invalid line(s)", filepath.Base(src.Name), src.Skipped)
		}
		names = append(names, src.Name)
	}
	return names, nil
}

func (cc *CommandContext) newPartition(name string, store *catalog.Store, preds *predicate.Set) (_ *partition, err error) {
	cfg := cc.Cfg
	logger := cc.Logger.With(slog.String("partition", name))
	p := &partition{name: name}
	defer func() {
		if err != nil {
			p.close()
		}
	}()

	if p.conn, err = filebacked.Open("", logger); err != nil {
		return nil, err
	}
	if p.resolver, err = cc.newResolver(store, schema.Options{CacheConn: p.conn}); err != nil {
		return nil, err
	}

	var tm *toolmeta.Extractor
	if cfg.ToolMeta.Enabled {
		tm = &toolmeta.Extractor{LookerUserMapping: cfg.ToolMeta.LookerUserMapping, Logger: logger}
	}
	p.agg, err = aggregator.New(aggregator.Config{
		Resolver:       p.resolver,
		Generate:       cfg.Generate.AggregatorGenerate(),
		Window:         cfg.Window.AggregatorWindow(),
		IsAllowedTable: preds.IsAllowedTable,
		IsTempTable:    preds.IsTempTable,
		FormatQueries:  cfg.FormatQueries,
		ToolMeta:       tm,
		CacheConn:      p.conn,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// feedPartitions adds the cached items to the partitions. With more
// than one partition the sources are spread round robin and every
// aggregator runs in its own goroutine.
func feedPartitions(ctx context.Context, qlog *querylog.Log, sources []string, parts []*partition) error {
	if len(parts) == 1 {
		p := parts[0]
		return qlog.Items(ctx, "", func(item aggregator.Item) error {
			return p.agg.Add(ctx, item)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan aggregator.Item, len(parts))
	for i, p := range parts {
		queue := make(chan aggregator.Item, partitionQueueSize)
		queues[i] = queue
		g.Go(func() error {
			for item := range queue {
				if err := p.agg.Add(gctx, item); err != nil {
					return fmt.Errorf("%s: %w", p.name, err)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, queue := range queues {
				close(queue)
			}
		}()
		for i, src := range sources {
			queue := queues[i%len(queues)]
			err := qlog.Items(gctx, src, func(item aggregator.Item) error {
				select {
				case queue <- item:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func writeReportFile(path string, reports []output.NamedReport) error {
	byName := make(map[string]aggregator.Report, len(reports))
	for _, nr := range reports {
		byName[nr.Name] = nr.Report
	}
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(byName)
	default:
		data, err = json.MarshalIndent(byName, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
