// Package querylog caches query logs in file-backed storage.
//
// Log files hold one JSON object per line. The "type" field selects the
// aggregator item the line decodes to and defaults to a query. Loaded
// lines are stored in a SQLite file, so a rerun over the same files
// reads them from the cache instead of parsing the sources again. A file
// whose size or modification time changed is loaded anew.
package querylog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/leapstack-labs/leaplineage/pkg/aggregator"
	"github.com/leapstack-labs/leaplineage/pkg/filebacked"
)

// ErrClosed is returned when a log is used after Close.
var ErrClosed = errors.New("query log is closed")

const (
	entriesTable = "audit_log"
	sourcesTable = "audit_log_sources"

	ctxCheckInterval = 1024
)

// Options configures a Log.
type Options struct {
	// Path of the cache database. Empty keeps the cache in a temporary
	// directory for the lifetime of the Log.
	Path string
	// DefaultDB and DefaultSchema are applied to queries and view
	// definitions that carry none.
	DefaultDB     string
	DefaultSchema string
	Logger        *slog.Logger
}

// Entry is one stored log line.
type Entry struct {
	Source string `json:"source"`
	// Generation ties the entry to one load of its source.
	Generation int             `json:"generation"`
	Line       int             `json:"line"`
	Kind       Kind            `json:"kind"`
	Raw        json.RawMessage `json:"raw"`
}

// Source describes one loaded input.
type Source struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	Generation int       `json:"generation"`
	// Complete is set once every line has been stored.
	Complete bool `json:"complete"`
	Entries  int  `json:"entries"`
	Skipped  int  `json:"skipped"`
}

// Log is a cached query log. It is not safe for concurrent use.
type Log struct {
	opts    Options
	conn    *filebacked.Conn
	entries *filebacked.List[Entry]
	sources *filebacked.Dict[Source]
	logger  *slog.Logger
}

// Open opens the cache at opts.Path, creating it when missing.
func Open(opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	logger := opts.Logger.With(slog.String("component", "querylog"))

	conn, err := filebacked.Open(opts.Path, logger)
	if err != nil {
		return nil, err
	}
	entries, err := filebacked.NewList(filebacked.DictOptions[Entry]{
		Conn:     conn,
		Table:    entriesTable,
		Compress: true,
		ExtraColumns: map[string]func(Entry) any{
			"source": func(e Entry) any { return e.Source },
		},
		Logger: logger,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sources, err := filebacked.NewDict(filebacked.DictOptions[Source]{
		Conn:         conn,
		Table:        sourcesTable,
		CacheMaxSize: -1,
		Logger:       logger,
	})
	if err != nil {
		_ = entries.Close()
		_ = conn.Close()
		return nil, err
	}
	if n := entries.Len(); n > 0 {
		logger.Debug("reusing cached query log", slog.String("path", conn.Path()), slog.Int("entries", n))
	}
	return &Log{opts: opts, conn: conn, entries: entries, sources: sources, logger: logger}, nil
}

// Path returns the cache database path.
func (l *Log) Path() string {
	if l.conn == nil {
		return ""
	}
	return l.conn.Path()
}

// Close flushes the cache and closes it.
func (l *Log) Close() error {
	if l.conn == nil {
		return nil
	}
	err := errors.Join(l.entries.Close(), l.sources.Close(), l.conn.Close())
	l.conn = nil
	return err
}

// Sources returns the complete sources in load order.
func (l *Log) Sources() ([]Source, error) {
	if l.conn == nil {
		return nil, ErrClosed
	}
	var out []Source
	err := l.sources.Range(func(_ string, s Source) bool {
		if s.Complete {
			out = append(out, s)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Source) int { return a.Generation - b.Generation })
	return out, nil
}

// LoadFile loads a log file unless an unchanged copy is already cached.
// The bool reports a cache hit. Files ending in .gz or .zst are
// decompressed.
func (l *Log) LoadFile(ctx context.Context, path string) (Source, bool, error) {
	if l.conn == nil {
		return Source{}, false, ErrClosed
	}
	name, err := filepath.Abs(path)
	if err != nil {
		return Source{}, false, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	info, err := os.Stat(name)
	if err != nil {
		return Source{}, false, fmt.Errorf("failed to open query log: %w", err)
	}

	prev, ok, err := l.sources.Get(name)
	if err != nil {
		return Source{}, false, err
	}
	if ok && prev.Complete && prev.Size == info.Size() && prev.ModTime.Equal(info.ModTime()) {
		l.logger.Info("using cached query log",
			slog.String("source", name), slog.Int("entries", prev.Entries))
		return prev, true, nil
	}

	r, err := openFile(name)
	if err != nil {
		return Source{}, false, err
	}
	defer func() { _ = r.Close() }()

	src := Source{Name: name, Size: info.Size(), ModTime: info.ModTime()}
	src, err = l.load(ctx, src, r)
	return src, false, err
}

// Load stores the lines read from r under the source name. Any earlier
// load of the same name is superseded.
func (l *Log) Load(ctx context.Context, name string, r io.Reader) (Source, error) {
	if l.conn == nil {
		return Source{}, ErrClosed
	}
	return l.load(ctx, Source{Name: name}, r)
}

func (l *Log) load(ctx context.Context, src Source, r io.Reader) (Source, error) {
	gen, err := l.nextGeneration()
	if err != nil {
		return Source{}, err
	}
	src.Generation = gen
	if err := l.sources.Set(src.Name, src); err != nil {
		return Source{}, err
	}

	sc := newScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Source{}, err
			}
		}
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		kind, err := kindOf(line)
		if err == nil {
			_, err = decodeKind(kind, line)
		}
		if err != nil {
			src.Skipped++
			level := slog.LevelDebug
			if src.Skipped == 1 {
				level = slog.LevelWarn
			}
			l.logger.Log(ctx, level, "skipping invalid query log line",
				slog.String("source", src.Name), slog.Int("line", lineNo), slog.Any("error", err))
			continue
		}
		entry := Entry{
			Source:     src.Name,
			Generation: gen,
			Line:       lineNo,
			Kind:       kind,
			Raw:        json.RawMessage(slices.Clone(line)),
		}
		if err := l.entries.Append(entry); err != nil {
			return Source{}, err
		}
		src.Entries++
	}
	if err := sc.Err(); err != nil {
		return Source{}, fmt.Errorf("failed to read query log %s at line %d: %w", src.Name, lineNo+1, err)
	}

	src.Complete = true
	if err := l.sources.Set(src.Name, src); err != nil {
		return Source{}, err
	}
	if err := l.entries.Flush(); err != nil {
		return Source{}, err
	}
	l.logger.Info("loaded query log",
		slog.String("source", src.Name), slog.Int("entries", src.Entries), slog.Int("skipped", src.Skipped))
	return src, nil
}

func (l *Log) nextGeneration() (int, error) {
	gen := 0
	err := l.sources.Range(func(_ string, s Source) bool {
		gen = max(gen, s.Generation)
		return true
	})
	return gen + 1, err
}

// Items decodes the cached entries of one source, or of every source
// when source is empty, and passes them to fn in load order. Entries of
// incomplete or superseded loads are skipped. An error from fn stops
// the iteration and is returned.
func (l *Log) Items(ctx context.Context, source string, fn func(aggregator.Item) error) error {
	if l.conn == nil {
		return ErrClosed
	}
	current := make(map[string]int)
	err := l.sources.Range(func(name string, s Source) bool {
		if s.Complete {
			current[name] = s.Generation
		}
		return true
	})
	if err != nil {
		return err
	}

	cond, args := "", []any(nil)
	if source != "" {
		if abs, err := filepath.Abs(source); err == nil {
			if _, ok := current[abs]; ok {
				source = abs
			}
		}
		cond, args = "source = ?", []any{source}
	}

	var iterErr error
	err = l.entries.Dict().RangeWhere(cond, func(_ string, e Entry) bool {
		if gen, ok := current[e.Source]; !ok || gen != e.Generation {
			return true
		}
		if iterErr = ctx.Err(); iterErr != nil {
			return false
		}
		item, err := decodeKind(e.Kind, e.Raw)
		if err != nil {
			iterErr = fmt.Errorf("%s:%d: %w", e.Source, e.Line, err)
			return false
		}
		l.applyDefaults(item)
		iterErr = fn(item)
		return iterErr == nil
	}, args...)
	if err != nil {
		return err
	}
	return iterErr
}

func (l *Log) applyDefaults(item aggregator.Item) {
	switch it := item.(type) {
	case *aggregator.ObservedQuery:
		if it.DefaultDB == "" {
			it.DefaultDB = l.opts.DefaultDB
		}
		if it.DefaultSchema == "" {
			it.DefaultSchema = l.opts.DefaultSchema
		}
	case *aggregator.ViewDefinition:
		if it.DefaultDB == "" {
			it.DefaultDB = l.opts.DefaultDB
		}
		if it.DefaultSchema == "" {
			it.DefaultSchema = l.opts.DefaultSchema
		}
	}
}
