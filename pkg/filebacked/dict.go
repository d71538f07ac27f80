package filebacked

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	list "github.com/bahlo/generic-list-go"
)

const (
	// DefaultTableName is used when DictOptions.Table is empty.
	DefaultTableName = "data"
	// DefaultCacheMaxSize is the number of values kept in memory.
	DefaultCacheMaxSize = 2000
	// DefaultEvictionBatchSize is how many values are written out at once
	// when the cache overflows.
	DefaultEvictionBatchSize = 200

	rangePageSize = 500
)

// ErrNotFound is returned when a key is not present.
var ErrNotFound = errors.New("key not found")

// Flusher is implemented by every collection; Query flushes the
// collections it references before running.
type Flusher interface {
	Flush() error
}

// DictOptions configures a Dict.
type DictOptions[V any] struct {
	// Conn is a shared connection. A nil Conn opens a private temporary
	// database that is removed when the Dict is closed.
	Conn *Conn
	// Table is the table holding the values.
	Table string
	// Codec defaults to JSON.
	Codec Codec[V]
	// ExtraColumns are derived from each value on write and indexed, so
	// that RangeWhere and Query can filter on them.
	ExtraColumns map[string]func(V) any
	// CacheMaxSize defaults to DefaultCacheMaxSize. A negative value
	// disables the cache: every write goes straight to the database.
	CacheMaxSize int
	// EvictionBatchSize defaults to DefaultEvictionBatchSize.
	EvictionBatchSize int
	// Compress gzips stored values.
	Compress bool
	Logger   *slog.Logger
}

type cacheEntry[V any] struct {
	key   string
	value V
	dirty bool
}

// Dict is a string-keyed map stored in SQLite with an in-memory LRU
// cache in front. Cached values carry a dirty bit and are written back
// when evicted or flushed.
//
// Values handed out by Get are shared with the cache. Callers that
// modify a value in place must obtain it with ForMutation or call
// MarkDirty, otherwise the change may be lost on eviction.
type Dict[V any] struct {
	conn       *Conn
	ownsConn   bool
	table      string
	codec      Codec[V]
	extraNames []string
	extra      map[string]func(V) any
	cacheMax   int
	evictBatch int
	lru        *list.List[*cacheEntry[V]]
	index      map[string]*list.Element[*cacheEntry[V]]
	logger     *slog.Logger
}

// NewDict creates the backing table (or reuses it when the connection
// allows) and returns an empty cache over it.
func NewDict[V any](opts DictOptions[V]) (*Dict[V], error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Table == "" {
		opts.Table = DefaultTableName
	}
	if err := validateTableName(opts.Table); err != nil {
		return nil, err
	}
	if opts.Codec.Marshal == nil || opts.Codec.Unmarshal == nil {
		opts.Codec = JSONCodec[V]()
	}
	if opts.Compress {
		opts.Codec = gzipCodec(opts.Codec)
	}
	switch {
	case opts.CacheMaxSize == 0:
		opts.CacheMaxSize = DefaultCacheMaxSize
	case opts.CacheMaxSize < 0:
		opts.CacheMaxSize = 0
	}
	if opts.EvictionBatchSize <= 0 {
		opts.EvictionBatchSize = DefaultEvictionBatchSize
	}

	d := &Dict[V]{
		conn:       opts.Conn,
		table:      opts.Table,
		codec:      opts.Codec,
		extra:      opts.ExtraColumns,
		cacheMax:   opts.CacheMaxSize,
		evictBatch: opts.EvictionBatchSize,
		lru:        list.New[*cacheEntry[V]](),
		index:      make(map[string]*list.Element[*cacheEntry[V]]),
		logger:     opts.Logger,
	}
	for name := range opts.ExtraColumns {
		if name == "key" || name == "value" {
			return nil, fmt.Errorf("%q is a reserved column name", name)
		}
		if err := validateTableName(name); err != nil {
			return nil, fmt.Errorf("invalid extra column: %w", err)
		}
		d.extraNames = append(d.extraNames, name)
	}
	sort.Strings(d.extraNames)

	if d.conn == nil {
		conn, err := Open("", opts.Logger)
		if err != nil {
			return nil, err
		}
		d.conn = conn
		d.ownsConn = true
	}

	if err := d.createTable(); err != nil {
		if d.ownsConn {
			_ = d.conn.Close()
		}
		return nil, err
	}
	return d, nil
}

func (d *Dict[V]) createTable() error {
	ifNotExists := ""
	if d.conn.AllowTableReuse() {
		ifNotExists = "IF NOT EXISTS "
	}
	var cols strings.Builder
	for _, name := range d.extraNames {
		cols.WriteString(", ")
		cols.WriteString(name)
		cols.WriteString(" BLOB")
	}
	//nolint:gosec // table and column names are validated identifiers
	ddl := fmt.Sprintf("CREATE TABLE %s%s (key TEXT PRIMARY KEY, value BLOB%s)", ifNotExists, d.table, cols.String())
	if _, err := d.conn.DB().Exec(ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", d.table, err)
	}
	for _, name := range d.extraNames {
		//nolint:gosec // table and column names are validated identifiers
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_%s ON %s (%s)", d.table, name, d.table, name)
		if _, err := d.conn.DB().Exec(idx); err != nil {
			return fmt.Errorf("failed to create index on %s.%s: %w", d.table, name, err)
		}
	}
	return nil
}

// Table returns the name of the backing table.
func (d *Dict[V]) Table() string {
	return d.table
}

// Conn returns the connection the dict writes to.
func (d *Dict[V]) Conn() *Conn {
	return d.conn
}

// Get returns the value stored under key.
func (d *Dict[V]) Get(key string) (V, bool, error) {
	if el, ok := d.index[key]; ok {
		d.lru.MoveToBack(el)
		return el.Value.value, true, nil
	}

	var zero V
	var raw []byte
	//nolint:gosec // table name is a validated identifier
	err := d.conn.DB().QueryRow(fmt.Sprintf("SELECT value FROM %s WHERE key = ?", d.table), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to read %s[%s]: %w", d.table, key, err)
	}
	v, err := d.codec.Unmarshal(raw)
	if err != nil {
		return zero, false, fmt.Errorf("failed to decode %s[%s]: %w", d.table, key, err)
	}
	if err := d.addToCache(key, v, false); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set stores value under key.
func (d *Dict[V]) Set(key string, value V) error {
	return d.addToCache(key, value, true)
}

// ForMutation returns the value under key and marks it dirty, so in-place
// changes are persisted. A missing key is initialized with init; a nil
// init turns a missing key into ErrNotFound.
func (d *Dict[V]) ForMutation(key string, init func() V) (V, error) {
	var zero V
	if d.cacheMax == 0 {
		return zero, errors.New("ForMutation requires the cache to be enabled")
	}
	v, ok, err := d.Get(key)
	if err != nil {
		return zero, err
	}
	if ok {
		return v, d.MarkDirty(key)
	}
	if init == nil {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	v = init()
	return v, d.Set(key, v)
}

// MarkDirty flags a cached value as modified.
func (d *Dict[V]) MarkDirty(key string) error {
	el, ok := d.index[key]
	if !ok {
		return fmt.Errorf("key %s is not in the cache, so any change to it is already persisted or lost", key)
	}
	el.Value.dirty = true
	return nil
}

// Delete removes key. It returns ErrNotFound when the key was absent.
func (d *Dict[V]) Delete(key string) error {
	inCache := false
	if el, ok := d.index[key]; ok {
		d.lru.Remove(el)
		delete(d.index, key)
		inCache = true
	}
	//nolint:gosec // table name is a validated identifier
	res, err := d.conn.DB().Exec(fmt.Sprintf("DELETE FROM %s WHERE key = ?", d.table), key)
	if err != nil {
		return fmt.Errorf("failed to delete %s[%s]: %w", d.table, key, err)
	}
	n, _ := res.RowsAffected()
	if !inCache && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// Len returns the number of stored keys.
func (d *Dict[V]) Len() (int, error) {
	if err := d.Flush(); err != nil {
		return 0, err
	}
	var n int
	//nolint:gosec // table name is a validated identifier
	if err := d.conn.DB().QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", d.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", d.table, err)
	}
	return n, nil
}

// Range calls fn for every key in key order until fn returns false.
func (d *Dict[V]) Range(fn func(key string, value V) bool) error {
	return d.RangeWhere("", fn)
}

// RangeWhere is Range restricted to rows matching cond, a SQL boolean
// expression over the key and extra columns (e.g. "bucket = ?").
// Rows are read a page at a time, so fn may read and write the dict.
func (d *Dict[V]) RangeWhere(cond string, fn func(key string, value V) bool, args ...any) error {
	if err := d.Flush(); err != nil {
		return err
	}

	type row struct {
		key string
		raw []byte
	}
	var (
		last    string
		started bool
	)
	for {
		where := make([]string, 0, 2)
		params := make([]any, 0, len(args)+2)
		if started {
			where = append(where, "key > ?")
			params = append(params, last)
		}
		if cond != "" {
			where = append(where, "("+cond+")")
			params = append(params, args...)
		}
		query := "SELECT key, value FROM " + d.table
		if len(where) > 0 {
			query += " WHERE " + strings.Join(where, " AND ")
		}
		query += " ORDER BY key LIMIT ?"
		params = append(params, rangePageSize)

		rows, err := d.conn.DB().Query(query, params...)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", d.table, err)
		}
		page := make([]row, 0, rangePageSize)
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.key, &r.raw); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan %s: %w", d.table, err)
			}
			page = append(page, r)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan %s: %w", d.table, err)
		}
		_ = rows.Close()

		for _, r := range page {
			var v V
			if el, ok := d.index[r.key]; ok {
				v = el.Value.value
			} else if v, err = d.codec.Unmarshal(r.raw); err != nil {
				return fmt.Errorf("failed to decode %s[%s]: %w", d.table, r.key, err)
			}
			if !fn(r.key, v) {
				return nil
			}
		}
		if len(page) < rangePageSize {
			return nil
		}
		last = page[len(page)-1].key
		started = true
	}
}

// Query runs a read query against the shared database after flushing
// this dict and every referenced collection. scan is called once per
// row; it must not use the database itself.
func (d *Dict[V]) Query(query string, refs []Flusher, scan func(*sql.Rows) error, args ...any) error {
	if err := d.Flush(); err != nil {
		return err
	}
	for _, ref := range refs {
		if err := ref.Flush(); err != nil {
			return err
		}
	}
	rows, err := d.conn.DB().Query(query, args...)
	if err != nil {
		return fmt.Errorf("failed to run query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Flush writes every dirty cached value to the database. Values stay cached.
func (d *Dict[V]) Flush() error {
	var dirty []*cacheEntry[V]
	for el := d.lru.Front(); el != nil; el = el.Next() {
		if el.Value.dirty {
			dirty = append(dirty, el.Value)
		}
	}
	if err := d.write(dirty); err != nil {
		return err
	}
	for _, e := range dirty {
		e.dirty = false
	}
	return nil
}

// Close flushes the dict and closes the connection if the dict owns it.
func (d *Dict[V]) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.Flush()
	if d.ownsConn {
		err = errors.Join(err, d.conn.Close())
	}
	d.conn = nil
	return err
}

func (d *Dict[V]) addToCache(key string, value V, dirty bool) error {
	if el, ok := d.index[key]; ok {
		el.Value.value = value
		el.Value.dirty = el.Value.dirty || dirty
		d.lru.MoveToBack(el)
	} else {
		d.index[key] = d.lru.PushBack(&cacheEntry[V]{key: key, value: value, dirty: dirty})
	}

	switch {
	case d.cacheMax == 0:
		return d.prune(d.lru.Len())
	case d.lru.Len() > d.cacheMax:
		// keep the entry just added, a MarkDirty call may follow
		return d.prune(min(d.lru.Len()-1, d.evictBatch))
	}
	return nil
}

// prune evicts the n least recently used entries, writing the dirty ones.
func (d *Dict[V]) prune(n int) error {
	evicted := make([]*cacheEntry[V], 0, n)
	for i := 0; i < n; i++ {
		el := d.lru.Front()
		if el == nil {
			break
		}
		e := d.lru.Remove(el)
		delete(d.index, e.key)
		if e.dirty {
			evicted = append(evicted, e)
		}
	}
	return d.write(evicted)
}

func (d *Dict[V]) write(entries []*cacheEntry[V]) error {
	if len(entries) == 0 {
		return nil
	}

	cols := append([]string{"key", "value"}, d.extraNames...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	//nolint:gosec // table and column names are validated identifiers
	stmtSQL := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", d.table, strings.Join(cols, ", "), placeholders)

	tx, err := d.conn.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin write to %s: %w", d.table, err)
	}
	stmt, err := tx.Prepare(stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare write to %s: %w", d.table, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		raw, err := d.codec.Marshal(e.value)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to encode %s[%s]: %w", d.table, e.key, err)
		}
		vals := make([]any, 0, len(cols))
		vals = append(vals, e.key, raw)
		for _, name := range d.extraNames {
			vals = append(vals, d.extra[name](e.value))
		}
		if _, err := stmt.Exec(vals...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to write %s[%s]: %w", d.table, e.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write to %s: %w", d.table, err)
	}
	d.logger.Debug("flushed file-backed values", slog.String("table", d.table), slog.Int("count", len(entries)))
	return nil
}
