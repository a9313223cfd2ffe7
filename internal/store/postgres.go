package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"feed-loader/internal/logging"
	"feed-loader/internal/pipeline"
	"feed-loader/internal/util"
)

// pgxPoolNewFunc allows overriding pool creation in tests.
var pgxPoolNewFunc = pgxpool.NewWithConfig

// Default timeouts for connecting and for writing one batch.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 60 * time.Second
)

// PoolOptions configure the connection pool.
type PoolOptions struct {
	URL            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Connect creates a pool and verifies it with a ping. Environment references
// in the URL are expanded; credentials are masked in errors and logs.
func Connect(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	connStr := util.ExpandEnvUniversal(opts.URL)
	masked := util.MaskCredentials(connStr)

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid database url (%s): %w", masked, err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxPoolNewFunc(connectCtx, cfg)
	if err != nil {
		logging.Logf(logging.Error, "failed to create connection pool: %s", masked)
		return nil, fmt.Errorf("failed to create connection pool (using %s): %w", masked, err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("database connection timed out after %s (using %s): %w", timeout, masked, err)
		}
		return nil, fmt.Errorf("failed to connect to database (using %s): %w", masked, err)
	}
	logging.Logf(logging.Debug, "connected to %s (max conns %d)", masked, cfg.MaxConns)
	return pool, nil
}

// Execer is the statement execution capability the upsert writer needs.
// *pgxpool.Pool, *pgx.Conn and pgx.Tx satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UpsertWriter writes each batch with one multi-row INSERT ... ON CONFLICT
// statement. A single statement is atomic, so a batch is applied fully or not at all.
type UpsertWriter struct {
	db          Execer
	table       string
	conflictKey []string
	timeout     time.Duration
}

// NewUpsertWriter creates a writer for table keyed by conflictKey.
// timeout bounds each batch; zero disables the bound.
func NewUpsertWriter(db Execer, table string, conflictKey []string, timeout time.Duration) (*UpsertWriter, error) {
	if db == nil {
		return nil, fmt.Errorf("upsert writer for '%s' requires a database handle", table)
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("upsert writer requires a table")
	}
	if len(conflictKey) == 0 {
		return nil, fmt.Errorf("upsert writer for '%s' requires a conflict key", table)
	}
	return &UpsertWriter{db: db, table: table, conflictKey: conflictKey, timeout: timeout}, nil
}

// PostgresWriters returns a pipeline.WriterFactory creating upsert writers on db.
func PostgresWriters(db Execer, timeout time.Duration) pipeline.WriterFactory {
	return func(table string, conflictKey []string) (pipeline.BatchWriter, error) {
		return NewUpsertWriter(db, table, conflictKey, timeout)
	}
}

// SaveBatch upserts records. No existence check is made beforehand.
func (w *UpsertWriter) SaveBatch(ctx context.Context, records []pipeline.Record) error {
	batch, err := prepareBatch(records, w.conflictKey)
	if err != nil {
		return fmt.Errorf("UpsertWriter (%s): %w", w.table, err)
	}
	if batch.collapsed > 0 {
		logging.Logf(logging.Debug, "UpsertWriter (%s): collapsed %d rows with repeated conflict keys", w.table, batch.collapsed)
	}

	sql, err := BuildUpsert(w.table, w.conflictKey, batch.columns, len(batch.rows))
	if err != nil {
		return fmt.Errorf("UpsertWriter (%s): %w", w.table, err)
	}
	args := make([]any, 0, len(batch.rows)*len(batch.columns))
	for _, row := range batch.rows {
		args = append(args, row...)
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	tag, err := w.db.Exec(ctx, sql, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("UpsertWriter (%s): statement timed out: %w", w.table, err)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			logging.Logf(logging.Error, "UpsertWriter (%s) failed. PG Error Code: %s, Message: %s, Detail: %s", w.table, pgErr.Code, pgErr.Message, pgErr.Detail)
		}
		return fmt.Errorf("UpsertWriter (%s) failed: %w", w.table, err)
	}
	logging.Logf(logging.Debug, "UpsertWriter (%s): %d rows affected by %d-row statement", w.table, tag.RowsAffected(), len(batch.rows))
	return nil
}

// BuildUpsert renders the statement for rowCount rows of columns. Non-key
// columns are overwritten from EXCLUDED; when every column is a key the
// statement does nothing on conflict.
func BuildUpsert(table string, conflictKey, columns []string, rowCount int) (string, error) {
	if rowCount <= 0 || len(columns) == 0 {
		return "", fmt.Errorf("nothing to insert")
	}
	if n := rowCount * len(columns); n > MaxBindParameters {
		return "", fmt.Errorf("batch needs %d bind parameters, limit is %d (%d rows x %d columns)", n, MaxBindParameters, rowCount, len(columns))
	}

	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = pgx.Identifier{c}.Sanitize()
	}
	keySet := make(map[string]bool, len(conflictKey))
	quotedKeys := make([]string, len(conflictKey))
	for i, k := range conflictKey {
		keySet[k] = true
		quotedKeys[i] = pgx.Identifier{k}.Sanitize()
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgx.Identifier(strings.Split(table, ".")).Sanitize())
	b.WriteString(" (")
	b.WriteString(strings.Join(quotedCols, ", "))
	b.WriteString(") VALUES ")

	param := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(param))
			param++
		}
		b.WriteByte(')')
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(strings.Join(quotedKeys, ", "))
	b.WriteString(") ")

	var updates []string
	for i, c := range columns {
		if !keySet[c] {
			updates = append(updates, quotedCols[i]+" = EXCLUDED."+quotedCols[i])
		}
	}
	if len(updates) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(updates, ", "))
	}
	return b.String(), nil
}
