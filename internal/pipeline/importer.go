package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"

	"feed-loader/internal/feed"
	"feed-loader/internal/logging"
)

// DefaultBatchSize is the number of records buffered before a flush.
const DefaultBatchSize = 1000

// SourceResolver returns the row source for a format.
type SourceResolver interface {
	Resolve(format feed.Format) (feed.Source, error)
}

// Result summarizes one run. It is returned by value and not touched by the
// importer afterwards.
type Result struct {
	RunID  string
	Target string
	Path   string
	Format feed.Format
	State  State

	// Processed counts records written by successful flushes.
	Processed int
	// Skipped counts rows rejected by validation or mapping.
	Skipped int
	// Dropped counts structurally malformed records. They are in neither
	// Processed nor Skipped.
	Dropped int
	Batches int
	// Errors holds one "row N: message" entry per skipped row, in row order.
	Errors []string

	Started  time.Time
	Duration time.Duration
}

// FlushEvent describes a batch that has just been written.
type FlushEvent struct {
	RunID     string
	Batch     int
	Rows      int
	Processed int
	Skipped   int
}

// FlushHook observes successful flushes.
type FlushHook func(FlushEvent)

// RejectHook observes skipped rows. err is a *RowValidationError or *MappingError.
type RejectHook func(row feed.RawRow, err error)

// Importer runs imports. It holds no per-run state, so concurrent calls to
// Import are safe as long as the hooks are.
type Importer struct {
	targets   *TargetRegistry
	sources   SourceResolver
	batchSize int
	onFlush   FlushHook
	onReject  RejectHook
	newRunID  func() string
}

// Option configures an Importer.
type Option func(*Importer)

// WithBatchSize sets the flush threshold. Values below 1 keep the default.
func WithBatchSize(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.batchSize = n
		}
	}
}

// WithFlushHook registers a hook called after every successful flush.
func WithFlushHook(h FlushHook) Option {
	return func(im *Importer) { im.onFlush = h }
}

// WithRejectHook registers a hook called for every skipped row.
func WithRejectHook(h RejectHook) Option {
	return func(im *Importer) { im.onReject = h }
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(next func() string) Option {
	return func(im *Importer) { im.newRunID = next }
}

// NewImporter creates an importer over the given registries.
func NewImporter(targets *TargetRegistry, sources SourceResolver, opts ...Option) *Importer {
	im := &Importer{
		targets:   targets,
		sources:   sources,
		batchSize: DefaultBatchSize,
		newRunID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// run is the mutable state of one Import call.
type run struct {
	im     *Importer
	log    *logging.Logger
	result Result
	writer BatchWriter

	buffer   []Record
	firstRow int
	lastRow  int
}

// Import loads path into target. An empty format is inferred from the file
// extension. Resolution and access failures return before any row is read.
// A write failure or cancellation returns the partial Result together with
// the error; batches flushed before it stay committed.
func (im *Importer) Import(ctx context.Context, target, path string, format feed.Format) (Result, error) {
	runID := im.newRunID()
	r := &run{
		im:  im,
		log: logging.With(shortID(runID)),
		result: Result{
			RunID:   runID,
			Target:  target,
			Path:    path,
			Format:  format,
			State:   StateInitializing,
			Started: time.Now(),
		},
	}

	pipe, stream, err := r.initialize(ctx, target, path, format)
	if err != nil {
		return r.fail(err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			r.log.Logf(logging.Warning, "closing feed '%s': %v", path, cerr)
		}
	}()
	r.writer = pipe.Writer
	r.buffer = make([]Record, 0, im.batchSize)

	r.transition(StateStreaming)
	for {
		if err := ctx.Err(); err != nil {
			r.result.Dropped = stream.Dropped()
			return r.fail(fmt.Errorf("import cancelled: %w", err))
		}

		row, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.result.Dropped = stream.Dropped()
			return r.fail(err)
		}

		rec, rowErr := r.convert(pipe.Target, row)
		if rowErr != nil {
			r.reject(row, rowErr)
			continue
		}
		if len(r.buffer) == 0 {
			r.firstRow = row.Number
		}
		r.lastRow = row.Number
		r.buffer = append(r.buffer, rec)

		if len(r.buffer) >= im.batchSize {
			if err := r.flush(ctx); err != nil {
				r.result.Dropped = stream.Dropped()
				return r.fail(err)
			}
			r.transition(StateStreaming)
		}
	}

	r.transition(StateFinalizing)
	r.result.Dropped = stream.Dropped()
	if len(r.buffer) > 0 {
		if err := r.flush(ctx); err != nil {
			return r.fail(err)
		}
	}

	r.transition(StateCompleted)
	r.result.Duration = time.Since(r.result.Started)
	r.log.Logf(logging.Info, "import of '%s' into '%s' completed: processed=%d skipped=%d dropped=%d batches=%d in %s",
		path, target, r.result.Processed, r.result.Skipped, r.result.Dropped, r.result.Batches, r.result.Duration.Round(time.Millisecond))
	return r.snapshot(), nil
}

func (r *run) initialize(ctx context.Context, target, path string, format feed.Format) (*Pipeline, feed.Stream, error) {
	pipe, err := r.im.targets.Resolve(target)
	if err != nil {
		return nil, nil, err
	}

	if format == "" {
		format, err = feed.FormatFromPath(path)
		if err != nil {
			return nil, nil, err
		}
		r.log.Logf(logging.Debug, "inferred format '%s' from '%s'", format, path)
	}
	r.result.Format = format

	src, err := r.im.sources.Resolve(format)
	if err != nil {
		return nil, nil, err
	}

	r.log.Logf(logging.Info, "importing '%s' (%s) into target '%s' (table %s, batch size %d)",
		path, format, pipe.Target.Name, pipe.Target.Table, r.im.batchSize)
	stream, err := src.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return pipe, stream, nil
}

// convert validates and maps one row. The returned error is the row's
// *RowValidationError or *MappingError.
func (r *run) convert(t Target, row feed.RawRow) (Record, error) {
	outcome := t.Validator.Validate(row)
	if !outcome.Valid {
		violations := outcome.Violations
		if len(violations) == 0 {
			violations = []string{"row is invalid"}
		}
		return nil, &RowValidationError{Row: row.Number, Violations: slices.Clone(violations)}
	}

	rec, err := t.Mapper.Map(row)
	if err != nil {
		var mapErr *MappingError
		if errors.As(err, &mapErr) {
			if mapErr.Row == 0 {
				mapErr.Row = row.Number
			}
			return nil, mapErr
		}
		return nil, &MappingError{Row: row.Number, Err: err}
	}
	if rec == nil {
		return nil, &MappingError{Row: row.Number, Err: errors.New("mapper returned no record")}
	}
	return rec, nil
}

func (r *run) reject(row feed.RawRow, err error) {
	r.result.Skipped++
	r.result.Errors = append(r.result.Errors, err.Error())
	r.log.Logf(logging.Debug, "skipping %v", err)
	if r.im.onReject != nil {
		r.im.onReject(row, err)
	}
}

func (r *run) flush(ctx context.Context) error {
	r.transition(StateFlushing)
	batch := r.result.Batches + 1
	n := len(r.buffer)

	start := time.Now()
	if err := r.writer.SaveBatch(ctx, r.buffer); err != nil {
		return &BatchWriteError{Batch: batch, Rows: n, FirstRow: r.firstRow, LastRow: r.lastRow, Err: err}
	}

	r.result.Batches = batch
	r.result.Processed += n
	clear(r.buffer)
	r.buffer = r.buffer[:0]

	r.log.Logf(logging.Debug, "flushed batch %d: %d records (rows %d-%d) in %s", batch, n, r.firstRow, r.lastRow, time.Since(start))
	if r.im.onFlush != nil {
		r.im.onFlush(FlushEvent{
			RunID:     r.result.RunID,
			Batch:     batch,
			Rows:      n,
			Processed: r.result.Processed,
			Skipped:   r.result.Skipped,
		})
	}
	return nil
}

func (r *run) transition(next State) {
	r.log.Logf(logging.Debug, "state %s -> %s", r.result.State, next)
	r.result.State = next
}

func (r *run) fail(err error) (Result, error) {
	r.transition(StateFailed)
	r.result.Duration = time.Since(r.result.Started)
	r.log.Logf(logging.Error, "import of '%s' into '%s' failed after %d processed, %d skipped: %v",
		r.result.Path, r.result.Target, r.result.Processed, r.result.Skipped, err)
	return r.snapshot(), err
}

func (r *run) snapshot() Result {
	out := r.result
	out.Errors = slices.Clone(r.result.Errors)
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
