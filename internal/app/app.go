// Package app wires configuration, feeds, targets and storage into the
// feed-loader command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"feed-loader/internal/config"
	"feed-loader/internal/feed"
	"feed-loader/internal/logging"
	"feed-loader/internal/pipeline"
	"feed-loader/internal/store"
	"feed-loader/internal/targets"
	"feed-loader/internal/util"
)

// Define common application-level errors.
var (
	ErrUsage          = errors.New("usage error")
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrMissingArgs    = errors.New("missing required arguments")
)

// Defaults for flags.
const (
	DefaultConfigFile = "feed-loader.yaml"
	DefaultEnvFile    = ".env"
	databaseURLEnv    = "DATABASE_URL"
)

// database is the connection capability the import command needs.
type database interface {
	store.Execer
	Close()
}

// migrator is the schema migration capability of the migrate command.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Close() error
}

// --- Factory Variables (Allow Overriding for Testing) ---
var (
	connectFunc = func(ctx context.Context, opts store.PoolOptions) (database, error) {
		return store.Connect(ctx, opts)
	}
	newMigratorFunc = func(url string) (migrator, error) {
		return store.NewMigrator(url)
	}
	newS3OpenerFunc = func(ctx context.Context, opts feed.S3Options) (feed.Opener, error) {
		return feed.NewS3Opener(ctx, opts)
	}
	newRejectWriterFunc = feed.NewRejectWriter
	loadEnvFileFunc     = godotenv.Load
	osStatFunc          = os.Stat
)

// AppRunner encapsulates the application's execution logic.
type AppRunner struct {
	out    io.Writer
	errOut io.Writer
}

// NewAppRunner creates a runner printing to stdout and stderr.
func NewAppRunner() *AppRunner {
	return &AppRunner{out: os.Stdout, errOut: os.Stderr}
}

// session holds the state shared by the subcommands of one invocation.
type session struct {
	runner     *AppRunner
	configFile string
	envFile    string
	logLevel   string
	dbURL      string
	cfg        *config.Config
}

// Usage prints the command-line help information to the specified writer.
func (a *AppRunner) Usage(writer io.Writer) {
	root := a.newRootCommand(&session{runner: a})
	root.SetOut(writer)
	_ = root.Usage()
}

// Run parses args and executes the selected subcommand. Interrupts cancel
// the running import between rows.
func (a *AppRunner) Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &session{runner: a}
	root := a.newRootCommand(s)
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	return root.ExecuteContext(ctx)
}

func (a *AppRunner) newRootCommand(s *session) *cobra.Command {
	root := &cobra.Command{
		Use:   "feed-loader",
		Short: "Stream tabular feeds into Postgres with idempotent batched upserts",
		Long: `feed-loader reads CSV, TSV, XLSX and JSON Lines feeds row by row, validates
each row against an import target, and upserts valid rows into the target's
table in bounded batches. Invalid rows are reported and skipped.

Environment Variables:
  DATABASE_URL   PostgreSQL connection string (used if --db and database.url are not set)
  Any VAR        Can be used in config paths/connection strings via $VAR/${VAR} or %VAR%`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: s.setup,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&s.configFile, "config", DefaultConfigFile, "YAML configuration file")
	pf.StringVar(&s.envFile, "env-file", DefaultEnvFile, "dotenv file loaded before the configuration")
	pf.StringVar(&s.logLevel, "loglevel", "", "Logging level (none, error, warn, info, debug)")
	pf.StringVar(&s.dbURL, "db", "", "PostgreSQL connection string (overrides database.url and DATABASE_URL)")

	root.AddCommand(s.newImportCommand(), s.newMigrateCommand(), s.newTargetsCommand())
	return root
}

// setup loads the dotenv file and the configuration and applies the log level.
func (s *session) setup(cmd *cobra.Command, _ []string) error {
	if s.logLevel != "" {
		logging.SetupLogging(s.logLevel)
	}

	envSet := cmd.Flags().Changed("env-file")
	if _, err := osStatFunc(s.envFile); err == nil {
		if err := loadEnvFileFunc(s.envFile); err != nil {
			return fmt.Errorf("failed to load env file '%s': %w", s.envFile, err)
		}
		logging.Logf(logging.Debug, "Loaded environment from %s", s.envFile)
	} else if envSet {
		return fmt.Errorf("%w: env file '%s'", ErrConfigNotFound, s.envFile)
	}

	if _, err := osStatFunc(s.configFile); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config file '%s': %w", s.configFile, err)
		}
		if cmd.Flags().Changed("config") {
			logging.Logf(logging.Error, "Config file '%s' not found.", s.configFile)
			return fmt.Errorf("%w: '%s'", ErrConfigNotFound, s.configFile)
		}
		logging.Logf(logging.Debug, "No config file at '%s', using defaults", s.configFile)
		s.cfg = config.Default()
	} else {
		cfg, err := config.LoadConfig(s.configFile)
		if err != nil {
			logging.Logf(logging.Error, "Error loading/validating config '%s': %v", s.configFile, err)
			return err
		}
		s.cfg = cfg
	}

	if s.logLevel == "" {
		logging.SetupLogging(s.cfg.Logging.Level)
	}
	s.logSettings()
	return nil
}

// logSettings writes the effective connection settings at debug level with
// secrets masked.
func (s *session) logSettings() {
	if !logging.Enabled(logging.Debug) {
		return
	}
	raw := map[string]string{
		"database.url":  s.cfg.Database.URL,
		"db_flag":       s.dbURL,
		"s3.endpoint":   s.cfg.S3.Endpoint,
		"s3.access_key": s.cfg.S3.AccessKey,
		"s3.secret_key": s.cfg.S3.SecretKey,
	}
	settings := util.MaskSensitiveFields(raw)
	keys := make([]string, 0, len(raw))
	for k, v := range raw {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		logging.Logf(logging.Debug, "setting %s = %s", k, settings[k])
	}
}

// databaseURL picks the connection string: flag, then config, then environment.
func (s *session) databaseURL() (string, error) {
	url := s.dbURL
	if url == "" {
		url = s.cfg.Database.URL
	}
	if url == "" {
		url = os.Getenv(databaseURLEnv)
	}
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("%w: no database url (use --db, database.url or %s)", ErrUsage, databaseURLEnv)
	}
	return url, nil
}

// targetRegistry registers the built-in targets and the declared ones.
func (s *session) targetRegistry(writers pipeline.WriterFactory, batchSize int) (*pipeline.TargetRegistry, error) {
	declared, err := targets.Declared(s.cfg.Targets, batchSize)
	if err != nil {
		return nil, err
	}
	all := append([]pipeline.Target{targets.ProductTarget()}, declared...)
	return pipeline.NewTargetRegistry(writers, all...)
}

// sourceRegistry builds the feed sources. S3 is configured only for s3:// paths.
func (s *session) sourceRegistry(ctx context.Context, path string) (*feed.Registry, error) {
	opener := feed.RoutingOpener{Local: feed.LocalOpener{}}
	if _, _, ok := feed.ParseS3URI(path); ok {
		if !s.cfg.S3.Enabled() {
			logging.Logf(logging.Debug, "No s3 settings in config, using the default AWS region and credential chain")
		}
		s3, err := newS3OpenerFunc(ctx, feed.S3Options{
			Region:    s.cfg.S3.Region,
			Endpoint:  s.cfg.S3.Endpoint,
			AccessKey: s.cfg.S3.AccessKey,
			SecretKey: s.cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure s3 access: %w", err)
		}
		opener.S3 = s3
	}
	return feed.NewDefaultRegistry(feed.SourceOptions{
		CSVDelimiter: s.cfg.Sources.CSV.Delimiter,
		CSVComment:   s.cfg.Sources.CSV.Comment,
		TSVComment:   s.cfg.Sources.TSV.Comment,
		XLSXSheet:    s.cfg.Sources.XLSX.Sheet,
	}, opener)
}

// --- import ---

type importFlags struct {
	batchSize  int
	dryRun     bool
	rejectFile string
}

func (s *session) newImportCommand() *cobra.Command {
	var flags importFlags
	cmd := &cobra.Command{
		Use:   "import <target> <file> [format]",
		Short: "Import a feed into a target table",
		Long: `Import streams <file> into the table of <target>. The format (csv, tsv, xlsx,
jsonl) is inferred from the file extension when omitted. Files may be local
paths or s3://bucket/key URIs.`,
		Example: `  feed-loader import product ./products.csv
  feed-loader import product s3://feeds/products.xlsx xlsx --batch-size 500
  feed-loader import stock_levels ./stock.ndjson --dry-run --reject-file rejects.csv`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) < 2 || len(args) > 3 {
				return fmt.Errorf("%w: import takes <target> <file> [format], got %d arguments", ErrMissingArgs, len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			format := ""
			if len(args) == 3 {
				format = args[2]
			}
			return s.runImport(cmd, args[0], util.ExpandEnvUniversal(args[1]), format, flags)
		},
	}
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "Rows per upsert batch (overrides import.batch_size)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Validate and batch rows against an in-memory store instead of Postgres")
	cmd.Flags().StringVar(&flags.rejectFile, "reject-file", "", "CSV file receiving skipped rows (overrides import.reject_file)")
	return cmd
}

func (s *session) runImport(cmd *cobra.Command, target, path, format string, flags importFlags) error {
	ctx := cmd.Context()

	batchSize := s.cfg.Import.BatchSize
	if flags.batchSize != 0 {
		if flags.batchSize < 0 || flags.batchSize > config.MaxBindParameters {
			return fmt.Errorf("%w: --batch-size must be between 1 and %d", ErrUsage, config.MaxBindParameters)
		}
		batchSize = flags.batchSize
	}

	var (
		writers pipeline.WriterFactory
		db      database
		mem     *store.Memory
	)
	if flags.dryRun {
		mem = store.NewMemory()
		writers = mem.Writer
		logging.Logf(logging.Info, "DRY RUN: batches are written to an in-memory store")
	} else {
		url, err := s.databaseURL()
		if err != nil {
			return err
		}
		writers = func(table string, conflictKey []string) (pipeline.BatchWriter, error) {
			if db == nil {
				conn, err := connectFunc(ctx, store.PoolOptions{
					URL:            url,
					MaxConns:       s.cfg.Database.MaxConns,
					ConnectTimeout: s.cfg.Database.ConnectTimeout,
				})
				if err != nil {
					return nil, err
				}
				db = conn
			}
			return store.PostgresWriters(db, s.cfg.Database.WriteTimeout)(table, conflictKey)
		}
		defer func() {
			if db != nil {
				db.Close()
			}
		}()
	}

	registry, err := s.targetRegistry(writers, batchSize)
	if err != nil {
		return err
	}
	if err := registry.CheckBatchSize(batchSize, store.MaxBindParameters); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	sources, err := s.sourceRegistry(ctx, path)
	if err != nil {
		return err
	}

	heap := newMemSampler()
	opts := []pipeline.Option{
		pipeline.WithBatchSize(batchSize),
		pipeline.WithFlushHook(func(ev pipeline.FlushEvent) {
			heap.sample()
			logging.Logf(logging.Info, "batch %d written: %d rows (processed %d, skipped %d)", ev.Batch, ev.Rows, ev.Processed, ev.Skipped)
		}),
	}

	rejectFile := s.cfg.Import.RejectFile
	if flags.rejectFile != "" {
		rejectFile = util.ExpandEnvUniversal(flags.rejectFile)
	}
	var rw *feed.RejectWriter
	if rejectFile != "" {
		rw, err = newRejectWriterFunc(rejectFile)
		if err != nil {
			return fmt.Errorf("failed to create reject file '%s': %w", rejectFile, err)
		}
		defer func() {
			if cerr := rw.Close(); cerr != nil {
				logging.Logf(logging.Error, "Failed to close reject file '%s': %v", rejectFile, cerr)
			}
		}()
		opts = append(opts, pipeline.WithRejectHook(func(row feed.RawRow, rowErr error) {
			if werr := rw.Write(row, rejectMessage(rowErr)); werr != nil {
				logging.Logf(logging.Error, "Failed to write row %d to reject file: %v", row.Number, werr)
			}
		}))
		logging.Logf(logging.Info, "Skipped rows will be written to: %s", rejectFile)
	}

	importer := pipeline.NewImporter(registry, sources, opts...)
	result, importErr := importer.Import(ctx, target, path, feed.ParseFormat(format))
	heap.sample()

	if !isResolutionError(importErr) {
		s.runner.printResult(result, heap.peak, rw)
	}
	if mem != nil && importErr == nil {
		logging.Logf(logging.Info, "DRY RUN: %d distinct rows would be upserted in %d batches", mem.Count(tableOf(registry, target)), mem.Writes())
	}
	if importErr != nil {
		return fmt.Errorf("import of '%s' into '%s' failed: %w", path, target, importErr)
	}
	return nil
}

// isResolutionError reports failures that happen before any row is read.
func isResolutionError(err error) bool {
	var (
		targetErr *pipeline.UnsupportedTargetError
		formatErr *feed.UnsupportedFormatError
		accessErr *feed.FileAccessError
	)
	return errors.As(err, &targetErr) || errors.As(err, &formatErr) || errors.As(err, &accessErr)
}

func tableOf(registry *pipeline.TargetRegistry, target string) string {
	t, err := registry.Lookup(target)
	if err != nil {
		return ""
	}
	return t.Table
}

// rejectMessage drops the "row N:" prefix; the reject file has a row column.
func rejectMessage(err error) string {
	var valErr *pipeline.RowValidationError
	if errors.As(err, &valErr) {
		return strings.Join(valErr.Violations, "; ")
	}
	var mapErr *pipeline.MappingError
	if errors.As(err, &mapErr) {
		if mapErr.Field != "" {
			return fmt.Sprintf("%s: %v", mapErr.Field, mapErr.Err)
		}
		return mapErr.Err.Error()
	}
	return err.Error()
}

// printResult writes the run report. Partial results of failed runs are printed too.
func (a *AppRunner) printResult(r pipeline.Result, peakHeap uint64, rejects *feed.RejectWriter) {
	w := tabwriter.NewWriter(a.out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", r.RunID)
	fmt.Fprintf(w, "Target:\t%s\n", r.Target)
	fmt.Fprintf(w, "File:\t%s (%s)\n", r.Path, r.Format)
	fmt.Fprintf(w, "State:\t%s\n", r.State)
	fmt.Fprintf(w, "Processed:\t%d\n", r.Processed)
	fmt.Fprintf(w, "Skipped:\t%d\n", r.Skipped)
	if r.Dropped > 0 {
		fmt.Fprintf(w, "Malformed:\t%d\n", r.Dropped)
	}
	fmt.Fprintf(w, "Batches:\t%d\n", r.Batches)
	fmt.Fprintf(w, "Elapsed:\t%s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Peak memory:\t%s\n", formatBytes(peakHeap))
	if rejects != nil {
		fmt.Fprintf(w, "Reject file:\t%s (%d rows)\n", rejects.Path(), rejects.Count())
	}
	_ = w.Flush()
	if len(r.Errors) > 0 {
		fmt.Fprintln(a.out, "Errors:")
		for _, e := range r.Errors {
			fmt.Fprintf(a.out, "  %s\n", e)
		}
	}
}

// memSampler tracks the peak heap in use across samples.
type memSampler struct {
	peak uint64
}

func newMemSampler() *memSampler {
	m := &memSampler{}
	m.sample()
	return m
}

func (m *memSampler) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapInuse > m.peak {
		m.peak = stats.HeapInuse
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// --- migrate ---

func (s *session) newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the bundled schema migrations",
	}
	run := func(fn func(m migrator, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			url, err := s.databaseURL()
			if err != nil {
				return err
			}
			m, err := newMigratorFunc(url)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := m.Close(); cerr != nil {
					logging.Logf(logging.Warning, "Failed to close migrator: %v", cerr)
				}
			}()
			return fn(m, cmd)
		}
	}

	var steps int
	stepsCmd := &cobra.Command{
		Use:   "steps <n>",
		Short: "Apply n migrations, or revert -n when n is negative",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: steps takes exactly one argument", ErrMissingArgs)
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n == 0 {
				return fmt.Errorf("%w: steps needs a non-zero integer, got '%s'", ErrUsage, args[0])
			}
			steps = n
			return nil
		},
		RunE: run(func(m migrator, _ *cobra.Command) error { return m.Steps(steps) }),
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  run(func(m migrator, _ *cobra.Command) error { return m.Up() }),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert all migrations",
			Args:  cobra.NoArgs,
			RunE:  run(func(m migrator, _ *cobra.Command) error { return m.Down() }),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: run(func(m migrator, cmd *cobra.Command) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				state := "clean"
				if dirty {
					state = "dirty"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, state)
				return nil
			}),
		},
		stepsCmd,
	)
	return cmd
}

// --- targets ---

func (s *session) newTargetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List import targets and feed formats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			unused := func(string, []string) (pipeline.BatchWriter, error) {
				return nil, errors.New("listing only")
			}
			registry, err := s.targetRegistry(unused, s.cfg.Import.BatchSize)
			if err != nil {
				return err
			}
			sources, err := feed.NewDefaultRegistry(feed.SourceOptions{}, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tTABLE\tCONFLICT KEY\tCOLUMNS\tDESCRIPTION")
			for _, t := range registry.Targets() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Table, strings.Join(t.ConflictKey, ","), strings.Join(t.Columns, ","), t.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			formats := make([]string, 0, len(sources.Formats()))
			for _, f := range sources.Formats() {
				formats = append(formats, string(f))
			}
			fmt.Fprintf(out, "\nFormats: %s\n", strings.Join(formats, ", "))
			return nil
		},
	}
}
