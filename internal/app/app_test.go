package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-loader/internal/feed"
	"feed-loader/internal/logging"
	"feed-loader/internal/pipeline"
	"feed-loader/internal/store"
)

// --- Mock Implementations ---

type mockDatabase struct {
	mu       sync.Mutex
	execSQL  []string
	execArgs [][]any
	execErr  error
	closed   int
	lastOpts store.PoolOptions
}

func (m *mockDatabase) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execSQL = append(m.execSQL, sql)
	m.execArgs = append(m.execArgs, args)
	if m.execErr != nil {
		return pgconn.CommandTag{}, m.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (m *mockDatabase) Close() {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
}

type mockMigrator struct {
	calls   []string
	steps   int
	version uint
	dirty   bool
	err     error
	closed  bool
}

func (m *mockMigrator) Up() error         { m.calls = append(m.calls, "up"); return m.err }
func (m *mockMigrator) Down() error       { m.calls = append(m.calls, "down"); return m.err }
func (m *mockMigrator) Steps(n int) error { m.calls = append(m.calls, "steps"); m.steps = n; return m.err }
func (m *mockMigrator) Version() (uint, bool, error) {
	m.calls = append(m.calls, "version")
	return m.version, m.dirty, m.err
}
func (m *mockMigrator) Close() error { m.closed = true; return nil }

// --- Test Helper Functions ---

type testEnv struct {
	runner   *AppRunner
	out      *bytes.Buffer
	logs     *bytes.Buffer
	db       *mockDatabase
	migrator *mockMigrator
	connects int
	dir      string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		out:      &bytes.Buffer{},
		logs:     &bytes.Buffer{},
		db:       &mockDatabase{},
		migrator: &mockMigrator{version: 1},
		dir:      t.TempDir(),
	}
	env.runner = &AppRunner{out: env.out, errOut: env.out}

	origConnect := connectFunc
	origMigrator := newMigratorFunc
	origLevel := logging.GetLevel()
	connectFunc = func(_ context.Context, opts store.PoolOptions) (database, error) {
		env.connects++
		env.db.lastOpts = opts
		return env.db, nil
	}
	newMigratorFunc = func(string) (migrator, error) { return env.migrator, nil }
	logging.SetOutput(env.logs)
	t.Setenv(databaseURLEnv, "")

	t.Cleanup(func() {
		connectFunc = origConnect
		newMigratorFunc = origMigrator
		logging.SetOutput(os.Stderr)
		logging.SetLevel(origLevel)
	})
	return env
}

func (env *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(env.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// run executes the CLI with a config file in the test dir.
func (env *testEnv) run(t *testing.T, configYAML string, args ...string) error {
	t.Helper()
	cfgPath := env.writeFile(t, "feed-loader.yaml", configYAML)
	return env.runner.Run(append([]string{"--config", cfgPath}, args...))
}

// reportValue returns the value printed after label in the run report.
func reportValue(out, label string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, label+":") {
			return strings.TrimSpace(strings.TrimPrefix(line, label+":"))
		}
	}
	return ""
}

const productFeed = `sku,name,price,stock
A-1,Widget,9.99,3
A-2,Gadget,not-a-price,1
A-3,Doohickey,1.50,
A-1,Widget v2,10.49,4
`

const baseConfig = `
logging: { level: debug }
import: { batch_size: 2 }
`

// --- Tests ---

func TestAppRunner_Usage(t *testing.T) {
	var buf bytes.Buffer
	NewAppRunner().Usage(&buf)
	usage := buf.String()
	for _, want := range []string{"feed-loader", "import", "migrate", "targets", "--config", "--db"} {
		assert.Contains(t, usage, want)
	}
}

func TestAppRunner_Run_NoArgsPrintsHelp(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.run(t, baseConfig))
	assert.Contains(t, env.out.String(), "Usage:")
}

func TestAppRunner_Run_UsageErrors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		want error
	}{
		{"unknown flag", []string{"import", "--no-such-flag", "product", "x.csv"}, ErrUsage},
		{"unknown command", []string{"export"}, ErrUsage},
		{"import without file", []string{"import", "product"}, ErrMissingArgs},
		{"import with extra args", []string{"import", "product", "a.csv", "csv", "more"}, ErrMissingArgs},
		{"steps without count", []string{"migrate", "steps"}, ErrMissingArgs},
		{"steps zero", []string{"migrate", "steps", "0"}, ErrUsage},
		{"batch size too large", []string{"import", "product", "a.csv", "--dry-run", "--batch-size", "70000"}, ErrUsage},
		{"no database url", []string{"import", "product", "a.csv"}, ErrUsage},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupTestEnv(t)
			err := env.run(t, baseConfig, tc.args...)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAppRunner_Import_BatchTooWideForTarget(t *testing.T) {
	testCases := []struct {
		name   string
		config string
		args   []string
	}{
		{
			name:   "flag",
			config: baseConfig,
			args:   []string{"--batch-size", "10000"},
		},
		{
			name:   "config",
			config: "logging: { level: debug }\nimport: { batch_size: 10000 }\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupTestEnv(t)
			feedPath := env.writeFile(t, "products.csv", productFeed)
			args := append([]string{"--db", "postgres://db/feeds", "import", "product", feedPath}, tc.args...)

			err := env.run(t, tc.config, args...)
			require.ErrorIs(t, err, ErrUsage)
			assert.ErrorContains(t, err, "target 'product': batch size 10000 x 7 columns needs 70000 bind parameters")
			assert.Zero(t, env.connects)
			assert.Empty(t, reportValue(env.out.String(), "State"))
		})
	}
}

func TestAppRunner_Run_ConfigNotFound(t *testing.T) {
	env := setupTestEnv(t)
	err := env.runner.Run([]string{"--config", filepath.Join(env.dir, "non-existent.yaml"), "targets"})
	assert.ErrorIs(t, err, ErrConfigNotFound)

	err = env.runner.Run([]string{"--env-file", filepath.Join(env.dir, "non-existent.env"), "targets"})
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestAppRunner_Run_InvalidConfig(t *testing.T) {
	env := setupTestEnv(t)
	err := env.run(t, "import: { batch_size: -5 }\n", "targets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Import.BatchSize")
}

func TestAppRunner_Import_DryRun(t *testing.T) {
	env := setupTestEnv(t)
	feedPath := env.writeFile(t, "products.csv", productFeed)
	rejects := filepath.Join(env.dir, "out", "rejects.csv")

	err := env.run(t, baseConfig, "import", "product", feedPath, "--dry-run", "--reject-file", rejects)
	require.NoError(t, err)

	out := env.out.String()
	assert.Equal(t, "product", reportValue(out, "Target"))
	assert.Equal(t, "completed", reportValue(out, "State"))
	assert.Equal(t, "3", reportValue(out, "Processed"))
	assert.Equal(t, "1", reportValue(out, "Skipped"))
	assert.Equal(t, "2", reportValue(out, "Batches"))
	assert.NotEmpty(t, reportValue(out, "Elapsed"))
	assert.Contains(t, reportValue(out, "Peak memory"), "B")
	assert.Equal(t, rejects+" (1 rows)", reportValue(out, "Reject file"))
	assert.Contains(t, out, `  row 2: price must be a decimal with at most 2 fraction digits, got "not-a-price"`)
	assert.Zero(t, env.connects, "dry runs never connect")

	data, err := os.ReadFile(rejects)
	require.NoError(t, err)
	assert.Equal(t,
		"feed_row,sku,name,price,stock,feed_error\n"+
			`2,A-2,Gadget,not-a-price,1,"price must be a decimal with at most 2 fraction digits, got ""not-a-price"""`+"\n",
		string(data))
	assert.Contains(t, env.logs.String(), "DRY RUN: 2 distinct rows would be upserted in 2 batches")
}

func TestAppRunner_Import_Postgres(t *testing.T) {
	env := setupTestEnv(t)
	feedPath := env.writeFile(t, "products.csv", productFeed)
	cfg := baseConfig + "database: { url: 'postgres://loader:secret@db/feeds', max_conns: 3 }\n"

	require.NoError(t, env.run(t, cfg, "import", "product", feedPath, "csv", "--batch-size", "10"))

	assert.Equal(t, 1, env.connects)
	assert.Equal(t, 1, env.db.closed)
	assert.Equal(t, "postgres://loader:secret@db/feeds", env.db.lastOpts.URL)
	assert.Equal(t, int32(3), env.db.lastOpts.MaxConns)
	require.Len(t, env.db.execSQL, 1)
	assert.True(t, strings.HasPrefix(env.db.execSQL[0], `INSERT INTO "products" ("sku", "name", "description", "price", "currency", "stock", "active") VALUES`))
	assert.Len(t, env.db.execArgs[0], 2*7, "A-1 collapses to its last row")
	assert.Equal(t, "3", reportValue(env.out.String(), "Processed"))
	assert.Contains(t, env.logs.String(), "setting database.url = postgres://loader:********@db/feeds")
	assert.NotContains(t, env.logs.String(), "secret")
}

type stubObjects struct {
	body   string
	bucket string
	key    string
}

func (s *stubObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.bucket, s.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(s.body))}, nil
}

func TestAppRunner_Import_FromS3(t *testing.T) {
	env := setupTestEnv(t)
	objects := &stubObjects{body: productFeed}
	var gotOpts feed.S3Options
	origS3 := newS3OpenerFunc
	newS3OpenerFunc = func(_ context.Context, opts feed.S3Options) (feed.Opener, error) {
		gotOpts = opts
		return feed.NewS3OpenerWithClient(objects), nil
	}
	t.Cleanup(func() { newS3OpenerFunc = origS3 })

	require.NoError(t, env.run(t, baseConfig, "import", "product", "s3://feeds/daily/products.csv", "--dry-run"))

	assert.Equal(t, "feeds", objects.bucket)
	assert.Equal(t, "daily/products.csv", objects.key)
	assert.Equal(t, feed.S3Options{}, gotOpts)
	assert.Equal(t, "3", reportValue(env.out.String(), "Processed"))
	assert.Contains(t, env.logs.String(), "using the default AWS region and credential chain")
}

func TestAppRunner_Import_DBFlagOverridesConfig(t *testing.T) {
	env := setupTestEnv(t)
	feedPath := env.writeFile(t, "products.csv", productFeed)
	cfg := baseConfig + "database: { url: 'postgres://config/db' }\n"

	require.NoError(t, env.run(t, cfg, "--db", "postgres://flag/db", "import", "product", feedPath))
	assert.Equal(t, "postgres://flag/db", env.db.lastOpts.URL)
}

func TestAppRunner_Import_WriteFailure(t *testing.T) {
	env := setupTestEnv(t)
	env.db.execErr = &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	feedPath := env.writeFile(t, "products.csv", productFeed)

	err := env.run(t, baseConfig, "--db", "postgres://db/feeds", "import", "product", feedPath)
	require.Error(t, err)
	var batchErr *pipeline.BatchWriteError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Batch)
	assert.Equal(t, "failed", reportValue(env.out.String(), "State"))
	assert.Equal(t, "0", reportValue(env.out.String(), "Processed"))
	assert.Equal(t, 1, env.db.closed)
}

func TestAppRunner_Import_ResolutionFailures(t *testing.T) {
	env := setupTestEnv(t)
	feedPath := env.writeFile(t, "products.csv", productFeed)

	err := env.run(t, baseConfig, "import", "customers", feedPath, "--dry-run")
	var targetErr *pipeline.UnsupportedTargetError
	require.ErrorAs(t, err, &targetErr)
	assert.Equal(t, []string{"product"}, targetErr.Known)

	err = env.run(t, baseConfig, "import", "product", feedPath, "parquet", "--dry-run")
	var formatErr *feed.UnsupportedFormatError
	require.ErrorAs(t, err, &formatErr)

	err = env.run(t, baseConfig, "import", "product", filepath.Join(env.dir, "absent.csv"), "--dry-run")
	var accessErr *feed.FileAccessError
	require.ErrorAs(t, err, &accessErr)

	assert.Empty(t, reportValue(env.out.String(), "Processed"), "no report before reading")
}

func TestAppRunner_Import_DeclaredTarget(t *testing.T) {
	env := setupTestEnv(t)
	cfg := baseConfig + `
targets:
  - name: prices
    table: regional_prices
    conflict_key: [sku, region]
    columns:
      - { name: sku, required: true }
      - { name: region, required: true, normalize: [upper] }
      - { name: amount, type: numeric, required: true, min: 0 }
`
	feedPath := env.writeFile(t, "prices.tsv", "sku\tregion\tamount\nA-1\teu\t5.10\nA-2\tus\t-1\n")

	require.NoError(t, env.run(t, cfg, "import", "prices", feedPath, "--dry-run"))
	out := env.out.String()
	assert.Equal(t, "1", reportValue(out, "Processed"))
	assert.Equal(t, "1", reportValue(out, "Skipped"))
	assert.Contains(t, out, "row 2: amount value -1 is less than minimum allowed 0")
}

func TestAppRunner_Targets(t *testing.T) {
	env := setupTestEnv(t)
	cfg := baseConfig + `
targets:
  - name: prices
    description: regional price list
    table: regional_prices
    conflict_key: [sku, region]
    columns:
      - { name: sku }
      - { name: region }
`
	require.NoError(t, env.run(t, cfg, "targets"))
	out := env.out.String()
	assert.Contains(t, out, "product")
	assert.Contains(t, out, "products")
	assert.Contains(t, out, "regional_prices")
	assert.Contains(t, out, "sku,region")
	assert.Contains(t, out, "Formats: csv, tsv, xlsx, jsonl")
	assert.Zero(t, env.connects)
}

func TestAppRunner_Migrate(t *testing.T) {
	testCases := []struct {
		args      []string
		wantCalls []string
		wantOut   string
	}{
		{[]string{"migrate", "up"}, []string{"up"}, ""},
		{[]string{"migrate", "down"}, []string{"down"}, ""},
		{[]string{"migrate", "steps", "--", "-1"}, []string{"steps"}, ""},
		{[]string{"migrate", "version"}, []string{"version"}, "schema version 1 (clean)"},
	}
	for _, tc := range testCases {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			env := setupTestEnv(t)
			args := append([]string{"--db", "postgres://db/feeds"}, tc.args...)
			require.NoError(t, env.run(t, baseConfig, args...))
			assert.Equal(t, tc.wantCalls, env.migrator.calls)
			assert.True(t, env.migrator.closed)
			if tc.wantOut != "" {
				assert.Contains(t, env.out.String(), tc.wantOut)
			}
		})
	}

	env := setupTestEnv(t)
	env.migrator.err = errors.New("dirty database version 1")
	err := env.run(t, baseConfig, "--db", "postgres://db/feeds", "migrate", "up")
	assert.ErrorContains(t, err, "dirty database")
}

func TestAppRunner_EnvFile(t *testing.T) {
	env := setupTestEnv(t)
	envPath := env.writeFile(t, "test.env", "FL_APP_TEST_VAR=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("FL_APP_TEST_VAR") })
	cfgPath := env.writeFile(t, "feed-loader.yaml", baseConfig)

	require.NoError(t, env.runner.Run([]string{"--config", cfgPath, "--env-file", envPath, "targets"}))
	assert.Equal(t, "from-dotenv", os.Getenv("FL_APP_TEST_VAR"))
}

func TestRejectMessage(t *testing.T) {
	assert.Equal(t, "a; b", rejectMessage(&pipeline.RowValidationError{Row: 3, Violations: []string{"a", "b"}}))
	assert.Equal(t, "price: bad", rejectMessage(&pipeline.MappingError{Row: 3, Field: "price", Err: errors.New("bad")}))
	assert.Equal(t, "bad", rejectMessage(&pipeline.MappingError{Row: 3, Err: errors.New("bad")}))
}

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, formatBytes(tc.in))
	}
}
