// Package containers connects integration tests to a PostgreSQL instance
// and hands each test an isolated schema with an initialized keel event
// store.
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters/postgres"
)

// PostgresConfig locates the test database. URL, when set, wins over the
// individual fields.
type PostgresConfig struct {
	URL      string `env:"TEST_DATABASE_URL"`
	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     string `env:"POSTGRES_PORT" envDefault:"5432"`
	Database string `env:"POSTGRES_DB" envDefault:"keel_test"`
	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`

	// ReadyTimeout bounds how long StartPostgres waits for the database.
	ReadyTimeout time.Duration `env:"POSTGRES_READY_TIMEOUT" envDefault:"30s"`
}

// PostgresOption configures a PostgreSQL connection.
type PostgresOption func(*PostgresConfig)

// WithPostgresURL sets the full connection string.
func WithPostgresURL(u string) PostgresOption {
	return func(c *PostgresConfig) { c.URL = u }
}

// WithPostgresDatabase sets the database name.
func WithPostgresDatabase(database string) PostgresOption {
	return func(c *PostgresConfig) { c.Database = database }
}

// WithPostgresUser sets the user and password.
func WithPostgresUser(user, password string) PostgresOption {
	return func(c *PostgresConfig) {
		c.User = user
		c.Password = password
	}
}

// WithPostgresPort sets the host port.
func WithPostgresPort(port string) PostgresOption {
	return func(c *PostgresConfig) { c.Port = port }
}

// WithReadyTimeout sets how long to wait for the database to accept connections.
func WithReadyTimeout(d time.Duration) PostgresOption {
	return func(c *PostgresConfig) { c.ReadyTimeout = d }
}

// LoadPostgresConfig reads the configuration from the environment and
// applies opts on top.
func LoadPostgresConfig(opts ...PostgresOption) (*PostgresConfig, error) {
	cfg, err := env.ParseAs[PostgresConfig]()
	if err != nil {
		return nil, fmt.Errorf("containers: environment: %w", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg, nil
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Postgres is a reachable PostgreSQL database.
type Postgres struct {
	cfg *PostgresConfig
}

// StartPostgres waits for the configured database to accept connections and
// skips the test when it does not come up in time.
func StartPostgres(t testing.TB, opts ...PostgresOption) *Postgres {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg, err := LoadPostgresConfig(opts...)
	if err != nil {
		t.Fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ReadyTimeout)
	defer cancel()

	if err := WaitForPostgres(ctx, cfg.ConnectionString()); err != nil {
		t.Skipf("PostgreSQL not available (set TEST_DATABASE_URL or POSTGRES_*): %v", err)
	}
	return &Postgres{cfg: cfg}
}

// ConnectionString returns the PostgreSQL connection string.
func (p *Postgres) ConnectionString() string {
	return p.cfg.ConnectionString()
}

// DB opens and pings a connection pool.
func (p *Postgres) DB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", p.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("containers: failed to open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("containers: failed to ping database: %w", err)
	}
	return db, nil
}

// CreateSchema creates a uniquely named schema.
func CreateSchema(ctx context.Context, db *sql.DB, prefix string) (string, error) {
	schema := UniqueSchema(prefix)
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		return "", fmt.Errorf("containers: failed to create schema: %w", err)
	}
	return schema, nil
}

// DropSchema drops a schema and all its objects.
func DropSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(schema)+" CASCADE")
	return err
}

// UniqueSchema generates a schema name that does not collide across tests.
func UniqueSchema(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// WaitForPostgres pings connStr every 500ms until it answers or ctx ends.
func WaitForPostgres(ctx context.Context, connStr string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		db, err := sql.Open("pgx", connStr)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		defer db.Close()
		return struct{}{}, db.PingContext(ctx)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(500*time.Millisecond)))
	return err
}

// =============================================================================
// Integration Test Helper
// =============================================================================

// IntegrationTest is one test's database environment: a connection pool and
// a private schema holding an initialized event store. Everything is torn
// down by t.Cleanup.
type IntegrationTest struct {
	t       testing.TB
	ctx     context.Context
	db      *sql.DB
	schema  string
	adapter *postgres.PostgresAdapter
}

// IntegrationTestOption configures an integration test.
type IntegrationTestOption func(*integrationTestConfig)

type integrationTestConfig struct {
	schemaPrefix string
	timeout      time.Duration
	postgres     []PostgresOption
}

// WithSchemaPrefix sets the schema prefix.
func WithSchemaPrefix(prefix string) IntegrationTestOption {
	return func(c *integrationTestConfig) { c.schemaPrefix = prefix }
}

// WithTimeout sets the test timeout.
func WithTimeout(timeout time.Duration) IntegrationTestOption {
	return func(c *integrationTestConfig) { c.timeout = timeout }
}

// WithPostgres passes options to StartPostgres.
func WithPostgres(opts ...PostgresOption) IntegrationTestOption {
	return func(c *integrationTestConfig) { c.postgres = append(c.postgres, opts...) }
}

// NewIntegrationTest connects to PostgreSQL, creates a schema and
// initializes the event store, dead letter and checkpoint tables in it.
func NewIntegrationTest(t testing.TB, opts ...IntegrationTestOption) *IntegrationTest {
	t.Helper()

	cfg := &integrationTestConfig{
		schemaPrefix: "test",
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	pg := StartPostgres(t, cfg.postgres...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	t.Cleanup(cancel)

	db, err := pg.DB(ctx)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	schema, err := CreateSchema(ctx, db, cfg.schemaPrefix)
	if err != nil {
		_ = db.Close()
		t.Fatalf("Failed to create schema: %v", err)
	}

	it := &IntegrationTest{
		t:       t,
		ctx:     ctx,
		db:      db,
		schema:  schema,
		adapter: postgres.NewAdapterWithDB(db, postgres.WithSchema(schema)),
	}

	t.Cleanup(func() {
		if err := DropSchema(context.Background(), db, schema); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
		_ = db.Close()
	})

	if err := it.adapter.Initialize(ctx); err != nil {
		t.Fatalf("Failed to initialize event store in %s: %v", schema, err)
	}
	return it
}

// Context returns the test context.
func (it *IntegrationTest) Context() context.Context {
	return it.ctx
}

// DB returns the database connection.
func (it *IntegrationTest) DB() *sql.DB {
	return it.db
}

// Schema returns the test schema name.
func (it *IntegrationTest) Schema() string {
	return it.schema
}

// Adapter returns the PostgreSQL adapter bound to the test schema. It also
// serves checkpoints and dead letters.
func (it *IntegrationTest) Adapter() *postgres.PostgresAdapter {
	return it.adapter
}

// Store returns an event store over Adapter.
func (it *IntegrationTest) Store(opts ...keel.Option) *keel.EventStore {
	return keel.New(it.adapter, opts...)
}

// Exec executes a SQL statement.
func (it *IntegrationTest) Exec(query string, args ...interface{}) {
	it.t.Helper()
	if _, err := it.db.ExecContext(it.ctx, query, args...); err != nil {
		it.t.Fatalf("Failed to execute SQL: %v", err)
	}
}

// QueryInt runs a query that returns a single integer.
func (it *IntegrationTest) QueryInt(query string, args ...interface{}) int64 {
	it.t.Helper()
	var n int64
	if err := it.db.QueryRowContext(it.ctx, query, args...).Scan(&n); err != nil {
		it.t.Fatalf("Failed to execute query: %v", err)
	}
	return n
}
