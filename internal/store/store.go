package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - events, event_tags, snapshots, replay_sessions
const currentSchemaVersion = 1

// PayloadValidator checks a payload before it is appended.
// schema.Registry implements it.
type PayloadValidator interface {
	Validate(eventType string, payload ir.Object) error
}

// Store is the durable, append-only event log.
//
// Two connection pools share one SQLite file in WAL mode:
//   - writer: a single connection with IMMEDIATE transactions, so appends are
//     serialized and the version check and sequence assignment are atomic
//   - reader: a query-only pool; readers never block on the writer and only
//     observe committed data
type Store struct {
	writer *sql.DB
	reader *sql.DB

	ids       event.IDGenerator
	clock     event.Clock
	validator PayloadValidator
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	ids       event.IDGenerator
	clock     event.Clock
	validator PayloadValidator
	logger    *slog.Logger
	readConns int
}

// WithIDGenerator sets the event id generator (default UUIDv7).
func WithIDGenerator(g event.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithClock sets the clock used for events appended without a timestamp.
func WithClock(c event.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithValidator validates every payload before append.
func WithValidator(v PayloadValidator) Option {
	return func(o *options) { o.validator = v }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReadConns sets the size of the reader pool (default 4).
func WithReadConns(n int) Option {
	return func(o *options) { o.readConns = n }
}

// Open creates or opens the event store at path and applies the schema.
//
// The database is configured with:
//   - WAL mode so reads proceed during writes
//   - FULL synchronous mode: an append is durable when it returns
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// Open is idempotent.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{
		ids:       event.UUIDv7Generator{},
		clock:     event.SystemClock{},
		logger:    slog.Default(),
		readConns: 4,
	}
	for _, opt := range opts {
		opt(&o)
	}

	writer, err := openPool(path, url.Values{
		"_journal_mode": {"WAL"},
		"_txlock":       {"immediate"},
		"_sync":         {"FULL"},
	}, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applySchema(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	reader, err := openPool(path, url.Values{"_query_only": {"1"}}, o.readConns)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}

	return &Store{
		writer:    writer,
		reader:    reader,
		ids:       o.ids,
		clock:     o.clock,
		validator: o.validator,
		logger:    o.logger.With("component", "store"),
	}, nil
}

// openPool opens a connection pool with per-connection pragmas in the DSN,
// so every connection in the pool gets them.
func openPool(path string, extra url.Values, maxConns int) (*sql.DB, error) {
	params := url.Values{
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
	}
	for k, v := range extra {
		params[k] = v
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// applySchema creates tables if they don't exist and checks the schema version.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version and
// refuses databases written by a newer release.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version == currentSchemaVersion {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value on the
// given pool. Used for testing.
func verifyPragma(db *sql.DB, name, expected string) error {
	var value string
	if err := db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
