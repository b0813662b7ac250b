package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Dialect selects placeholder and DDL differences between drivers
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// DB wraps the connection pool shared by every account
type DB struct {
	conn    *sql.DB
	dialect Dialect
	logger  zerolog.Logger
}

// Open connects to databaseURL and creates missing tables. postgres:// and
// postgresql:// URLs use lib/pq; anything else is a SQLite path or DSN.
func Open(ctx context.Context, databaseURL string, logger zerolog.Logger) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	dialect := SQLite
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		dialect = Postgres
	}

	conn, err := sql.Open(string(dialect), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == Postgres {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
		conn.SetConnMaxIdleTime(1 * time.Minute)
	} else {
		// a single connection keeps :memory: databases alive and serialises writers
		conn.SetMaxOpenConns(1)
	}

	db := &DB{
		conn:    conn,
		dialect: dialect,
		logger:  logger.With().Str("component", "database").Logger(),
	}
	if err := db.createTables(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.logger.Info().Str("dialect", string(dialect)).Msg("Database initialized successfully")
	return db, nil
}

// Close releases the pool
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dialect reports which driver is in use
func (db *DB) Dialect() Dialect {
	return db.dialect
}

func (db *DB) createTables(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq ` + serial + `,
			id TEXT UNIQUE NOT NULL,
			client_ref TEXT,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			read_at BIGINT,
			locked BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS friends (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at BIGINT NOT NULL,
			UNIQUE(user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS account_locks (
			user_id TEXT PRIMARY KEY,
			passphrase_hash TEXT NOT NULL DEFAULT '',
			locked BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id)`,
		`CREATE INDEX IF NOT EXISTS idx_friends_friend ON friends(friend_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres
func (db *DB) rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
