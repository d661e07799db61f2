package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Connect opens the database for the given driver and runs migrations.
func Connect(driver, dsn string, logger zerolog.Logger) (*sqlx.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if driver == DriverSQLite {
		// one writer; also keeps a :memory: database on a single connection
		db.SetMaxOpenConns(1)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Str("driver", driver).Msg("database migrations applied")

	return db, nil
}

// RunMigrations creates the chat tables if they do not exist.
func RunMigrations(db *sqlx.DB) error {
	for _, m := range migrations(db.DriverName()) {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func migrations(driver string) []string {
	types := strings.NewReplacer("{{serial}}", "BIGSERIAL PRIMARY KEY", "{{ts}}", "TIMESTAMPTZ")
	if driver == DriverSQLite {
		types = strings.NewReplacer("{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{ts}}", "TIMESTAMP")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id {{serial}},
            listing_id BIGINT,
            last_seq BIGINT NOT NULL DEFAULT 0,
            created_at {{ts}} NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL,
            last_read_at BIGINT NOT NULL DEFAULT 0,
            PRIMARY KEY (conversation_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id BIGINT NOT NULL,
            content TEXT NOT NULL,
            kind TEXT NOT NULL DEFAULT 'text',
            quote_id TEXT,
            quote_state TEXT,
            seq BIGINT NOT NULL,
            created_at {{ts}} NOT NULL,
            UNIQUE (conversation_id, seq)
        );`,
		`CREATE TABLE IF NOT EXISTS quotes (
            id TEXT PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            state TEXT NOT NULL,
            amount_cents BIGINT NOT NULL DEFAULT 0,
            currency TEXT NOT NULL DEFAULT '',
            updated_at {{ts}} NOT NULL
        );`,
	}

	for i, stmt := range stmts {
		stmts[i] = types.Replace(stmt)
	}
	return stmts
}
