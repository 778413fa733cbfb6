package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/convrelay/internal/profile"
	"github.com/hrygo/convrelay/store"
)

// ============================================================================
// STORAGE MODEL
// ============================================================================
// conversation          one row per (model, local_id): the metadata record.
// conversation_message  append-only log, one row per stored message.
//
// Appending a message is a single INSERT plus a timestamp bump, so the whole
// history is never rewritten. Message payloads keep the client's extra fields
// as JSON.
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database named by the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Ensure a DSN is set before attempting to open the database.
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
	// - WAL lets list/read requests proceed while a write is in flight.
	separator := "?"
	if strings.Contains(profile.DSN, "?") {
		separator = "&"
	}
	sqliteDB, err := sql.Open("sqlite", profile.DSN+separator+"_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// Single connection: SQLite serializes writers anyway and this avoids SQLITE_BUSY churn.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

	return &driver, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
	model        TEXT NOT NULL,
	local_id     TEXT NOT NULL,
	created_ts   INTEGER NOT NULL,
	updated_ts   INTEGER NOT NULL,
	upstream_id  TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (model, local_id)
);
CREATE TABLE IF NOT EXISTS conversation_message (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	model      TEXT NOT NULL,
	local_id   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_message_key ON conversation_message (model, local_id, id);
`

func (d *DB) Migrate(ctx context.Context) error {
	initialized, err := d.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !initialized {
		slog.Info("creating sqlite schema", "dsn", d.profile.DSN)
	}
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to migrate sqlite schema")
	}
	return nil
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='conversation')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}
