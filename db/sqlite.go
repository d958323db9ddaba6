package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver

	"github.com/onnwee/chatfleet/chat"
)

const insertSQLite = `INSERT OR IGNORE INTO messages (
	id, badge_info, badges, bits, color, display_name, emotes, mod, room_id, tmi_sent_ts, user_id,
	channel, message, raw_message
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

// SQLiteStore writes to a local SQLite file. A single connection is used so that in-memory
// databases are shared and writes never contend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path (a filename, ":memory:" or a file: URI) and pings it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrUnsupportedURL)
	}
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	slog.Info("opened sqlite", slog.String("component", "db"), slog.String("path", path))
	return &SQLiteStore{db: sqlDB}, nil
}

// DB exposes the underlying handle for tests and ad hoc queries.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// InsertMessages runs a prepared INSERT OR IGNORE per message inside one transaction.
func (s *SQLiteStore) InsertMessages(ctx context.Context, msgs []chat.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSQLite)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, m := range msgs {
		r, err := toRow(m)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx,
			r.id, r.badgeInfo, jsonText(r.badges), r.bits, r.color, r.displayName, jsonText(r.emotes),
			r.mod, r.roomID, sqliteTime(r.sentAt), r.userID, r.channel, r.message, r.raw)
		if err != nil {
			return 0, fmt.Errorf("insert message %s: %w", m.Tags.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// SQLite has no JSON column type; arrays are stored as JSON text.
func jsonText(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}

func sqliteTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// Ping checks the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrator() (*migrate.Migrate, func(), error) {
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := newMigrate("sqlite", driver)
	if err != nil {
		return nil, nil, err
	}
	// Closing the sqlite3 migrate driver closes s.db, so the migrator is left for the GC.
	return m, func() {}, nil
}
