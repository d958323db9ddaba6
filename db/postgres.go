package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chatfleet/chat"
)

const insertPostgres = `INSERT INTO messages (
	id, badge_info, badges, bits, color, display_name, emotes, mod, room_id, tmi_sent_ts, user_id,
	channel, message, raw_message
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO NOTHING`

// PostgresStore writes through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to url and pings it.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Info("connected to postgres", slog.String("component", "db"), slog.Int("max_conns", int(pool.Config().MaxConns)))
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for tests and ad hoc queries.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// InsertMessages queues one INSERT per message in a pgx.Batch inside a transaction.
func (s *PostgresStore) InsertMessages(ctx context.Context, msgs []chat.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		r, err := toRow(m)
		if err != nil {
			return 0, err
		}
		batch.Queue(insertPostgres,
			r.id, r.badgeInfo, r.badges, r.bits, r.color, r.displayName, r.emotes, r.mod, r.roomID,
			r.sentAt, r.userID, r.channel, r.message, r.raw)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for i := range msgs {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("insert message %s: %w", msgs[i].Tags.ID, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// Ping checks the pool can reach the server.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrator() (*migrate.Migrate, func(), error) {
	sqlDB := stdlib.OpenDBFromPool(s.pool)
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("create postgres migrate driver: %w", err)
	}
	m, err := newMigrate("postgres", driver)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	release := func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("closing migrator", slog.String("component", "db_migrate"), slog.Any("source_err", srcErr), slog.Any("db_err", dbErr))
		}
	}
	return m, release, nil
}
