// Package db persists chat messages. Postgres (pgx pool) and SQLite back the same Store interface;
// the dialect is chosen from the DATABASE_URL scheme.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/onnwee/chatfleet/chat"
)

// ErrUnsupportedURL is returned by Connect for a scheme it does not know.
var ErrUnsupportedURL = errors.New("db: unsupported database url")

// Store is the message sink used by the writer and the health endpoint.
type Store interface {
	// InsertMessages writes msgs in a single transaction. Messages whose id is already stored are
	// skipped; the return value counts rows actually inserted. On error nothing is written.
	InsertMessages(ctx context.Context, msgs []chat.Message) (int64, error)
	Ping(ctx context.Context) error
	Close() error

	// migrator returns a migrate instance over this store and a release func for it.
	migrator() (*migrate.Migrate, func(), error)
}

// Connect opens the store named by url and verifies it answers. postgres:// and postgresql:// open a
// pgx pool; sqlite://path and file: URIs open SQLite.
func Connect(ctx context.Context, url string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		s, err = OpenPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		s, err = OpenSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		s, err = OpenSQLite(ctx, url)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, redact(url))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// redact hides credentials in error messages.
func redact(url string) string {
	if i := strings.Index(url, "@"); i >= 0 {
		if j := strings.Index(url, "://"); j >= 0 && j < i {
			return url[:j+3] + "***" + url[i:]
		}
	}
	return url
}

// row is a message flattened to column values. Absent tags are nil so they store as NULL.
type row struct {
	id          string
	badgeInfo   *string
	badges      []byte
	bits        *int
	color       *string
	displayName *string
	emotes      []byte
	mod         *bool
	roomID      *int
	sentAt      *time.Time
	userID      *string
	channel     string
	message     string
	raw         string
}

func toRow(m chat.Message) (row, error) {
	r := row{
		id:          m.Tags.ID,
		badgeInfo:   nullable(m.Tags.BadgeInfo),
		bits:        m.Tags.Bits,
		color:       nullable(m.Tags.Color),
		displayName: nullable(m.Tags.DisplayName),
		mod:         m.Tags.Moderator,
		roomID:      m.Tags.RoomID,
		userID:      nullable(m.Tags.UserID),
		channel:     m.Channel,
		message:     m.Text,
		raw:         m.Raw,
	}
	if !m.Tags.SentAt.IsZero() {
		t := m.Tags.SentAt.UTC()
		r.sentAt = &t
	}
	var err error
	if r.badges, err = jsonList(m.Tags.Badges); err != nil {
		return row{}, fmt.Errorf("encode badges for %s: %w", m.Tags.ID, err)
	}
	if r.emotes, err = jsonList(m.Tags.Emotes); err != nil {
		return row{}, fmt.Errorf("encode emotes for %s: %w", m.Tags.ID, err)
	}
	return r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonList(v []string) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
