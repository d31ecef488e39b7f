package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	"github.com/samber/lo"

	"chatrelay/internal/config"
	"chatrelay/internal/model"
)

type queries struct {
	insert       string
	useReturning bool
	selectAsc    string
	selectDesc   string
	selectLast   string
	maxCreated   string
}

var questionQueries = queries{
	insert:     "INSERT INTO messages (sender, content, created_at) VALUES (?, ?, ?)",
	selectAsc:  "SELECT id, sender, content, created_at FROM messages ORDER BY id ASC",
	selectDesc: "SELECT id, sender, content, created_at FROM messages ORDER BY id DESC",
	selectLast: "SELECT id, sender, content, created_at FROM messages ORDER BY id DESC LIMIT ?",
	maxCreated: "SELECT COALESCE(MAX(created_at), 0) FROM messages",
}

var postgresQueries = queries{
	insert:       "INSERT INTO messages (sender, content, created_at) VALUES ($1, $2, $3) RETURNING id",
	useReturning: true,
	selectAsc:    "SELECT id, sender, content, created_at FROM messages ORDER BY id ASC",
	selectDesc:   "SELECT id, sender, content, created_at FROM messages ORDER BY id DESC",
	selectLast:   "SELECT id, sender, content, created_at FROM messages ORDER BY id DESC LIMIT $1",
	maxCreated:   "SELECT COALESCE(MAX(created_at), 0) FROM messages",
}

// SQL stores messages in a relational table whose auto-increment id is the
// insertion order. created_at is kept as Unix nanoseconds.
type SQL struct {
	// mu keeps id order and timestamp order aligned across concurrent appends.
	mu    sync.Mutex
	db    *sql.DB
	q     queries
	clock *clock
}

// NewSQL wraps an already migrated database. driver is one of the
// config.Driver* SQL names.
func NewSQL(ctx context.Context, db *sql.DB, driver string) (*SQL, error) {
	var q queries
	switch driver {
	case config.DriverMySQL, config.DriverSQLite:
		q = questionQueries
	case config.DriverPostgres:
		q = postgresQueries
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	s := &SQL{db: db, q: q, clock: newClock()}

	var maxNanos int64
	if err := db.QueryRowContext(ctx, q.maxCreated).Scan(&maxNanos); err != nil {
		return nil, storageErr("load clock", err)
	}
	if maxNanos > 0 {
		s.clock.observe(timeFromNanos(maxNanos))
	}
	return s, nil
}

func (s *SQL) Append(ctx context.Context, sender, content string) (model.Message, error) {
	if err := model.Validate(model.Draft{Sender: sender, Content: content}); err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock.next()

	var id int64
	if s.q.useReturning {
		if err := s.db.QueryRowContext(ctx, s.q.insert, sender, content, ts.UnixNano()).Scan(&id); err != nil {
			return model.Message{}, storageErr("append", err)
		}
	} else {
		result, err := s.db.ExecContext(ctx, s.q.insert, sender, content, ts.UnixNano())
		if err != nil {
			return model.Message{}, storageErr("append", err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return model.Message{}, storageErr("append", err)
		}
	}

	return model.Message{
		ID:        strconv.FormatInt(id, 10),
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	}, nil
}

func (s *SQL) ListAll(ctx context.Context, order Order) ([]model.Message, error) {
	query := s.q.selectAsc
	if order == Descending {
		query = s.q.selectDesc
	}

	msgs, err := s.query(ctx, query)
	if err != nil {
		return nil, storageErr("list all", err)
	}
	return nonNil(msgs), nil
}

func (s *SQL) ListRecent(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}

	msgs, err := s.query(ctx, s.q.selectLast, limit)
	if err != nil {
		return nil, storageErr("list recent", err)
	}

	// 新しい順で取得したものを時系列順に戻す
	return nonNil(lo.Reverse(msgs)), nil
}

func (s *SQL) query(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			msg   model.Message
			id    int64
			nanos int64
		)
		if err := rows.Scan(&id, &msg.Sender, &msg.Content, &nanos); err != nil {
			return nil, err
		}
		msg.ID = strconv.FormatInt(id, 10)
		msg.Timestamp = timeFromNanos(nanos)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQL) Close() error {
	return s.db.Close()
}
