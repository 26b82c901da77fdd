package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/shopspring/decimal"
)

// Schema creates the tables Postgres expects. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id BIGINT PRIMARY KEY,
	from_account TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	token_symbol TEXT NOT NULL,
	memo TEXT NOT NULL,
	parsed_memo JSONB,
	received_at TIMESTAMPTZ NOT NULL,
	fulfilled BOOLEAN NOT NULL DEFAULT false,
	fulfilled_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS transfers_unfulfilled_idx ON transfers (id) WHERE NOT fulfilled;
CREATE TABLE IF NOT EXISTS poll_cursors (name TEXT PRIMARY KEY, last_id BIGINT NOT NULL);
`

// Postgres implements TransferStore over the tables in Schema.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

// Migrate applies Schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

const transferColumns = "id, from_account, amount::text, token_symbol, memo, parsed_memo, received_at, fulfilled, fulfilled_at"

// InsertIfAbsent relies on the primary key; overlapping poll windows and the
// relay channel may both deliver the same id.
func (s *Postgres) InsertIfAbsent(ctx context.Context, rec *domain.TransferRecord) (bool, error) {
	parsed, err := marshalParsed(rec.ParsedMemo)
	if err != nil {
		return false, err
	}
	tag, err := s.Db.Exec(ctx,
		`INSERT INTO transfers (id, from_account, amount, token_symbol, memo, parsed_memo, received_at, fulfilled, fulfilled_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, false, NULL)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.FromAccount, rec.Amount.String(), rec.TokenSymbol, rec.Memo, parsed, rec.ReceivedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("transfer insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) FindByID(ctx context.Context, id int64) (*domain.TransferRecord, error) {
	row := s.Db.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", id)
	rec, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transfer lookup failed: %w", err)
	}
	return rec, nil
}

func (s *Postgres) ListUnfulfilled(ctx context.Context, filter ListFilter) ([]*domain.TransferRecord, error) {
	query := "SELECT " + transferColumns + " FROM transfers WHERE fulfilled = false"
	args := []any{}
	if len(filter.Symbols) > 0 {
		query += " AND token_symbol = ANY($1)"
		args = append(args, filter.Symbols)
	}
	query += " ORDER BY id"

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unfulfilled query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("transfer scan failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) TryFulfill(ctx context.Context, id int64, at time.Time) (FulfillOutcome, error) {
	tag, err := s.Db.Exec(ctx,
		"UPDATE transfers SET fulfilled = true, fulfilled_at = $2 WHERE id = $1 AND fulfilled = false",
		id, at,
	)
	if err != nil {
		return NotFound, fmt.Errorf("fulfill update failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Fulfilled, nil
	}

	var exists bool
	if err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transfers WHERE id = $1)", id).Scan(&exists); err != nil {
		return NotFound, fmt.Errorf("fulfill lookup failed: %w", err)
	}
	if exists {
		return AlreadyFulfilled, nil
	}
	return NotFound, nil
}

func (s *Postgres) SaveParsedMemo(ctx context.Context, id int64, parsed *domain.ParsedMemo) error {
	body, err := marshalParsed(parsed)
	if err != nil {
		return err
	}
	tag, err := s.Db.Exec(ctx, "UPDATE transfers SET parsed_memo = $2 WHERE id = $1", id, body)
	if err != nil {
		return fmt.Errorf("parsed memo update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Cursor(ctx context.Context, source string) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx, "SELECT last_id FROM poll_cursors WHERE name = $1", source).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor lookup failed: %w", err)
	}
	return id, nil
}

func (s *Postgres) AdvanceCursor(ctx context.Context, source string, id int64) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO poll_cursors (name, last_id) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET last_id = GREATEST(poll_cursors.last_id, EXCLUDED.last_id)`,
		source, id,
	)
	if err != nil {
		return fmt.Errorf("cursor update failed: %w", err)
	}
	return nil
}

func scanTransfer(row pgx.Row) (*domain.TransferRecord, error) {
	var (
		rec    domain.TransferRecord
		amount string
		parsed []byte
	)
	if err := row.Scan(&rec.ID, &rec.FromAccount, &amount, &rec.TokenSymbol, &rec.Memo,
		&parsed, &rec.ReceivedAt, &rec.Fulfilled, &rec.FulfilledAt); err != nil {
		return nil, err
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transfer %d has invalid amount %q: %w", rec.ID, amount, err)
	}
	rec.Amount = dec
	if len(parsed) > 0 {
		var pm domain.ParsedMemo
		// A corrupt cache is dropped; the refresh pass re-decodes it.
		if json.Unmarshal(parsed, &pm) == nil {
			rec.ParsedMemo = &pm
		}
	}
	return &rec, nil
}

func marshalParsed(parsed *domain.ParsedMemo) ([]byte, error) {
	if parsed == nil {
		return nil, nil
	}
	body, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("parsed memo encode failed: %w", err)
	}
	return body, nil
}

// AdvisoryLease holds a session-level advisory lock on a dedicated pooled
// connection. The lock is lost if the connection drops.
type AdvisoryLease struct {
	db  *pgxpool.Pool
	key int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewAdvisoryLease(db *pgxpool.Pool, key int64) *AdvisoryLease {
	return &AdvisoryLease{db: db, key: key}
}

func (l *AdvisoryLease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// The session may still hold the lock; it must not go back to the pool.
		discard(l.conn)
		l.conn = nil
	}

	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("lease connection failed: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("lease lock failed: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *AdvisoryLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	if err != nil {
		discard(l.conn)
		l.conn = nil
		return fmt.Errorf("lease unlock failed: %w", err)
	}
	l.conn.Release()
	l.conn = nil
	return nil
}

// discard closes the session behind conn, which drops any advisory lock it holds.
func discard(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.Hijack().Close(ctx)
}
