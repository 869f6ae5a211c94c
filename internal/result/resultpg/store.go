package resultpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/pony/internal/result"
)

var _ result.Store = (*Store)(nil)

// Store implements result.Store over a Postgres results table with a BIGINT
// key and a JSONB record payload. Writes are durable at statement commit, so
// Sync is a no-op.
type Store struct {
	db *pgxpool.Pool // required
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Get(ctx context.Context, key int64) (*result.Record, error) {
	r, err := getRecord(ctx, s.db, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = result.ErrNotFound
		}
		return nil, fmt.Errorf("resultpg.Store: key %d: %w", key, err)
	}
	return r, nil
}

func (s *Store) Set(ctx context.Context, key int64, record *result.Record) error {
	err := setRecord(ctx, s.db, key, record)
	if err != nil {
		return fmt.Errorf("resultpg.Store: key %d: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]int64, error) {
	keys, err := getKeys(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("resultpg.Store: %w", err)
	}
	return keys, nil
}

func (s *Store) Sync(ctx context.Context) error {
	return nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

func getRecord(ctx context.Context, db executor, key int64) (*result.Record, error) {
	query := `
		SELECT data
		FROM results
		WHERE key = $1
	`
	args := []any{key}

	rows, _ := db.Query(ctx, query, args...)
	data, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}

	var r result.Record
	if err = json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func setRecord(ctx context.Context, db executor, key int64, record *result.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO results (key, data)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data
	`
	args := []any{key, data}

	_, err = db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	return nil
}

func getKeys(ctx context.Context, db executor) ([]int64, error) {
	query := `
		SELECT key
		FROM results
		ORDER BY key
	`

	rows, _ := db.Query(ctx, query)
	keys, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return keys, nil
}
