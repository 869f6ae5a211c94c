package artifactpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/pony/internal/artifact"
)

var _ artifact.Catalog = (*Catalog)(nil)

// Catalog implements artifact.Catalog over a Postgres artifact_files table
// with a BIGINT key and a JSONB file-list payload.
type Catalog struct {
	db *pgxpool.Pool // required
}

func NewCatalog(db *pgxpool.Pool) *Catalog {
	return &Catalog{db: db}
}

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (c *Catalog) Get(ctx context.Context, key int64) ([]artifact.UploadedFile, error) {
	files, err := getFiles(ctx, c.db, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = artifact.ErrNotFound
		}
		return nil, fmt.Errorf("artifactpg.Catalog: key %d: %w", key, err)
	}
	return files, nil
}

func (c *Catalog) Set(ctx context.Context, key int64, files []artifact.UploadedFile) error {
	err := setFiles(ctx, c.db, key, files)
	if err != nil {
		return fmt.Errorf("artifactpg.Catalog: key %d: %w", key, err)
	}
	return nil
}

func (c *Catalog) Keys(ctx context.Context) ([]int64, error) {
	query := `
		SELECT key
		FROM artifact_files
		ORDER BY key
	`

	rows, _ := c.db.Query(ctx, query)
	keys, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("artifactpg.Catalog: %w", err)
	}
	return keys, nil
}

func (c *Catalog) Sync(ctx context.Context) error {
	return nil
}

// Close is a no-op: the pool is owned by the caller.
func (c *Catalog) Close() error {
	return nil
}

func getFiles(ctx context.Context, db executor, key int64) ([]artifact.UploadedFile, error) {
	query := `
		SELECT data
		FROM artifact_files
		WHERE key = $1
	`
	args := []any{key}

	rows, _ := db.Query(ctx, query, args...)
	data, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}

	var files []artifact.UploadedFile
	if err = json.Unmarshal(data, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func setFiles(ctx context.Context, db executor, key int64, files []artifact.UploadedFile) error {
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO artifact_files (key, data)
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
