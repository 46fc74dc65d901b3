// Package postgres stores every space in one table keyed by (space, key).
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"replsync/pkg/dberrors"
	"replsync/pkg/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS %s (
	space TEXT NOT NULL,
	key   TEXT COLLATE "C" NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (space, key)
)`

type Engine struct {
	pool  *pgxpool.Pool
	table string
}

// Open connects to dsn and creates table if it does not exist.
func Open(ctx context.Context, dsn, table string) (*Engine, error) {
	if table == "" {
		table = "replsync_kv"
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	ident := pgx.Identifier{table}.Sanitize()
	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, ident)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}

	return &Engine{pool: pool, table: ident}, nil
}

func (e *Engine) Get(ctx context.Context, space, key string) ([]byte, error) {
	var v []byte
	err := e.pool.QueryRow(ctx,
		"SELECT value FROM "+e.table+" WHERE space = $1 AND key = $2", space, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dberrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", space, key, err)
	}
	return v, nil
}

func (e *Engine) Batch(ctx context.Context, ops []storage.Op) error {
	if err := storage.Validate(ops); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, e.pool, func(tx pgx.Tx) error {
		for _, op := range ops {
			var err error
			switch op.Kind {
			case storage.OpPut:
				value := op.Value
				if value == nil {
					value = []byte{}
				}
				_, err = tx.Exec(ctx,
					"INSERT INTO "+e.table+" (space, key, value) VALUES ($1, $2, $3) "+
						"ON CONFLICT (space, key) DO UPDATE SET value = EXCLUDED.value",
					op.Space, op.Key, value)
			case storage.OpDelete:
				_, err = tx.Exec(ctx,
					"DELETE FROM "+e.table+" WHERE space = $1 AND key = $2", op.Space, op.Key)
			}
			if err != nil {
				return fmt.Errorf("apply %s/%s: %w", op.Space, op.Key, err)
			}
		}
		return nil
	})
}

func (e *Engine) Iterate(ctx context.Context, space string, r storage.Range, fn func(string, []byte) error) error {
	query := "SELECT key, value FROM " + e.table + " WHERE space = $1"
	args := []any{space}
	if r.GT != "" {
		args = append(args, r.GT)
		query += fmt.Sprintf(" AND key > $%d", len(args))
	}
	if r.GTE != "" {
		args = append(args, r.GTE)
		query += fmt.Sprintf(" AND key >= $%d", len(args))
	}
	if r.LTE != "" {
		args = append(args, r.LTE)
		query += fmt.Sprintf(" AND key <= $%d", len(args))
	}
	query += " ORDER BY key"

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("iterate %s: %w", space, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan %s: %w", space, err)
		}
		if err := fn(key, value); err != nil {
			if errors.Is(err, storage.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

func (e *Engine) Close() error {
	e.pool.Close()
	return nil
}
