package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
)

// Datastore is a go-datastore Batching view of the datastore table. It shares
// the connection of the Store it came from and is closed with it.
type Datastore struct {
	db *sql.DB
}

var _ ds.Batching = (*Datastore)(nil)

// Datastore returns the key/value datastore kept in the same database.
func (s *Store) Datastore() *Datastore {
	return &Datastore{db: s.db}
}

func (d *Datastore) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx, `SELECT value FROM datastore WHERE key = ?`, key.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ds.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (d *Datastore) Has(ctx context.Context, key ds.Key) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datastore WHERE key = ?`, key.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has %s: %w", key, err)
	}
	return n > 0, nil
}

func (d *Datastore) GetSize(ctx context.Context, key ds.Key) (int, error) {
	var size int
	err := d.db.QueryRowContext(ctx, `SELECT length(value) FROM datastore WHERE key = ?`, key.String()).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, ds.ErrNotFound
	}
	if err != nil {
		return -1, fmt.Errorf("size of %s: %w", key, err)
	}
	return size, nil
}

func (d *Datastore) Put(ctx context.Context, key ds.Key, value []byte) error {
	return put(ctx, d.db, key, value)
}

func (d *Datastore) Delete(ctx context.Context, key ds.Key) error {
	return del(ctx, d.db, key)
}

// Query loads the entries under the query prefix and applies the rest of the
// query in memory.
func (d *Datastore) Query(ctx context.Context, q query.Query) (query.Results, error) {
	prefix := strings.TrimSuffix(q.Prefix, "/")
	rows, err := d.db.QueryContext(ctx,
		`SELECT key, value FROM datastore WHERE key >= ? AND key < ? ORDER BY key`,
		prefix+"/", prefix+"0") // '0' follows '/'
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", q.Prefix, err)
	}
	defer rows.Close()

	var entries []query.Entry
	for rows.Next() {
		var e query.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		e.Size = len(e.Value)
		if q.KeysOnly {
			e.Value = nil
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The prefix is already applied.
	rest := q
	rest.Prefix = ""
	return query.NaiveQueryApply(rest, query.ResultsWithEntries(q, entries)), nil
}

func (d *Datastore) Sync(context.Context, ds.Key) error {
	return nil
}

// Close is a no-op; the owning Store closes the connection.
func (d *Datastore) Close() error {
	return nil
}

// Batch buffers writes and commits them in one transaction.
func (d *Datastore) Batch(context.Context) (ds.Batch, error) {
	return &batch{db: d.db, ops: make(map[ds.Key]*[]byte)}, nil
}

type batch struct {
	db *sql.DB
	// ops maps keys to their pending value; nil means delete.
	ops map[ds.Key]*[]byte
}

func (b *batch) Put(_ context.Context, key ds.Key, value []byte) error {
	v := append([]byte(nil), value...)
	b.ops[key] = &v
	return nil
}

func (b *batch) Delete(_ context.Context, key ds.Key) error {
	b.ops[key] = nil
	return nil
}

func (b *batch) Commit(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, v := range b.ops {
		if v == nil {
			err = del(ctx, tx, key)
		} else {
			err = put(ctx, tx, key, *v)
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	clear(b.ops)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, key ds.Key, value []byte) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO datastore (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key.String(), value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func del(ctx context.Context, db execer, key ds.Key) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM datastore WHERE key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
