package crdtstorage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// SQLAdapter is a database/sql-backed Storage: one table, a key column
// holding the "/"-joined path and a value column holding the opaque
// blob. Grounded on the teacher's SQLAdapter, narrowed the same way as
// MongoDBAdapter from whole-Document rows to generic key/value rows
// (callers pass a *sql.DB already opened against whichever driver they
// registered, matching the teacher's own "database is externally
// managed" convention). The statements use "?" placeholders, a BLOB
// column and an ON CONFLICT upsert, which is SQLite's dialect; drivers
// that need other placeholder styles or upsert syntax are not handled.
type SQLAdapter struct {
	db        *sql.DB
	tableName string
}

// NewSQLAdapter wraps db, creating tableName if it does not exist, with
// a TEXT primary key column and a BLOB value column.
func NewSQLAdapter(ctx context.Context, db *sql.DB, tableName string) (*SQLAdapter, error) {
	a := &SQLAdapter{db: db, tableName: tableName}
	if err := a.createTable(ctx); err != nil {
		return nil, errors.Wrap(err, "creating storage table")
	}
	return a, nil
}

func (a *SQLAdapter) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)
	`, a.tableName)
	_, err := a.db.ExecContext(ctx, query)
	return err
}

func (a *SQLAdapter) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	var value []byte
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", a.tableName)
	err := a.db.QueryRowContext(ctx, query, key.String()).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "loading %s", key.String())
	}
	return value, true, nil
}

// LoadRange matches rows whose key equals prefix or starts with
// "prefix/", using a LIKE pattern anchored on the literal prefix.
func (a *SQLAdapter) LoadRange(ctx context.Context, prefix Key) ([]KV, error) {
	p := prefix.String()
	query := fmt.Sprintf("SELECT key, value FROM %s WHERE key = ? OR key LIKE ?", a.tableName)
	rows, err := a.db.QueryContext(ctx, query, p, escapeLike(p)+"/%")
	if err != nil {
		return nil, errors.Wrap(err, "querying range")
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scanning row")
		}
		out = append(out, KV{Key: ParseKey(k), Value: v})
	}
	return out, rows.Err()
}

func (a *SQLAdapter) Put(ctx context.Context, key Key, value []byte) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, a.tableName)
	if _, err := tx.ExecContext(ctx, upsert, key.String(), value); err != nil {
		return errors.Wrapf(err, "storing %s", key.String())
	}
	return errors.Wrap(tx.Commit(), "committing write")
}

func (a *SQLAdapter) Delete(ctx context.Context, key Key) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", a.tableName)
	_, err := a.db.ExecContext(ctx, query, key.String())
	return errors.Wrapf(err, "deleting %s", key.String())
}

// Close is a no-op: the *sql.DB is externally managed.
func (a *SQLAdapter) Close() error { return nil }

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
