// Package sqlstore keeps storage values in an offline_kv table through database/sql.
// SQLite (modernc, pure Go) is the device default; MySQL serves shared depot agents.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/migrate"
)

const selectValue = `SELECT v FROM offline_kv WHERE k = ?`

var upserts = map[migrate.Dialect]string{
	migrate.SQLite: `INSERT INTO offline_kv (k, v, updated_at) VALUES (?, ?, ?)
ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
	migrate.MySQL: `INSERT INTO offline_kv (k, v, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`,
}

var drivers = map[migrate.Dialect]string{
	migrate.SQLite: "sqlite",
	migrate.MySQL:  "mysql",
}

// Store implements storage.Storage on a SQL database.
type Store struct {
	db     *sql.DB
	upsert string
}

// Open connects, migrates and returns a Store. For SQLite dsn is a file path.
func Open(ctx context.Context, d migrate.Dialect, dsn string) (*Store, error) {
	driver, ok := drivers[d]
	if !ok {
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", d)
	}
	if d == migrate.SQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if d == migrate.SQLite {
		db.SetMaxOpenConns(1) // single writer
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	if err := migrate.UpDB(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, upsert: upserts[d]}, nil
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
}

// Load returns the value for key or errs.ErrNotFound.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, selectValue, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Save upserts the value for key in a single statement.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.upsert, key, value, time.Now().UnixMilli())
	return err
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
