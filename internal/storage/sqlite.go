package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "modernc.org/sqlite"

	logx "logshipper/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now, pruneEvery: 500}

	// Basic pragmas.
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var result *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := s.pruneExpired(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("prune: %w", err))
	}
	cancel()
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *sqliteStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		v   []byte
		exp int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if exp > 0 && exp <= s.now().UnixMilli() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ? AND expires_at = ?`, key, exp)
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, s.expiry(ttl),
	)
	s.maybePrune(err)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) Increment(ctx context.Context, key string) (int64, error) {
	now := s.now().UnixMilli()
	var raw string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO cache(key, value, expires_at) VALUES(?, '1', 0)
		 ON CONFLICT(key) DO UPDATE SET
		   value = CASE WHEN cache.expires_at > 0 AND cache.expires_at <= ?
		                THEN '1'
		                ELSE CAST(CAST(CAST(cache.value AS TEXT) AS INTEGER) + 1 AS TEXT) END,
		   expires_at = CASE WHEN cache.expires_at > 0 AND cache.expires_at <= ?
		                THEN 0 ELSE cache.expires_at END
		 RETURNING CAST(value AS TEXT)`,
		key, now, now,
	).Scan(&raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *sqliteStore) Lock(name string, ttl time.Duration) Lock {
	return newLease(s, name, ttl)
}

func (s *sqliteStore) tryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_locks(key, owner, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
		 WHERE cache_locks.expires_at <= ?`,
		name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) unlock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_locks WHERE key = ? AND owner = ?`, name, owner)
	return err
}

func (s *sqliteStore) maybePrune(err error) {
	if err != nil || s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	if perr := s.pruneExpired(pctx); perr != nil {
		s.log.Debug("storage.prune_failed", logx.Err(perr))
	}
	cancel()
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE expires_at > 0 AND expires_at <= ?`, now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM cache_locks WHERE expires_at <= ?`, now)
	return err
}
