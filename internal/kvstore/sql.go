package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	name   string
	schema []string
	// setupLock, if set, runs first inside the setup transaction so that
	// concurrent Setup calls against one database do not race.
	setupLock string

	getRefCount    string
	setRefCount    string
	getModified    string
	setModified    string
	deleteModified string
	getRefFile     string
	setRefFile     string
	deleteRefFile  string
	listRefFiles   string
	listRefCounts  string
}

// sqlBackend implements Backend over database/sql. The *sql.DB pool bounds
// concurrent connections; callers past the bound wait for a free connection.
type sqlBackend struct {
	db *sql.DB
	d  dialect
}

func (s *sqlBackend) Setup(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s setup: %w", s.d.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := s.d.schema
	if s.d.setupLock != "" {
		stmts = append([]string{s.d.setupLock}, stmts...)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s setup: %w", s.d.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s setup: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlBackend) queryInt(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlBackend) GetRefCount(ctx context.Context, bucket, hash string) (int64, error) {
	n, err := s.queryInt(ctx, s.d.getRefCount, bucket, hash)
	if err != nil {
		return 0, fmt.Errorf("get refcount: %w", err)
	}
	return n, nil
}

func (s *sqlBackend) SetRefCount(ctx context.Context, bucket, hash string, n int64) error {
	if _, err := s.db.ExecContext(ctx, s.d.setRefCount, bucket, hash, n); err != nil {
		return fmt.Errorf("set refcount: %w", err)
	}
	return nil
}

func (s *sqlBackend) GetModified(ctx context.Context, bucket, path string) (int64, error) {
	n, err := s.queryInt(ctx, s.d.getModified, bucket, path)
	if err != nil {
		return 0, fmt.Errorf("get modified: %w", err)
	}
	return n, nil
}

func (s *sqlBackend) SetModified(ctx context.Context, bucket, path string, modified int64) error {
	if _, err := s.db.ExecContext(ctx, s.d.setModified, bucket, path, modified); err != nil {
		return fmt.Errorf("set modified: %w", err)
	}
	return nil
}

func (s *sqlBackend) DeleteModified(ctx context.Context, bucket, path string) error {
	if _, err := s.db.ExecContext(ctx, s.d.deleteModified, bucket, path); err != nil {
		return fmt.Errorf("delete modified: %w", err)
	}
	return nil
}

func (s *sqlBackend) GetRefFile(ctx context.Context, bucket, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, s.d.getRefFile, bucket, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get ref file: %w", err)
	}
	return hash, nil
}

func (s *sqlBackend) SetRefFile(ctx context.Context, bucket, path, hash string) error {
	if _, err := s.db.ExecContext(ctx, s.d.setRefFile, bucket, path, hash); err != nil {
		return fmt.Errorf("set ref file: %w", err)
	}
	return nil
}

func (s *sqlBackend) DeleteRefFile(ctx context.Context, bucket, path string) error {
	if _, err := s.db.ExecContext(ctx, s.d.deleteRefFile, bucket, path); err != nil {
		return fmt.Errorf("delete ref file: %w", err)
	}
	return nil
}

func (s *sqlBackend) ListRefFiles(ctx context.Context, bucket string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.listRefFiles, bucket)
	if err != nil {
		return nil, fmt.Errorf("list ref files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("list ref files: %w", err)
		}
		out[path] = hash
	}
	return out, rows.Err()
}

func (s *sqlBackend) ListRefCounts(ctx context.Context, bucket string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.d.listRefCounts, bucket)
	if err != nil {
		return nil, fmt.Errorf("list refcounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var hash string
		var n int64
		if err := rows.Scan(&hash, &n); err != nil {
			return nil, fmt.Errorf("list refcounts: %w", err)
		}
		out[hash] = n
	}
	return out, rows.Err()
}

func (s *sqlBackend) Close() error {
	return s.db.Close()
}
