package kvstore

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog/log"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS refcount (
			bucket TEXT NOT NULL,
			hash TEXT NOT NULL,
			refcount INTEGER NOT NULL,
			PRIMARY KEY (bucket, hash)
		)`,
		`CREATE TABLE IF NOT EXISTS modified (
			bucket TEXT NOT NULL,
			path TEXT NOT NULL,
			modified INTEGER NOT NULL,
			PRIMARY KEY (bucket, path)
		)`,
		`CREATE TABLE IF NOT EXISTS ref_file (
			bucket TEXT NOT NULL,
			path TEXT NOT NULL,
			hash TEXT NOT NULL,
			PRIMARY KEY (bucket, path)
		)`,
	},
	getRefCount:    `SELECT refcount FROM refcount WHERE bucket = ?1 AND hash = ?2`,
	setRefCount:    `INSERT OR REPLACE INTO refcount (bucket, hash, refcount) VALUES (?1, ?2, ?3)`,
	getModified:    `SELECT modified FROM modified WHERE bucket = ?1 AND path = ?2`,
	setModified:    `INSERT OR REPLACE INTO modified (bucket, path, modified) VALUES (?1, ?2, ?3)`,
	deleteModified: `DELETE FROM modified WHERE bucket = ?1 AND path = ?2`,
	getRefFile:     `SELECT hash FROM ref_file WHERE bucket = ?1 AND path = ?2`,
	setRefFile:     `INSERT OR REPLACE INTO ref_file (bucket, path, hash) VALUES (?1, ?2, ?3)`,
	deleteRefFile:  `DELETE FROM ref_file WHERE bucket = ?1 AND path = ?2`,
	listRefFiles:   `SELECT path, hash FROM ref_file WHERE bucket = ?1`,
	listRefCounts:  `SELECT hash, refcount FROM refcount WHERE bucket = ?1`,
}

// SQLite is the embedded single-file backend.
// The database runs in WAL mode so readers do not block the writer.
type SQLite struct {
	sqlBackend
	path string
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string, poolSize int) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// PRAGMAs go through the DSN so that every pooled connection gets them;
	// busy_timeout in particular is per connection.
	pragmas := url.Values{}
	pragmas.Add("_pragma", "busy_timeout(5000)")
	pragmas.Add("_pragma", "journal_mode(wal)")
	pragmas.Add("_pragma", "synchronous(normal)")

	db, err := sql.Open("sqlite3", "file:"+path+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if poolSize < 1 {
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLite{sqlBackend: sqlBackend{db: db, d: sqliteDialect}, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *SQLite) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to checkpoint WAL")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
