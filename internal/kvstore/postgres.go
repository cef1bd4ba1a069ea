package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:      "postgres",
	setupLock: `SELECT pg_advisory_xact_lock(7361626)`,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS refcount (
			bucket VARCHAR(255) NOT NULL,
			hash VARCHAR(255) NOT NULL,
			refcount BIGINT NOT NULL,
			PRIMARY KEY (bucket, hash)
		)`,
		`CREATE TABLE IF NOT EXISTS modified (
			bucket VARCHAR(255) NOT NULL,
			path VARCHAR(4096) NOT NULL,
			modified BIGINT NOT NULL,
			PRIMARY KEY (bucket, path)
		)`,
		`CREATE TABLE IF NOT EXISTS ref_file (
			bucket VARCHAR(255) NOT NULL,
			path VARCHAR(4096) NOT NULL,
			hash VARCHAR(255) NOT NULL,
			PRIMARY KEY (bucket, path)
		)`,
	},
	getRefCount: `SELECT refcount FROM refcount WHERE bucket = $1 AND hash = $2`,
	setRefCount: `INSERT INTO refcount (bucket, hash, refcount) VALUES ($1, $2, $3)
		ON CONFLICT (bucket, hash) DO UPDATE SET refcount = EXCLUDED.refcount`,
	getModified: `SELECT modified FROM modified WHERE bucket = $1 AND path = $2`,
	setModified: `INSERT INTO modified (bucket, path, modified) VALUES ($1, $2, $3)
		ON CONFLICT (bucket, path) DO UPDATE SET modified = EXCLUDED.modified`,
	deleteModified: `DELETE FROM modified WHERE bucket = $1 AND path = $2`,
	getRefFile:     `SELECT hash FROM ref_file WHERE bucket = $1 AND path = $2`,
	setRefFile: `INSERT INTO ref_file (bucket, path, hash) VALUES ($1, $2, $3)
		ON CONFLICT (bucket, path) DO UPDATE SET hash = EXCLUDED.hash`,
	deleteRefFile: `DELETE FROM ref_file WHERE bucket = $1 AND path = $2`,
	listRefFiles:  `SELECT path, hash FROM ref_file WHERE bucket = $1`,
	listRefCounts: `SELECT hash, refcount FROM refcount WHERE bucket = $1`,
}

// Postgres is the networked relational backend. Connections come from a pool
// of at most poolSize; requests beyond that wait for a connection.
type Postgres struct {
	sqlBackend
}

// OpenPostgres connects to PostgreSQL using a lib/pq connection string.
func OpenPostgres(ctx context.Context, connStr string, poolSize int) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if poolSize < 1 {
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &Postgres{sqlBackend: sqlBackend{db: db, d: postgresDialect}}, nil
}
