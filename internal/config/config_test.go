package config

import (
	"path/filepath"
	"testing"

	"github.com/ftsync/ftsync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
data_dir: "/srv/ftsync"
log:
  level: debug
  json: true
metrics:
  listen: ":9090"
  trace: true
buckets:
  - name: photos
    listen: ":3000"
    max_upload_size: "1MB"
    kvstore:
      type: postgres
      postgres:
        host: db.internal
        user: ftsync
        password: secret
        dbname: ftsync
        pool_size: 20
    blobs:
      type: s3
      s3:
        bucket: ftsync-blobs
        endpoint: "http://localhost:4566"
`
	configPath := testutil.TempFile(t, dir, "ftsync.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/srv/ftsync", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.True(t, cfg.Metrics.Trace)
	assert.Equal(t, 10, cfg.Metrics.TraceBufferMB)
	require.Len(t, cfg.Buckets, 1)

	b := cfg.Buckets[0]
	assert.Equal(t, "photos", b.Name)
	assert.Equal(t, ":3000", b.Listen)
	assert.Equal(t, int64(1000*1000), b.MaxUploadBytes())
	assert.Equal(t, LocksMemory, b.Locks)
	assert.Equal(t, KVStorePostgres, b.KVStore.Type)
	assert.Equal(t, "db.internal", b.KVStore.Postgres.Host)
	assert.Equal(t, 5432, b.KVStore.Postgres.Port)
	assert.Equal(t, "disable", b.KVStore.Postgres.SSLMode)
	assert.Equal(t, 20, b.KVStore.Postgres.PoolSize)
	assert.Equal(t, BlobsS3, b.Blobs.Type)
	assert.Equal(t, "us-east-1", b.Blobs.S3.Region)
	assert.Equal(t, "photos", b.Blobs.S3.Prefix)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
data_dir: /data
buckets:
  - name: docs
    listen: ":3001"
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.Equal(t, 3, cfg.Log.MaxBackups)
	assert.Equal(t, 28, cfg.Log.MaxAgeDays)
	assert.Empty(t, cfg.Metrics.Listen)

	b := cfg.Buckets[0]
	assert.Equal(t, KVStoreSQLite, b.KVStore.Type)
	assert.Equal(t, filepath.Join("/data", "docs.db"), b.KVStore.SQLite.Path)
	assert.Equal(t, 4, b.KVStore.SQLite.PoolSize)
	assert.Equal(t, BlobsFS, b.Blobs.Type)
	assert.Equal(t, filepath.Join("/data", "blobs", "docs"), b.Blobs.FS.Dir)
	assert.True(t, b.Blobs.FS.CompressEnabled())
	assert.Equal(t, int64(256*1000*1000), b.MaxUploadBytes())
}

func TestLoad_CompressDisabled(t *testing.T) {
	cfg, err := Parse([]byte(`
buckets:
  - name: raw
    listen: ":3001"
    blobs:
      fs:
        dir: /tmp/raw
        compress: false
`))
	require.NoError(t, err)
	assert.False(t, cfg.Buckets[0].Blobs.FS.CompressEnabled())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/ftsync.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("buckets: [invalid yaml\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no buckets",
			yaml:    "log: {level: info}\n",
			wantErr: "at least one bucket",
		},
		{
			name: "bad name",
			yaml: `
buckets:
  - name: "Bad Name"
    listen: ":3000"
`,
			wantErr: "name must match",
		},
		{
			name: "missing listen",
			yaml: `
buckets:
  - name: a
`,
			wantErr: "listen address is required",
		},
		{
			name: "duplicate name",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
  - name: a
    listen: ":3001"
`,
			wantErr: "duplicate name",
		},
		{
			name: "duplicate listen",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
  - name: b
    listen: ":3000"
`,
			wantErr: "already used by bucket",
		},
		{
			name: "metrics listen clash",
			yaml: `
metrics:
  listen: ":3000"
buckets:
  - name: a
    listen: ":3000"
`,
			wantErr: "metrics.listen",
		},
		{
			name: "unknown kvstore",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
    kvstore: {type: redis}
`,
			wantErr: "unknown kvstore type",
		},
		{
			name: "unknown blobs",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
    blobs: {type: ftp}
`,
			wantErr: "unknown blobs type",
		},
		{
			name: "unknown locks",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
    locks: redis
`,
			wantErr: "unknown locks type",
		},
		{
			name: "postgres without user",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
    kvstore: {type: postgres, postgres: {dbname: x}}
`,
			wantErr: "kvstore.postgres.user",
		},
		{
			name: "mongodb without uri",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
    kvstore: {type: mongodb}
`,
			wantErr: "kvstore.mongodb.uri",
		},
		{
			name: "s3 without bucket",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
    blobs: {type: s3}
`,
			wantErr: "blobs.s3.bucket",
		},
		{
			name: "bad upload size",
			yaml: `
buckets:
  - name: a
    listen: ":3000"
    max_upload_size: lots
`,
			wantErr: "invalid max_upload_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigBucket(t *testing.T) {
	cfg, err := Parse([]byte(`
buckets:
  - name: a
    listen: ":3000"
  - name: b
    listen: ":3001"
`))
	require.NoError(t, err)

	b, ok := cfg.Bucket("b")
	require.True(t, ok)
	assert.Equal(t, ":3001", b.Listen)

	_, ok = cfg.Bucket("missing")
	assert.False(t, ok)
}

func TestPostgresConnString(t *testing.T) {
	pg := PostgresConfig{Host: "h", Port: 5433, User: "u", Password: "p", DBName: "d", SSLMode: "require"}
	assert.Equal(t, "host=h port=5433 user=u password=p dbname=d sslmode=require", pg.ConnString())
}
