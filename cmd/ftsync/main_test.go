package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftsync/ftsync/internal/bucket"
	"github.com/ftsync/ftsync/internal/config"
	"github.com/ftsync/ftsync/testutil"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	content := fmt.Sprintf(`
data_dir: %q
log:
  level: error
buckets:
  - name: photos
    listen: "127.0.0.1:0"
    blobs:
      fs:
        compress: false
  - name: docs
    listen: "127.0.0.1:%d"
`, dir, testutil.FreePort(t))
	return testutil.TempFile(t, dir, "ftsync.yaml", content)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ftsync dev")
	assert.Contains(t, out, "Commit:")
}

func TestConfigRequired(t *testing.T) {
	_, err := execute(t, "fsck")
	assert.ErrorContains(t, err, "--config is required")
}

func TestFsck(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	photos, ok := cfg.Bucket("photos")
	require.True(t, ok)
	rt, err := bucket.Open(context.Background(), *photos, nil)
	require.NoError(t, err)
	res, err := rt.Engine().PutFile(context.Background(), "/a.jpg", []byte("pixels"), "100")
	require.NoError(t, err)
	_, err = rt.Engine().PutFile(context.Background(), "/b.jpg", []byte("pixels"), "100")
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	out, err := execute(t, "fsck", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "photos: 2 files, 1 distinct hashes")
	assert.Contains(t, out, "docs: 0 files, 0 distinct hashes")

	// Lose the shared blob behind the engine's back.
	blobPath := filepath.Join(photos.Blobs.FS.Dir, res.Hash[:2], res.Hash)
	require.NoError(t, os.Remove(blobPath))

	out, err = execute(t, "fsck", "-c", path, "--bucket", "photos")
	assert.ErrorIs(t, err, errInconsistent)
	assert.Contains(t, out, "missing blob "+res.Hash)
	assert.NotContains(t, out, "docs:")
}

func TestFsckUnknownBucket(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "fsck", "-c", writeConfig(t, dir), "-b", "videos")
	assert.ErrorContains(t, err, `bucket "videos" not found`)
}

func TestRunServeAdminAddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = taken.Close() }()

	cfg, err := config.Load(writeConfig(t, t.TempDir()))
	require.NoError(t, err)
	cfg.Metrics.Listen = taken.Addr().String()

	err = runServe(context.Background(), cfg)
	assert.ErrorContains(t, err, "start admin server")
}

func TestServiceCmdHasSubcommands(t *testing.T) {
	out, err := execute(t, "service", "--help")
	require.NoError(t, err)
	for _, sub := range []string{"install", "uninstall", "start", "stop", "restart", "status"} {
		assert.Contains(t, out, sub)
	}
}
