package bucket

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftsync/ftsync/internal/config"
	"github.com/ftsync/ftsync/internal/locks"
	"github.com/ftsync/ftsync/internal/metrics"
	"github.com/ftsync/ftsync/testutil"
)

func testConfig(t *testing.T, listens ...string) *config.Config {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	for _, l := range listens {
		cfg.Buckets = append(cfg.Buckets, config.BucketConfig{
			Name:    "b-" + uuid.NewString()[:8],
			Listen:  l,
			KVStore: config.KVStoreConfig{Type: config.KVStoreSQLite},
			Blobs:   config.BlobConfig{Type: config.BlobsFS},
		})
	}
	require.NoError(t, cfg.ApplyDefaults())
	return cfg
}

func put(t *testing.T, addr, path, content, modified string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, "http://"+addr+"/ft/files/"+path, bytes.NewReader([]byte(content)))
	require.NoError(t, err)
	req.Header.Set("X-Modified", modified)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRuntime_ServeAndReopen(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0")
	bc := cfg.Buckets[0]

	rt, err := Open(context.Background(), bc, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Listen())
	addr := rt.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx) }()

	resp := put(t, addr, "notes/today.txt", "remember the milk", "1000")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get("http://" + addr + "/ft/files/notes/today.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(getResp.Body)
	_ = getResp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bucket did not stop")
	}

	// State survives a restart.
	rt2, err := Open(context.Background(), bc, nil)
	require.NoError(t, err)
	defer func() { _ = rt2.Close() }()
	f, err := rt2.Engine().GetFile(context.Background(), "/notes/today.txt")
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(f.Content))
	assert.Equal(t, int64(1000), f.Modified)
	assert.Equal(t, bc.Name, rt2.Name())
	assert.NotNil(t, rt2.Handler())
	assert.Nil(t, rt2.Addr())

	assert.NoError(t, rt2.Close())
	assert.NoError(t, rt2.Close())
}

func TestRuntime_OpenFails(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0")
	bc := cfg.Buckets[0]
	bc.KVStore.Type = "redis"

	_, err := Open(context.Background(), bc, nil)
	assert.Error(t, err)
}

func TestRuntime_ListenFails(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = taken.Close() }()

	cfg := testConfig(t, taken.Addr().String())
	rt, err := Open(context.Background(), cfg.Buckets[0], nil)
	require.NoError(t, err)
	err = rt.Run(context.Background())
	assert.Error(t, err)
}

func TestSupervisor_IsolatesFailures(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = taken.Close() }()

	cfg := testConfig(t, "127.0.0.1:0", taken.Addr().String())
	good, bad := cfg.Buckets[0].Name, cfg.Buckets[1].Name
	m := metrics.InitEngineMetrics(nil)

	sup := NewSupervisor(cfg, m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := sup.Status()
		return st[good] == StateUp && st[bad] == StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, sup.Healthy())
	assert.Equal(t, 1.0, testutil.MetricValue(t, m.BucketUp.WithLabelValues(good)))
	assert.Equal(t, 0.0, testutil.MetricValue(t, m.BucketUp.WithLabelValues(bad)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, StateStopped, sup.Status()[good])
}

func TestSupervisor_AllFail(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0")
	cfg.Buckets[0].KVStore.Type = "redis"

	sup := NewSupervisor(cfg, nil)
	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bucket could start")
	assert.Equal(t, StateFailed, sup.Status()[cfg.Buckets[0].Name])
}

func TestSupervisor_NoBuckets(t *testing.T) {
	sup := NewSupervisor(&config.Config{}, nil)
	assert.Error(t, sup.Run(context.Background()))
}

func TestRuntime_ShutdownDrainsWaitingRequests(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0")
	bc := cfg.Buckets[0]

	rt, err := Open(context.Background(), bc, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Listen())
	addr := rt.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx) }()

	// Park a put behind a held path lock.
	held, err := rt.Locks().AcquireExclusive(context.Background(), locks.FileKey(bc.Name, "/slow.txt"))
	require.NoError(t, err)

	status := make(chan int, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPut, "http://"+addr+"/ft/files/slow.txt", bytes.NewReader([]byte("late")))
		if err != nil {
			status <- 0
			return
		}
		req.Header.Set("X-Modified", "10")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			status <- 0
			return
		}
		_ = resp.Body.Close()
		status <- resp.StatusCode
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	held.Release()

	select {
	case code := <-status:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("parked request never finished")
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bucket did not stop")
	}
}
