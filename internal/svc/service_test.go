package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigArguments(t *testing.T) {
	c := &Config{ConfigPath: "/etc/ftsync/ftsync.yaml"}
	assert.Equal(t, []string{"serve", "--config", "/etc/ftsync/ftsync.yaml"}, c.Arguments())

	c.LogLevel = "debug"
	assert.Equal(t, []string{"serve", "--config", "/etc/ftsync/ftsync.yaml", "--log-level", "debug"}, c.Arguments())
}

func TestServiceConfigDefaults(t *testing.T) {
	sc := (&Config{ConfigPath: "x.yaml"}).serviceConfig()
	assert.Equal(t, DefaultName, sc.Name)
	assert.Equal(t, []string{"serve", "--config", "x.yaml"}, sc.Arguments)

	sc = (&Config{Name: "ftsync-photos", ConfigPath: "x.yaml"}).serviceConfig()
	assert.Equal(t, "ftsync-photos", sc.Name)
}

func TestDefaultConfigPath(t *testing.T) {
	assert.Contains(t, DefaultConfigPath(), "ftsync.yaml")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestProgramStartStop(t *testing.T) {
	started := make(chan struct{})
	p := &Program{Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}

	require.NoError(t, p.Start(nil))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run function not started")
	}
	assert.NoError(t, p.Stop(nil))
}

func TestProgramStopReportsFailure(t *testing.T) {
	boom := errors.New("boom")
	p := &Program{Run: func(ctx context.Context) error { return boom }}
	require.NoError(t, p.Start(nil))
	assert.ErrorIs(t, p.Stop(nil), boom)
}

func TestProgramWithoutRun(t *testing.T) {
	p := &Program{}
	assert.Error(t, p.Start(nil))
	assert.NoError(t, p.Stop(nil))
}
