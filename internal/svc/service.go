// Package svc installs and controls ftsync as a system service (systemd,
// launchd or the Windows service manager) and runs `ftsync serve` under it.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// DefaultName is the service name used when none is given.
const DefaultName = "ftsync"

// RunFunc runs the server until ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	Run RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches Run in the background; the service manager requires Start
// not to block.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return errors.New("no run function configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.Run(ctx)
	}()
	return nil
}

// Stop cancels Run and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name       string
	ConfigPath string // Passed to `ftsync serve --config`
	UserName   string // Linux/macOS only
	LogLevel   string // Optional --log-level for the service
}

// DefaultConfigPath returns the platform's conventional config file location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "ftsync", "ftsync.yaml")
	}
	return "/etc/ftsync/ftsync.yaml"
}

// Arguments returns the command line the service manager starts ftsync with.
func (c *Config) Arguments() []string {
	args := []string{"serve", "--config", c.ConfigPath}
	if c.LogLevel != "" {
		args = append(args, "--log-level", c.LogLevel)
	}
	return args
}

func (c *Config) serviceConfig() *service.Config {
	name := c.Name
	if name == "" {
		name = DefaultName
	}
	sc := &service.Config{
		Name:        name,
		DisplayName: "ftsync file sync server",
		Description: "Deduplicating last-writer-wins file sync server",
		Arguments:   c.Arguments(),
	}

	switch runtime.GOOS {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		sc.UserName = c.UserName
	case "darwin":
		sc.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		sc.UserName = c.UserName
	case "windows":
		sc.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return sc
}

// Manager controls one installed service.
type Manager struct {
	cfg *Config
	svc service.Service
}

// New binds a manager to cfg. prg may be nil when only controlling the
// service from the command line.
func New(cfg *Config, prg *Program) (*Manager, error) {
	if prg == nil {
		prg = &Program{}
	}
	s, err := service.New(prg, cfg.serviceConfig())
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return &Manager{cfg: cfg, svc: s}, nil
}

// Install registers the service. An existing installation is replaced only
// when force is set.
func (m *Manager) Install(force bool) error {
	if status, err := m.svc.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", m.svc.String())
		}
		if status == service.StatusRunning {
			if err := m.svc.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := m.svc.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}
	if err := m.svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it runs and removes it.
func (m *Manager) Uninstall() error {
	if status, _ := m.svc.Status(); status == service.StatusRunning {
		if err := m.svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := m.svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of start, stop or restart.
func (m *Manager) Control(action string) error {
	var err error
	switch action {
	case "start":
		err = m.svc.Start()
	case "stop":
		err = m.svc.Stop()
	case "restart":
		err = m.svc.Restart()
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns "running", "stopped" or "unknown".
func (m *Manager) Status() (string, error) {
	status, err := m.svc.Status()
	return StatusString(status), err
}

// Run hands control to the service manager and blocks until it stops us.
func (m *Manager) Run() error {
	return m.svc.Run()
}

// StatusString names a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Interactive reports whether ftsync was started from a terminal rather than
// by a service manager.
func Interactive() bool {
	return service.Interactive()
}

// CheckPrivileges fails on Unix unless running as root.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}
