// ftsync is a multi-bucket, last-writer-wins file sync server with
// content-addressed, deduplicated storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ftsync/ftsync/internal/admin"
	"github.com/ftsync/ftsync/internal/bucket"
	"github.com/ftsync/ftsync/internal/config"
	"github.com/ftsync/ftsync/internal/logging"
	"github.com/ftsync/ftsync/internal/metrics"
	"github.com/ftsync/ftsync/internal/svc"
	"github.com/ftsync/ftsync/internal/tracing"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// errInconsistent makes fsck exit non-zero without printing usage.
var errInconsistent = errors.New("inconsistencies found")

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "ftsync",
		Short: "ftsync - deduplicating file sync server",
		Long: `ftsync stores files per bucket with last-writer-wins semantics.
Identical content is stored once and shared by reference count.

  # Run every bucket in the config file:
  ftsync serve --config /etc/ftsync/ftsync.yaml

  # Check reference counts against path mappings:
  ftsync fsck --config /etc/ftsync/ftsync.yaml --bucket photos`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "log level (overrides log.level)")

	rootCmd.AddCommand(newServeCmd(opts), newFsckCmd(opts), newServiceCmd(opts), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "ftsync %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
}

func (o *rootOptions) load() (*config.Config, io.Closer, error) {
	if o.cfgFile == "" {
		return nil, nil, errors.New("--config is required")
	}
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.Setup(cfg.Log, o.logLevel), nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every configured bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			if !svc.Interactive() {
				prg := &svc.Program{Run: func(ctx context.Context) error { return runServe(ctx, cfg) }}
				m, err := svc.New(&svc.Config{ConfigPath: opts.cfgFile}, prg)
				if err != nil {
					return err
				}
				return m.Run()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Int("buckets", len(cfg.Buckets)).
		Msg("starting ftsync")

	m := metrics.InitEngineMetrics(nil)
	sup := bucket.NewSupervisor(cfg, m)

	var tracer *tracing.Recorder
	if cfg.Metrics.Trace {
		size := cfg.Metrics.TraceBufferMB << 20
		t, err := tracing.New(size)
		if err != nil {
			log.Warn().Err(err).Msg("failed to start runtime tracing")
		} else {
			tracer = t
			defer tracer.Stop()
			log.Info().Str("buffer", humanize.IBytes(uint64(size))).Msg("runtime tracing enabled")
		}
	}

	if cfg.Metrics.Listen != "" {
		adminSrv := admin.NewAdminServer(sup, tracer)
		if err := adminSrv.Start(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		defer func() { _ = adminSrv.Stop() }()
	}

	err := sup.Run(ctx)
	log.Info().Msg("shutdown complete")
	return err
}

func newFsckCmd(opts *rootOptions) *cobra.Command {
	var only string
	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Compare stored reference counts with path mappings",
		Long: `fsck recounts how many paths refer to each content hash and reports
hashes whose stored reference count differs, and referenced blobs that are
missing. Run it while the buckets are idle; it takes no locks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			return runFsck(cmd.Context(), cmd.OutOrStdout(), cfg, only)
		},
	}
	cmd.Flags().StringVarP(&only, "bucket", "b", "", "check only this bucket")
	return cmd
}

func runFsck(ctx context.Context, out io.Writer, cfg *config.Config, only string) error {
	buckets := cfg.Buckets
	if only != "" {
		b, ok := cfg.Bucket(only)
		if !ok {
			return fmt.Errorf("bucket %q not found in config", only)
		}
		buckets = []config.BucketConfig{*b}
	}

	clean := true
	for _, b := range buckets {
		ok, err := fsckBucket(ctx, out, b)
		if err != nil {
			return err
		}
		clean = clean && ok
	}
	if !clean {
		return errInconsistent
	}
	return nil
}

func fsckBucket(ctx context.Context, out io.Writer, b config.BucketConfig) (bool, error) {
	rt, err := bucket.Open(ctx, b, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = rt.Close() }()

	report, err := rt.Engine().Verify(ctx)
	if err != nil {
		return false, fmt.Errorf("bucket %s: %w", b.Name, err)
	}

	_, _ = fmt.Fprintf(out, "%s: %d files, %d distinct hashes\n", report.Bucket, report.Files, report.Hashes)
	for _, d := range report.Drift {
		_, _ = fmt.Fprintf(out, "  refcount drift %s: stored=%d actual=%d\n", d.Hash, d.Stored, d.Actual)
	}
	for _, h := range report.MissingBlobs {
		_, _ = fmt.Fprintf(out, "  missing blob %s\n", h)
	}
	for _, h := range report.LeakedBlobs {
		_, _ = fmt.Fprintf(out, "  unreferenced blob %s\n", h)
	}
	if report.OK() {
		_, _ = fmt.Fprintln(out, "  ok")
	}
	return report.OK(), nil
}

func newServiceCmd(opts *rootOptions) *cobra.Command {
	var (
		name  string
		user  string
		force bool
	)

	manager := func() (*svc.Manager, error) {
		path := opts.cfgFile
		if path == "" {
			path = svc.DefaultConfigPath()
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return svc.New(&svc.Config{
			Name:       name,
			ConfigPath: abs,
			UserName:   user,
			LogLevel:   opts.logLevel,
		}, nil)
	}

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage ftsync as a system service",
	}
	cmd.PersistentFlags().StringVar(&name, "name", svc.DefaultName, "service name")

	install := &cobra.Command{
		Use:   "install",
		Short: "Install the service (runs `ftsync serve` at boot)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			m, err := manager()
			if err != nil {
				return err
			}
			if err := m.Install(force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "service %q installed\n", name)
			return nil
		},
	}
	install.Flags().StringVar(&user, "user", "", "user to run the service as (Linux/macOS)")
	install.Flags().BoolVar(&force, "force", false, "reinstall if already installed")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			m, err := manager()
			if err != nil {
				return err
			}
			return m.Uninstall()
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			st, err := m.Status()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service: %s\nStatus:  %s\n", name, st)
			return err
		},
	}

	cmd.AddCommand(install, uninstall, status)
	for _, action := range []string{"start", "stop", "restart"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				m, err := manager()
				if err != nil {
					return err
				}
				return m.Control(action)
			},
		})
	}
	return cmd
}
