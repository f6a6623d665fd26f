package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberlab/labd/internal/config"
	"github.com/cyberlab/labd/internal/gc"
	"github.com/cyberlab/labd/internal/metrics"
	"github.com/cyberlab/labd/internal/observability"
	"github.com/cyberlab/labd/internal/provider"
	"github.com/cyberlab/labd/internal/proxmox"
	"github.com/cyberlab/labd/internal/service"
	"github.com/cyberlab/labd/internal/store"
	"github.com/cyberlab/labd/internal/transfer"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "labd",
	Short: "labd - lab provisioning daemon",
	Long: `labd provisions per-student lab environments on a virtualization
backend: it clones VM templates, wires the clones onto isolated networks,
imports uploaded disk images, and garbage-collects expired labs.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "confirm the reset")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(diskUseCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Run the maintenance daemon: the daily garbage-collection schedule
and the Prometheus metrics listener, until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		collector, err := gc.New(env.svc, env.log, env.met, env.cfg.GC)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{
			Addr:    env.cfg.Observability.MetricsAddr,
			Handler: env.met.Handler(),
		}
		go func() {
			env.log.Info("metrics_listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.log.Error("metrics_listener_failed", "error", err)
			}
		}()

		env.log.Info("daemon_started", "backend", env.cfg.Backend, "version", version)
		collector.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		env.log.Info("daemon_stopped")
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one garbage-collection sweep",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		collector, err := gc.New(env.svc, env.log, env.met, env.cfg.GC)
		if err != nil {
			return err
		}
		sum, err := collector.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("swept %d users: %d labs visited, %d VMs deleted, %d failures\n",
			sum.UsersVisited, sum.LabsVisited, sum.VMsDeleted, sum.Failures)
		return nil
	},
}

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Hard-reset the platform",
	Long: `Delete every VM instance, every VM template except the root, every
lab instance and lab template, every non-admin user and every course.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetForce {
			return errors.New("refusing to reset without --force")
		}
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		rep, err := env.svc.HardReset(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("deleted: %d VM instances, %d VM templates, %d lab instances, %d lab templates, %d users, %d courses\n",
			rep.VmInstances, rep.VmTemplates, rep.LabInstances, rep.LabTemplates, rep.Users, rep.Courses)
		for _, f := range rep.Failures {
			fmt.Printf("failed: %s: %v\n", f.ID, f.Err)
		}
		if !rep.Complete() {
			return fmt.Errorf("%d items could not be deleted", len(rep.Failures))
		}
		return nil
	},
}

var diskUseCmd = &cobra.Command{
	Use:   "disk-use",
	Short: "Show image-volume disk usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		pct, err := env.svc.DiskUsage(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("image volume: %d%% used\n", pct)
		return nil
	},
}

// app bundles everything a command needs once config is loaded.
type app struct {
	cfg config.Config
	log *slog.Logger
	met *metrics.Metrics
	svc *service.Service
	st  *store.Store
}

func (a *app) close() {
	if a.st != nil {
		_ = a.st.Close()
	}
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	st, err := store.Open(cfg.Store.Dir, cfg.Store.InMemory)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	prov, err := buildProvider(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	met := metrics.New()
	return &app{
		cfg: cfg,
		log: logger,
		met: met,
		svc: service.New(st, prov, logger, met),
		st:  st,
	}, nil
}

func buildProvider(cfg config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Backend {
	case "fake":
		return provider.NewFake(cfg.Upload.MaxSizeBytes), nil
	case "proxmox":
		ft := transfer.New(cfg.Transfer, logger)
		client := proxmox.New(cfg, ft, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("proxmox ping: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
