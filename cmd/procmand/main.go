// Command procmand is the worker-fleet supervisor daemon: it loads a
// config file, discovers worker manifests, and runs the tick loop until
// signalled to stop. Grounded on cmd/provisr's cobra root-command layout,
// collapsed to the daemon's single long-running mode since procman's
// embeddable surface (start/stop/status/enable/disable) is the library
// API in procman.go, not a per-invocation CLI against a stateless
// process list.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nef/procman"
	"github.com/nef/procman/internal/config"
	"github.com/nef/procman/internal/metrics"
)

func main() {
	var (
		configPath    string
		metricsListen string
	)

	root := &cobra.Command{Use: "procmand"}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/procman/procman.toml", "path to daemon config file")
	root.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus /metrics and /status (e.g. :9090)")

	cmdRun := &cobra.Command{
		Use:   "run",
		Short: "Discover workers and run the supervisor until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, metricsListen)
		},
	}

	cmdValidate := &cobra.Command{
		Use:   "validate",
		Short: "Load the config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config OK: workers_directory=%s store=%s\n", cfg.WorkersDirectory, cfg.Store.DSN)
			return nil
		},
	}

	root.AddCommand(cmdRun, cmdValidate)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, metricsListen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("procmand: load config: %w", err)
	}

	log := slog.Default()

	mgr, err := procman.New(cfg)
	if err != nil {
		return fmt.Errorf("procmand: wire manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Discover(ctx); err != nil {
		return fmt.Errorf("procmand: discover workers: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("procmand: start supervisor: %w", err)
	}
	log.Info("procmand: started", "workers_directory", cfg.WorkersDirectory)

	if metricsListen != "" {
		go serveObservability(metricsListen, mgr, log)
	}

	<-ctx.Done()
	log.Info("procmand: signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx, 0); err != nil {
		return fmt.Errorf("procmand: shutdown: %w", err)
	}
	return nil
}

// serveObservability exposes Prometheus metrics and a plain JSON status
// dump; the REST/CLI admin surface beyond this stays external, so this
// stays a minimal net/http handler rather than a framework-shaped API.
func serveObservability(addr string, mgr *procman.Manager, log *slog.Logger) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("procmand: metrics registration failed", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(mgr.StatusAll())
	})
	mux.HandleFunc("/status/process-metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(mgr.AllProcessMetrics())
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("procmand: observability server failed", "error", err)
	}
}
