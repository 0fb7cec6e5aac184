package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-trust/pkg/config"
	"github.com/polisai/polis-trust/pkg/telemetry"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply the configuration file and re-apply it whenever it changes",
		Long: `Apply the trust policy from --config, then watch the file and apply every
valid revision. Prometheus metrics are served on --metrics-addr at /metrics.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	cmd.Flags().String("metrics-addr", ":9464", "Address for the /metrics and /healthz endpoints")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	if err != nil {
		return fmt.Errorf("failed to get metrics-addr flag: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := telemetry.SetupMetrics(ctx, telemetry.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = metrics.Shutdown(context.WithoutCancel(ctx)) }()

	rt, err := setupRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	if rt.configPath == "" {
		return errors.New("watch requires --config")
	}

	watcher, err := config.NewWatcher(ctx, rt.configPath, func(ctx context.Context, cfg *config.Config) error {
		err := cfg.Trust.Apply(ctx, rt.manager)
		metrics.RecordConfigReload(err)
		return err
	}, config.WithWatcherLogger(rt.logger))
	if err != nil {
		return err
	}
	defer watcher.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		p := rt.manager.Current()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"policy":   p.Kind.String(),
			"identity": p.Identity(),
			"factory":  rt.manager.Factory().ID(),
			"reloads":  watcher.Reloads(),
		})
	})

	server := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		rt.logger.Info("Serving metrics", "address", metricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	rt.logger.Info("Watching configuration", "path", rt.configPath, "policy", rt.manager.Current().Kind.String())

	select {
	case <-ctx.Done():
		rt.logger.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
