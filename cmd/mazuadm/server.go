package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mazuadm/mazuadm/pkg/api"
	"github.com/mazuadm/mazuadm/pkg/config"
	"github.com/mazuadm/mazuadm/pkg/events"
	"github.com/mazuadm/mazuadm/pkg/log"
	"github.com/mazuadm/mazuadm/pkg/pool"
	"github.com/mazuadm/mazuadm/pkg/scheduler"
	"github.com/mazuadm/mazuadm/pkg/settings"
	"github.com/mazuadm/mazuadm/pkg/store"
)

const healthCheckInterval = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the MazuADM control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFlag, _ := cmd.Flags().GetString("config")

		path, err := config.ResolvePath(configFlag)
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("server")

		ctx := context.Background()

		if err := store.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		st, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
		defer st.Close()

		// Reconcile jobs left running by a previous process before the
		// scheduler accepts anything
		if reset, err := st.ResetStaleJobs(ctx); err != nil {
			return fmt.Errorf("stale job reset failed: %w", err)
		} else if reset > 0 {
			logger.Warn().Int64("count", reset).Msg("Reset stale running jobs")
		}

		engine, err := pool.NewDockerEngine(cfg.DockerHost)
		if err != nil {
			return fmt.Errorf("docker unavailable: %w", err)
		}
		defer engine.Close()

		bus := events.NewBus()
		resolver := settings.NewResolver(st)
		containerPool := pool.NewPool(st, engine)
		sched := scheduler.NewScheduler(st, containerPool, bus, resolver)
		server := api.NewServer(st, sched, containerPool, bus, resolver)

		if err := containerPool.EnsureAllContainers(ctx); err != nil {
			logger.Error().Err(err).Msg("Initial container ensure failed")
		}
		containerPool.Start(healthCheckInterval)
		defer containerPool.Stop()
		sched.Start()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Serve(cfg.ListenAddr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		sched.Shutdown(shutdownCtx)
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the TOML config file")
}
