package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harborlog/harborlog/pkg/observability"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the agent in the foreground",
	Long: `Runs the sync scheduler, the telemetry flusher, and the
observability HTTP server until interrupted. Shutdown drains the telemetry
queue and persists all state.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ag, err := buildAgent()
	if err != nil {
		return err
	}
	defer ag.store.Close()

	log.Printf("[daemon] starting harborlog v%s (store=%s data=%s)",
		Version, ag.cfg.Store, ag.cfg.DataDir)

	observability.InitMetrics()

	checker := observability.NewHealthChecker(Version)
	checker.RegisterCheck(observability.StorageCheck(func(ctx context.Context) error {
		_, err := ag.store.List(ctx)
		return err
	}))
	checker.RegisterCheck(observability.RemoteServiceCheck(ag.client.Ping))

	var obsServer *observability.Server
	if ag.cfg.MetricsPort > 0 {
		obsServer = observability.NewServer(ag.cfg.MetricsPort, checker)
	}

	scheduler := cron.New()
	if ag.cfg.AutoSync {
		spec := fmt.Sprintf("@every %s", ag.cfg.SyncInterval)
		if _, err := scheduler.AddFunc(spec, func() {
			res := ag.syncer.Sync(context.Background(), false)
			for _, e := range res.Errors {
				log.Printf("[daemon] sync: %s", e)
			}
		}); err != nil {
			return fmt.Errorf("schedule sync job: %w", err)
		}
	}

	if ag.cfg.TelemetryEnabled {
		ag.queue.Start()
	}
	scheduler.Start()
	if obsServer != nil {
		go func() {
			log.Printf("[daemon] observability server on :%d", ag.cfg.MetricsPort)
			if err := obsServer.Start(); err != nil {
				log.Printf("[daemon] observability server: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[daemon] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stopCtx := scheduler.Stop()
		select {
		case <-stopCtx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	g.Go(func() error {
		return ag.queue.Close(ctx)
	})
	if obsServer != nil {
		g.Go(func() error {
			return obsServer.Shutdown(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("[daemon] shutdown: %v", err)
	}

	log.Println("[daemon] stopped")
	return nil
}
