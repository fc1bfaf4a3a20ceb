package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/getpup/livingrecord/config"
	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/projection"
	"github.com/getpup/livingrecord/es/projection/runner"
	"github.com/getpup/livingrecord/es/relay"
	"github.com/getpup/livingrecord/es/snapshot"
)

func (a *app) relayCommand() *cobra.Command {
	var snapshots bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward lifecycle events to the graph mirror stream",
		Long: `Relay tails the event log and publishes Created, Updated, Merged, Split,
Deleted and Restored events to a Redis stream. With --snapshots it also snapshots records
whose history grew past the threshold. Tunables in the config file are
reloaded when the file changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			client := relay.NewRedisClient(cfg.Relay.RedisAddr, cfg.Relay.RedisPassword, cfg.Relay.RedisDB)
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connect to redis %s: %w", cfg.Relay.RedisAddr, err)
			}
			rc := relay.DefaultRedisConfig()
			rc.Stream = cfg.Relay.Stream
			rc.DedupTTL = cfg.Relay.DedupTTL
			rc.MaxLen = cfg.Relay.MaxLen
			queue := relay.NewRedisStreamQueue(client, rc)

			base := projection.DefaultProcessorConfig()
			base.Logger = a.logger
			base.BatchSize = cfg.Relay.BatchSize
			base.PollInterval = cfg.Relay.PollInterval
			base.GapWindow = cfg.Relay.GapWindow

			runners, err := runner.Partitioned(a.db, a.backend, a.backend, func(i int) projection.Projection {
				c := relay.DefaultConfig()
				c.Logger = a.logger
				c.EntityTypes = cfg.Service.EntityTypes
				if cfg.Relay.Partitions > 1 {
					c.Name = fmt.Sprintf("%s_p%d", c.Name, i)
				}
				return relay.NewProjection(queue, &c)
			}, cfg.Relay.Partitions, base)
			if err != nil {
				return err
			}

			if snapshots {
				scheduler := snapshot.NewScheduler(ctx, func(ctx context.Context, ref es.EntityRef) error {
					_, err := a.snapshots.MaybeSnapshot(ctx, a.db, ref)
					return err
				}, snapshot.SchedulerConfig{
					Logger:    a.logger,
					Workers:   cfg.Snapshots.Workers,
					QueueSize: cfg.Snapshots.QueueSize,
				})
				defer scheduler.Close()

				single := base
				runners = append(runners, runner.ProjectionRunner{
					Projection: snapshot.NewProjection(scheduler, "snapshotter", cfg.Service.EntityTypes...),
					Processor:  projection.NewProcessor(a.db, a.backend, a.backend, &single),
				})
			}

			if a.loader != nil {
				a.loader.OnChange(a.applyTunables)
				stop, err := a.loader.Watch()
				if err != nil {
					return err
				}
				defer stop()
			}

			if cfg.Relay.MetricsAddr != "" {
				srv := serveMetrics(cfg.Relay.MetricsAddr, a.logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			a.logger.Info(ctx, "relay started",
				"stream", rc.Stream,
				"partitions", cfg.Relay.Partitions,
				"snapshots", snapshots)

			err = runner.New().Run(ctx, runners)
			if errors.Is(err, context.Canceled) {
				a.logger.Info(context.Background(), "relay stopped")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "also run the snapshot scheduler")
	return cmd
}

// applyTunables pushes reloadable settings into the running components.
// Connection settings need a restart.
func (a *app) applyTunables(cfg *config.Config) {
	a.service.SetAutoMergeThreshold(cfg.Service.AutoMergeThreshold)
	a.snapshots.SetThreshold(cfg.Snapshots.Threshold)
	a.snapshots.SetRetain(cfg.Snapshots.Retain)
}

func serveMetrics(addr string, logger es.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
