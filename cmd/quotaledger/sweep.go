package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/blob/localfs"
	"github.com/ineyio/quotaledger/meter"
)

func newSweepCmd(open func(context.Context) (*app, error)) *cobra.Command {
	var (
		limit    int
		schedule string
		watch    bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete jobs whose retention period has ended",
		Long: `Delete expired jobs and their stored artifacts.

Without --schedule a single sweep runs and its result is printed. With
--schedule (cron syntax, e.g. "@every 1h" or "0 * * * *") sweeps repeat
until SIGINT or SIGTERM. --watch uses sweep.schedule from the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if limit <= 0 {
				limit = a.cfg.Sweep.Limit
			}
			opts := []quotaledger.SweeperOption{
				quotaledger.WithSweepLogger(a.logger),
				quotaledger.WithSweepMeter(meter.NewLogMeter(a.logger)),
			}
			if a.cfg.Sweep.BlobRoot != "" {
				opts = append(opts, quotaledger.WithBlobStore(localfs.New(a.cfg.Sweep.BlobRoot)))
			}
			sweeper := quotaledger.NewSweeper(a.handle, opts...)

			if schedule == "" && watch {
				schedule = a.cfg.Sweep.Schedule
			}
			if schedule == "" {
				res, err := sweeper.Sweep(cmd.Context(), time.Now(), limit)
				if err != nil {
					return err
				}
				return a.printJSON(res)
			}
			return runScheduled(cmd.Context(), a, sweeper, schedule, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum jobs per sweep (default from config)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule; run until interrupted")
	cmd.Flags().BoolVar(&watch, "watch", false, "repeat on the configured schedule until interrupted")
	return cmd
}

func runScheduled(ctx context.Context, a *app, sweeper *quotaledger.Sweeper, schedule string, limit int) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := sweeper.Sweep(ctx, time.Now(), limit); err != nil {
			a.logger.Error("scheduled sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	a.logger.Info("sweep scheduler started", "schedule", schedule, "limit", limit)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("sweep scheduler stopped")
	return nil
}
