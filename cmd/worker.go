package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/monitoring"
	"github.com/sells-group/candidate-pipeline/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Advance submitted jobs through polling, structuring and ingestion",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		w := worker.New(env.Pipeline, env.Store, worker.Options{
			TickInterval: time.Duration(cfg.Worker.TickIntervalSecs) * time.Second,
			Concurrency:  cfg.Worker.Concurrency,
			StaleAfter:   time.Duration(cfg.Worker.StalePendingMins) * time.Minute,
		})

		if once, _ := cmd.Flags().GetBool("once"); once {
			stats, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("worker: tick complete",
				zap.Int("listed", stats.Listed),
				zap.Int("started", stats.Started),
				zap.Int64("reaped", stats.Reaped),
			)
			return nil
		}

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}
		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().Bool("once", false, "run a single tick and exit")
	rootCmd.AddCommand(workerCmd)
}
