// Package main runs the device hub worker: agent report intake, heartbeat
// intake, workflow progression and the periodic sweeps.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/devicehub/pkg/cmd"
	"github.com/dukex/devicehub/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "devicehub-worker",
		Usage:                 "Consume device reports and advance tasks and workflows",
		EnableShellCompletion: true,
		Flags: append(cmd.ConfigFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
			}

			logger := log.WithModule("devicehub-worker").With("worker_id", workerID)

			cfg, err := cmd.LoadConfig(command)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Initializing DeviceHub Worker", "event_bus", cfg.EventBus, "report_workers", cfg.ReportWorkers)

			rt, err := cmd.NewRuntime(ctx, logger, "devicehub-worker", cfg)
			if err != nil {
				return err
			}

			defer func() {
				err := rt.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = rt.RunWorker(ctx)
			if err != nil {
				return fmt.Errorf("worker stopped: %w", err)
			}

			logger.InfoContext(ctx, "Worker stopped")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
