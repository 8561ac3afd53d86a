package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dukex/devicehub/pkg/cmd"
	"github.com/dukex/devicehub/pkg/log"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "devicehub-api",
		Usage:                 "Serve the device, task, transfer and workflow API",
		EnableShellCompletion: true,
		Flags: append(cmd.ConfigFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "embedded-worker",
				Usage:   "Also run the worker in this process (required with the gochannel event bus)",
				Sources: cli.EnvVars("EMBEDDED_WORKER"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("api")

			cfg, err := cmd.LoadConfig(command)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Initializing DeviceHub API", "event_bus", cfg.EventBus, "delivery", cfg.Delivery)

			rt, err := cmd.NewRuntime(ctx, logger, "devicehub-api", cfg)
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

			app := NewAPI(logger, rt).App()
			g, gctx := errgroup.WithContext(ctx)

			if command.Bool("embedded-worker") {
				g.Go(func() error {
					return rt.RunWorker(gctx)
				})
			}

			g.Go(func() error {
				return app.Listen(":" + strconv.Itoa(command.Int("port")))
			})

			g.Go(func() error {
				<-gctx.Done()

				logger.InfoContext(ctx, "Shutting down DeviceHub API")

				return app.ShutdownWithContext(context.WithoutCancel(gctx))
			})

			return g.Wait()
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
