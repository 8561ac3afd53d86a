package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dukex/devicehub/pkg/cmd"
	"github.com/dukex/devicehub/pkg/log"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// withRuntime wires the control plane for one command and closes it after.
func withRuntime(ctx context.Context, command *cli.Command, fn func(ctx context.Context, rt *cmd.Runtime) error) error {
	cfg, err := cmd.LoadConfig(command)
	if err != nil {
		return err
	}

	rt, err := cmd.NewRuntime(ctx, log.WithModule("devicehub"), "devicehub-cli", cfg)
	if err != nil {
		return err
	}

	return errors.Join(fn(ctx, rt), rt.Close(ctx))
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}

func requireArg(command *cli.Command, name string) (string, error) {
	value := command.Args().First()
	if value == "" {
		return "", fmt.Errorf("missing %s argument", name)
	}

	return value, nil
}

func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations to the configured database",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := cmd.LoadConfig(command)
			if err != nil {
				return err
			}

			logger := log.WithModule("migrate")

			store, err := cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)
			if err != nil {
				return err
			}

			err = store.HealthCheck(ctx)
			if err != nil {
				return errors.Join(fmt.Errorf("database is not healthy: %w", err), store.Close(ctx))
			}

			logger.InfoContext(ctx, "Schema is up to date")

			return store.Close(ctx)
		},
	}
}

func NewWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:  "workflow",
		Usage: "Define, inspect and trigger workflows",
		Commands: []*cli.Command{
			{
				Name:  "apply",
				Usage: "Define a workflow from a YAML or JSON document",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Workflow document, - for stdin",
						Required: true,
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					data, err := readDocument(command.String("file"), command.Root().Reader)
					if err != nil {
						return err
					}

					wf, err := workflow.ParseDocument(data)
					if err != nil {
						return err
					}

					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						defined, err := rt.Engine.Define(ctx, wf)
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, defined)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List workflow definitions",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						workflows, err := rt.Engine.List(ctx)
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, workflows)
					})
				},
			},
			{
				Name:      "trigger",
				Usage:     "Start an execution of a workflow",
				ArgsUsage: "<workflow-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "workflow id")
					if err != nil {
						return err
					}

					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						execution, err := rt.Engine.Trigger(ctx, id, "cli")
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, execution)
					})
				},
			},
			{
				Name:      "executions",
				Usage:     "List executions of a workflow",
				ArgsUsage: "<workflow-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "workflow id")
					if err != nil {
						return err
					}

					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						executions, err := rt.Engine.Executions(ctx, id)
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, executions)
					})
				},
			},
		},
	}
}

func readDocument(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow document: %w", err)
	}

	return data, nil
}

func NewExecutionCommand() *cli.Command {
	return &cli.Command{
		Name:  "execution",
		Usage: "Inspect and cancel workflow executions",
		Commands: []*cli.Command{
			{
				Name:      "get",
				ArgsUsage: "<execution-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "execution id")
					if err != nil {
						return err
					}

					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						execution, err := rt.Engine.GetExecution(ctx, id)
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, execution)
					})
				},
			},
			{
				Name:      "cancel",
				ArgsUsage: "<execution-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "Reason recorded on skipped steps"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "execution id")
					if err != nil {
						return err
					}

					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						execution, err := rt.Engine.Cancel(ctx, id, command.String("reason"))
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, execution)
					})
				},
			},
		},
	}
}

func NewDevicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Inspect registered devices",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List devices with their derived status",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Only devices with this status (online, offline)"},
					&cli.BoolFlag{Name: "active-only", Usage: "Skip deactivated devices"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						list, err := rt.Devices.List(ctx, persistence.ListDevicesOptions{
							Status:     models.DeviceStatus(command.String("status")),
							ActiveOnly: command.Bool("active-only"),
						})
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, list)
					})
				},
			},
		},
	}
}

func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Task housekeeping",
		Commands: []*cli.Command{
			{
				Name:  "sweep",
				Usage: "Time out every task past its deadline once",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						count, err := rt.Tracker.Sweep(ctx)
						if err != nil {
							return err
						}

						_, err = fmt.Fprintf(command.Root().Writer, "%d tasks timed out\n", count)

						return err
					})
				},
			},
			{
				Name:  "cleanup",
				Usage: "Delete terminal tasks older than the retention",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
						count, err := rt.Tracker.Cleanup(ctx, rt.Config.TaskRetention)
						if err != nil {
							return err
						}

						_, err = fmt.Fprintf(command.Root().Writer, "%d tasks deleted\n", count)

						return err
					})
				},
			},
		},
	}
}
