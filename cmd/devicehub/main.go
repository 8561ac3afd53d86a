// Package main is the operator CLI: schema migration, workflow definitions,
// device listing and task housekeeping.
package main

import (
	"context"
	"os"

	"github.com/dukex/devicehub/pkg/cmd"
	"github.com/dukex/devicehub/pkg/log"
	cli "github.com/urfave/cli/v3"
)

// NewApp builds the root command so it can be run from tests.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:                  "devicehub",
		Usage:                 "Operate a device hub deployment",
		EnableShellCompletion: true,
		Flags:                 cmd.ConfigFlags(),
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), command.String("log-format"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewMigrateCommand(),
			NewWorkflowCommand(),
			NewExecutionCommand(),
			NewDevicesCommand(),
			NewTasksCommand(),
		},
	}
}

func main() {
	err := NewApp().Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("devicehub").Error("Command failed", "error", err)
		os.Exit(1)
	}
}
