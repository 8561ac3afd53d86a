package cmd

import (
	"github.com/dukex/devicehub/pkg/config"
	"github.com/dukex/devicehub/pkg/devices"
	"github.com/dukex/devicehub/pkg/tracker"
	cli "github.com/urfave/cli/v3"
)

// ConfigFlags are the settings every binary accepts.
func ConfigFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file; flags and environment variables override it",
			Sources: cli.EnvVars("DEVICEHUB_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL (postgres://, sqlite://, file:// or memory://)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   config.EventBusGoChannel,
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "delivery",
			Usage:   "How tasks reach devices (eventbus, redis)",
			Value:   config.DeliveryEventBus,
			Sources: cli.EnvVars("DELIVERY"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the per-device inboxes",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.DurationFlag{
			Name:    "liveness-window",
			Usage:   "How long a device stays online after its last heartbeat",
			Value:   devices.DefaultLivenessWindow,
			Sources: cli.EnvVars("LIVENESS_WINDOW"),
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "Interval of the task timeout sweep",
			Value:   tracker.DefaultSweepInterval,
			Sources: cli.EnvVars("SWEEP_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "task-retention",
			Usage:   "How long terminal tasks are kept",
			Value:   tracker.DefaultRetention,
			Sources: cli.EnvVars("TASK_RETENTION"),
		},
		&cli.IntFlag{
			Name:    "report-workers",
			Usage:   "Number of agent report workers",
			Value:   tracker.DefaultReportWorkers,
			Sources: cli.EnvVars("REPORT_WORKERS"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// LoadConfig starts from the config file, when one is given, and applies
// every flag that was set explicitly or through the environment.
func LoadConfig(command *cli.Command) (config.Config, error) {
	cfg := config.Default()

	if path := command.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}

		cfg = loaded
	}

	if command.IsSet("database-url") || command.String("config") == "" {
		cfg.DatabaseURL = command.String("database-url")
	}

	if command.IsSet("event-bus") {
		cfg.EventBus = command.String("event-bus")
	}

	if command.IsSet("kafka-brokers") {
		cfg.KafkaBrokers = command.StringSlice("kafka-brokers")
	}

	if command.IsSet("delivery") {
		cfg.Delivery = command.String("delivery")
	}

	if command.IsSet("redis-url") {
		cfg.RedisURL = command.String("redis-url")
	}

	if command.IsSet("liveness-window") {
		cfg.LivenessWindow = command.Duration("liveness-window")
	}

	if command.IsSet("sweep-interval") {
		cfg.SweepInterval = command.Duration("sweep-interval")
	}

	if command.IsSet("task-retention") {
		cfg.TaskRetention = command.Duration("task-retention")
	}

	if command.IsSet("report-workers") {
		cfg.ReportWorkers = command.Int("report-workers")
	}

	if command.IsSet("otel-enabled") {
		cfg.OTelEnabled = command.Bool("otel-enabled")
	}

	return cfg, cfg.Validate()
}
