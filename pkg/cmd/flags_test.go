package cmd_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/cmd"
	"github.com/dukex/devicehub/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"
)

func loadConfig(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()

	var (
		cfg     config.Config
		loadErr error
	)

	command := &cli.Command{
		Name:  "devicehub-test",
		Flags: cmd.ConfigFlags(),
		Action: func(_ context.Context, command *cli.Command) error {
			cfg, loadErr = cmd.LoadConfig(command)

			return nil
		},
	}

	require.NoError(t, command.Run(context.Background(), append([]string{"devicehub-test"}, args...)))

	return cfg, loadErr
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(t)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: sqlite:///var/lib/devicehub/hub.db
sweep_interval: 1m
report_workers: 4
`), 0o600))

	cfg, err := loadConfig(t, "--config", path, "--report-workers", "12", "--liveness-window", "45s")
	require.NoError(t, err)

	assert.Equal(t, "sqlite:///var/lib/devicehub/hub.db", cfg.DatabaseURL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 12, cfg.ReportWorkers)
	assert.Equal(t, 45*time.Second, cfg.LivenessWindow)
}

func TestLoadConfig_EnvironmentAndValidation(t *testing.T) {
	t.Setenv("EVENT_BUS_TYPE", "kafka")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := loadConfig(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)

	_, err = loadConfig(t, "--delivery", "carrier-pigeon")
	require.ErrorContains(t, err, `unsupported delivery "carrier-pigeon"`)
}
