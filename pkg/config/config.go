// Package config provides configuration loading for the device hub binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dukex/devicehub/pkg/devices"
	"github.com/dukex/devicehub/pkg/tracker"
	"gopkg.in/yaml.v3"
)

const (
	EventBusGoChannel = "gochannel"
	EventBusKafka     = "kafka"

	DeliveryEventBus = "eventbus"
	DeliveryRedis    = "redis"
)

// Config holds the settings shared by the API, the worker and the CLI.
type Config struct {
	DatabaseURL    string        `yaml:"database_url"`
	EventBus       string        `yaml:"event_bus"`
	KafkaBrokers   []string      `yaml:"kafka_brokers"`
	Delivery       string        `yaml:"delivery"`
	RedisURL       string        `yaml:"redis_url"`
	LivenessWindow time.Duration `yaml:"liveness_window"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	TaskRetention  time.Duration `yaml:"task_retention"`
	ReportWorkers  int           `yaml:"report_workers"`
	OTelEnabled    bool          `yaml:"otel_enabled"`
}

func Default() Config {
	return Config{
		DatabaseURL:    "memory://",
		EventBus:       EventBusGoChannel,
		Delivery:       DeliveryEventBus,
		LivenessWindow: devices.DefaultLivenessWindow,
		SweepInterval:  tracker.DefaultSweepInterval,
		TaskRetention:  tracker.DefaultRetention,
		ReportWorkers:  tracker.DefaultReportWorkers,
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	err = decoder.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the provider names and the settings they need.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database_url is required"))
	}

	switch c.EventBus {
	case EventBusGoChannel:
	case EventBusKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka_brokers is required for the kafka event bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus %q", c.EventBus))
	}

	switch c.Delivery {
	case DeliveryEventBus:
	case DeliveryRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis_url is required for redis delivery"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported delivery %q", c.Delivery))
	}

	if c.LivenessWindow <= 0 {
		errs = append(errs, errors.New("liveness_window must be positive"))
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}

	if c.TaskRetention <= 0 {
		errs = append(errs, errors.New("task_retention must be positive"))
	}

	return errors.Join(errs...)
}
