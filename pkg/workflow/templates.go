package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/go-playground/validator/v10"
)

// DefaultHealthCheckSchedule runs health checks at the top of every hour.
const DefaultHealthCheckSchedule = "0 */1 * * *"

// BackupConfig copies a list of paths on one device into a backup folder.
type BackupConfig struct {
	DeviceID    string   `json:"device_id"    validate:"required"`
	BackupType  string   `json:"backup_type"  validate:"oneof=full incremental"`
	BackupPaths []string `json:"backup_paths" validate:"required,min=1,dive,required"`
	Destination string   `json:"destination"  validate:"required"`
	Compress    *bool    `json:"compress"`
	Encrypt     bool     `json:"encrypt"`
}

// BatchCommandConfig runs the same shell commands across several devices.
type BatchCommandConfig struct {
	DeviceIDs      []string `json:"device_ids"      validate:"required,min=1,dive,required"`
	Commands       []string `json:"commands"        validate:"required,min=1,dive,required"`
	Parallel       bool     `json:"parallel"`
	StopOnError    *bool    `json:"stop_on_error"`
	TimeoutSeconds int      `json:"timeout_seconds" validate:"min=1,max=86400"`
}

// HealthCheckConfig benchmarks devices, by default on an hourly schedule.
// Thresholds are percentages kept with the workflow for whoever reads the
// step results.
type HealthCheckConfig struct {
	DeviceIDs  []string           `json:"device_ids"  validate:"required,min=1,dive,required"`
	CheckItems []string           `json:"check_items" validate:"min=1,dive,oneof=cpu memory disk network"`
	Thresholds map[string]float64 `json:"thresholds"  validate:"dive,keys,oneof=cpu memory disk network,endkeys,gt=0,lte=100"`
	Duration   int                `json:"duration"    validate:"min=1,max=600"`
}

// Expand turns a template workflow's config into steps. Custom workflows
// keep their own steps. A template workflow without config is accepted when
// it already carries steps, as when a stored definition is re-applied.
func Expand(workflow *models.Workflow) error {
	return expandWith(newValidator(), workflow)
}

func expandWith(validate *validator.Validate, workflow *models.Workflow) error {
	if workflow.Kind == models.WorkflowKindCustom {
		return nil
	}

	if len(bytes.TrimSpace(workflow.Config)) == 0 {
		if len(workflow.Steps) > 0 {
			return nil
		}

		return definitionError("config", "is required for "+string(workflow.Kind)+" workflows")
	}

	switch workflow.Kind {
	case models.WorkflowKindBackup:
		config := BackupConfig{BackupType: "full"}

		err := decodeConfig(validate, workflow.Config, &config)
		if err != nil {
			return err
		}

		if config.Compress == nil {
			config.Compress = boolPtr(true)
		}

		workflow.Steps = backupSteps(config)
		workflow.FailurePolicy = models.FailurePolicyContinue

		return storeConfig(workflow, config)
	case models.WorkflowKindBatchCommand:
		config := BatchCommandConfig{TimeoutSeconds: 300}

		err := decodeConfig(validate, workflow.Config, &config)
		if err != nil {
			return err
		}

		if config.StopOnError == nil {
			config.StopOnError = boolPtr(true)
		}

		workflow.Steps = batchCommandSteps(config)
		workflow.FailurePolicy = models.FailurePolicyContinue

		if *config.StopOnError {
			workflow.FailurePolicy = models.FailurePolicyHalt
		}

		return storeConfig(workflow, config)
	case models.WorkflowKindHealthCheck:
		config := HealthCheckConfig{
			CheckItems: []string{"cpu", "memory", "disk", "network"},
			Thresholds: map[string]float64{"cpu": 80, "memory": 85, "disk": 90},
			Duration:   30,
		}

		err := decodeConfig(validate, workflow.Config, &config)
		if err != nil {
			return err
		}

		workflow.Steps = healthCheckSteps(config)
		workflow.FailurePolicy = models.FailurePolicyContinue

		if workflow.Schedule == "" {
			workflow.Schedule = DefaultHealthCheckSchedule
		}

		return storeConfig(workflow, config)
	default:
		return definitionError("kind", "has no template: "+string(workflow.Kind))
	}
}

func decodeConfig(validate *validator.Validate, raw json.RawMessage, config any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	err := decoder.Decode(config)
	if err != nil {
		return definitionError("config", err.Error())
	}

	err = validate.Struct(config)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fieldErr := validationErrors[0]

			return definitionError("config."+fieldErr.Field(), "failed "+fieldErr.Tag())
		}

		return definitionError("config", err.Error())
	}

	return nil
}

func storeConfig(workflow *models.Workflow, config any) error {
	encoded, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode %s config: %w", workflow.Kind, err)
	}

	workflow.Config = encoded

	return nil
}

func backupSteps(config BackupConfig) []*models.WorkflowStep {
	steps := make([]*models.WorkflowStep, 0, len(config.BackupPaths))

	for i, path := range config.BackupPaths {
		params := models.FileOperationParams{
			Operation:       "copy",
			SourcePath:      path,
			DestinationPath: joinDevicePath(config.Destination, config.BackupType, baseName(path)),
			Recursive:       true,
			Force:           true,
			CreateDirs:      true,
		}

		steps = append(steps, &models.WorkflowStep{
			ID:   fmt.Sprintf("backup-%d", i+1),
			Name: "Back up " + path,
			Action: models.StepAction{
				DeviceID: config.DeviceID,
				Kind:     models.TaskKindFileOperation,
				Params:   mustMarshal(params),
			},
		})
	}

	return steps
}

func batchCommandSteps(config BatchCommandConfig) []*models.WorkflowStep {
	steps := make([]*models.WorkflowStep, 0, len(config.DeviceIDs)*len(config.Commands))

	for d, deviceID := range config.DeviceIDs {
		previous := ""

		for c, command := range config.Commands {
			step := &models.WorkflowStep{
				ID:   fmt.Sprintf("cmd-%d-%d", d+1, c+1),
				Name: fmt.Sprintf("%s on %s", command, deviceID),
				Action: models.StepAction{
					DeviceID: deviceID,
					Kind:     models.TaskKindShell,
					Params:   mustMarshal(models.ShellParams{Command: command, Timeout: config.TimeoutSeconds}),
				},
			}

			if !config.Parallel && previous != "" {
				step.DependsOn = []string{previous}
			}

			previous = step.ID
			steps = append(steps, step)
		}
	}

	return steps
}

func healthCheckSteps(config HealthCheckConfig) []*models.WorkflowStep {
	steps := make([]*models.WorkflowStep, 0, len(config.DeviceIDs))

	for i, deviceID := range config.DeviceIDs {
		steps = append(steps, &models.WorkflowStep{
			ID:   fmt.Sprintf("health-%d", i+1),
			Name: "Health check " + deviceID,
			Action: models.StepAction{
				DeviceID: deviceID,
				Kind:     models.TaskKindBenchmark,
				Params:   mustMarshal(models.BenchmarkParams{TestTypes: config.CheckItems, Duration: config.Duration}),
			},
		})
	}

	return steps
}

// joinDevicePath joins path elements with the separator dir already uses,
// so Windows destinations keep backslashes.
func joinDevicePath(dir string, elems ...string) string {
	separator := "/"
	if strings.Contains(dir, `\`) {
		separator = `\`
	}

	path := strings.TrimRight(dir, `/\`)

	for _, elem := range elems {
		elem = strings.Trim(elem, `/\`)
		if elem != "" {
			path += separator + elem
		}
	}

	return path
}

func baseName(path string) string {
	path = strings.TrimRight(path, `/\`)

	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}

	return strings.TrimSuffix(path, ":")
}

func mustMarshal(v any) json.RawMessage {
	encoded, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to encode step params: %v", err))
	}

	return encoded
}

func boolPtr(v bool) *bool {
	return &v
}
