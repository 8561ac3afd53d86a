package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/dukex/devicehub/pkg/dispatcher"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/registry"
	"github.com/dukex/devicehub/pkg/template"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// documentSchema constrains workflow definition documents before they are
// decoded into models.Workflow.
const documentSchema = `{
  "type": "object",
  "required": ["name", "kind"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 3},
    "kind": {"enum": ["backup", "batch-command", "health-check", "custom"]},
    "schedule": {"type": "string"},
    "failure_policy": {"enum": ["halt", "continue"]},
    "config": {"type": "object"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "action"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "order": {"type": "integer", "minimum": 0},
          "max_restarts": {"type": "integer", "minimum": 0, "maximum": 10},
          "action": {
            "type": "object",
            "required": ["device_id", "kind"],
            "additionalProperties": false,
            "properties": {
              "device_id": {"type": "string", "minLength": 1},
              "kind": {"type": "string"},
              "params": {"type": "object"},
              "timeout_seconds": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return validate
}

func definitionError(field, reason string) error {
	return fmt.Errorf("%w: %s %s", models.ErrInvalidParams, field, reason)
}

// ParseDocument decodes a YAML or JSON workflow definition. The document is
// checked against the definition schema; graph and params validation happen
// when the workflow is defined.
func ParseDocument(data []byte) (*models.Workflow, error) {
	var raw any

	err := yaml.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed document: %w", models.ErrInvalidParams, err)
	}

	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", models.ErrInvalidParams)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidParams, err)
	}

	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", models.ErrInvalidParams, strings.Join(reasons, "; "))
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow document: %w", err)
	}

	var workflow models.Workflow

	err = json.Unmarshal(encoded, &workflow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidParams, err)
	}

	return &workflow, nil
}

// Validate checks a workflow definition and normalizes the params of every
// step. Unknown dependencies fail with models.ErrUnknownDependency and
// cycles with a *models.CycleError.
func Validate(workflow *models.Workflow, kinds *registry.Registry) error {
	return validateWith(newValidator(), workflow, kinds)
}

func validateWith(validate *validator.Validate, workflow *models.Workflow, kinds *registry.Registry) error {
	if workflow.FailurePolicy == "" {
		workflow.FailurePolicy = models.FailurePolicyHalt
	}

	for i, step := range workflow.Steps {
		if step == nil {
			return definitionError(fmt.Sprintf("steps[%d]", i), "is empty")
		}

		if step.Name == "" {
			step.Name = step.ID
		}
	}

	err := validate.Struct(workflow)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fieldErr := validationErrors[0]

			return definitionError(strings.TrimPrefix(fieldErr.Namespace(), "Workflow."), "failed "+fieldErr.Tag())
		}

		return definitionError("workflow", err.Error())
	}

	index := make(map[string]*models.WorkflowStep, len(workflow.Steps))

	for _, step := range workflow.Steps {
		if _, exists := index[step.ID]; exists {
			return definitionError("steps", "contain duplicate id "+step.ID)
		}

		index[step.ID] = step
	}

	for _, step := range workflow.Steps {
		for i, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on %s", models.ErrUnknownDependency, step.ID, dep)
			}

			if slices.Contains(step.DependsOn[:i], dep) {
				return definitionError("steps."+step.ID+".depends_on", "lists "+dep+" twice")
			}
		}
	}

	cycle := findCycle(workflow.Steps, index)
	if cycle != nil {
		return &models.CycleError{Path: cycle}
	}

	err = checkOrder(workflow.Steps, index)
	if err != nil {
		return err
	}

	for _, step := range workflow.Steps {
		err = validateAction(step, kinds)
		if err != nil {
			return err
		}
	}

	if workflow.Schedule != "" {
		err = models.ValidateSchedule(workflow.Schedule)
		if err != nil {
			return err
		}
	}

	return nil
}

func validateAction(step *models.WorkflowStep, kinds *registry.Registry) error {
	action := &step.Action

	if action.Kind.IsTransfer() {
		return models.NewParamsError(action.Kind, "steps."+step.ID+".action.kind", "is not supported in workflows")
	}

	if action.TimeoutSeconds < 0 || action.TimeoutSeconds > dispatcher.MaxTimeoutSeconds {
		return models.NewParamsError(action.Kind, "steps."+step.ID+".action.timeout_seconds",
			fmt.Sprintf("must be within 0..%d", dispatcher.MaxTimeoutSeconds))
	}

	// Templated params are only type-checked once rendered at release.
	if template.IsTemplated(action.Params) {
		if _, ok := kinds.Spec(action.Kind); !ok {
			return models.NewParamsError(action.Kind, "kind", "is not registered")
		}

		err := template.CheckParams(action.Params)
		if err != nil {
			return fmt.Errorf("step %s: %w", step.ID, models.NewParamsError(action.Kind, "params", err.Error()))
		}

		return nil
	}

	_, normalized, err := kinds.Normalize(action.Kind, action.Params)
	if err != nil {
		return fmt.Errorf("step %s: %w", step.ID, err)
	}

	action.Params = normalized

	return nil
}

const (
	white = iota
	grey
	black
)

// findCycle runs a three-colour depth-first search over the dependency edges
// and returns the first cycle found, closed on its starting step.
func findCycle(steps []*models.WorkflowStep, index map[string]*models.WorkflowStep) []string {
	colour := make(map[string]int, len(steps))
	stack := make([]string, 0, len(steps))

	var visit func(id string) []string

	visit = func(id string) []string {
		colour[id] = grey
		stack = append(stack, id)

		for _, dep := range index[id].DependsOn {
			switch colour[dep] {
			case grey:
				at := slices.Index(stack, dep)
				cycle := slices.Clone(stack[at:])

				return append(cycle, dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colour[id] = black

		return nil
	}

	for _, step := range steps {
		if colour[step.ID] == white {
			if cycle := visit(step.ID); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

// hasOrder reports whether the caller numbered the steps.
func hasOrder(steps []*models.WorkflowStep) bool {
	return slices.ContainsFunc(steps, func(step *models.WorkflowStep) bool { return step.Order != 0 })
}

// checkOrder rejects a caller-supplied order that is not unique or places a
// step before one of its dependencies.
func checkOrder(steps []*models.WorkflowStep, index map[string]*models.WorkflowStep) error {
	if !hasOrder(steps) {
		return nil
	}

	seen := make(map[int]string, len(steps))

	for _, step := range steps {
		if step.Order < 0 {
			return definitionError("steps."+step.ID+".order", "is negative")
		}

		if other, exists := seen[step.Order]; exists {
			return definitionError("steps."+step.ID+".order", fmt.Sprintf("repeats the order of %s", other))
		}

		seen[step.Order] = step.ID

		for _, dep := range step.DependsOn {
			if index[dep].Order >= step.Order {
				return definitionError("steps."+step.ID+".order", "is not after dependency "+dep)
			}
		}
	}

	return nil
}

// stepOrder keeps a caller-supplied order and otherwise numbers the steps
// topologically.
func stepOrder(steps []*models.WorkflowStep) map[string]int {
	order := make(map[string]int, len(steps))

	if hasOrder(steps) {
		for _, step := range steps {
			order[step.ID] = step.Order
		}

		return order
	}

	for i, stepID := range topologicalOrder(steps) {
		order[stepID] = i
	}

	return order
}

// topologicalOrder lists step ids so that every step follows its
// dependencies, keeping declaration order among independent steps. The
// graph must be acyclic.
func topologicalOrder(steps []*models.WorkflowStep) []string {
	remaining := make(map[string]int, len(steps))
	successors := make(map[string][]string, len(steps))

	for _, step := range steps {
		remaining[step.ID] = len(step.DependsOn)

		for _, dep := range step.DependsOn {
			successors[dep] = append(successors[dep], step.ID)
		}
	}

	order := make([]string, 0, len(steps))
	placed := make(map[string]bool, len(steps))

	for len(order) < len(steps) {
		progressed := false

		for _, step := range steps {
			if placed[step.ID] || remaining[step.ID] > 0 {
				continue
			}

			placed[step.ID] = true
			order = append(order, step.ID)
			progressed = true

			for _, next := range successors[step.ID] {
				remaining[next]--
			}
		}

		if !progressed {
			break
		}
	}

	return order
}
