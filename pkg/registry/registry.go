// Package registry holds the lookup table of task kinds: how each kind's
// parameter payload is decoded, defaulted and validated, and how long a task
// of that kind may stay unfinished.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/go-playground/validator/v10"
)

// DefaultTimeout bounds every kind that does not declare its own timeout.
const DefaultTimeout = 5 * time.Minute

// KindSpec describes one task kind.
type KindSpec struct {
	Kind models.TaskKind

	// New returns a pointer to a params variant with defaults filled in.
	New func() models.Params

	// Timeout derives the task timeout from decoded params. Nil means DefaultTimeout.
	Timeout func(models.Params) time.Duration

	// Cancellable reports whether a pending task may be cancelled outright.
	Cancellable func(models.Params) bool
}

type Registry struct {
	logger   *slog.Logger
	validate *validator.Validate
	mu       sync.RWMutex
	specs    map[models.TaskKind]KindSpec
}

func NewRegistry(logger *slog.Logger) *Registry {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	return &Registry{
		logger:   logger,
		validate: validate,
		specs:    make(map[models.TaskKind]KindSpec),
	}
}

// Register adds or replaces a kind.
func (r *Registry) Register(spec KindSpec) error {
	if spec.Kind == "" || spec.New == nil {
		return errors.New("kind spec requires a kind and a constructor")
	}

	if got := spec.New().Kind(); got != spec.Kind {
		return fmt.Errorf("kind spec %s constructs params of kind %s", spec.Kind, got)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.specs[spec.Kind] = spec

	return nil
}

// Spec returns the registered spec for kind.
func (r *Registry) Spec(kind models.TaskKind) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[kind]

	return spec, ok
}

// Kinds returns the registered kinds in lexical order.
func (r *Registry) Kinds() []models.TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]models.TaskKind, 0, len(r.specs))
	for kind := range r.specs {
		kinds = append(kinds, kind)
	}

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	return kinds
}

// Decode parses raw into the kind's params variant, applying defaults for
// absent fields. Every failure wraps models.ErrInvalidParams.
func (r *Registry) Decode(kind models.TaskKind, raw json.RawMessage) (models.Params, error) {
	spec, ok := r.Spec(kind)
	if !ok {
		return nil, models.NewParamsError(kind, "kind", "is not registered")
	}

	params := spec.New()

	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.DisallowUnknownFields()

		if err := decoder.Decode(params); err != nil {
			return nil, models.NewParamsError(kind, "", err.Error())
		}
	}

	if err := r.validate.Struct(params); err != nil {
		return nil, r.paramsError(kind, err)
	}

	if checker, ok := params.(models.Checker); ok {
		if err := checker.Check(); err != nil {
			return nil, err
		}
	}

	return params, nil
}

// Normalize decodes raw and re-encodes it with defaults applied.
func (r *Registry) Normalize(kind models.TaskKind, raw json.RawMessage) (models.Params, json.RawMessage, error) {
	params, err := r.Decode(kind, raw)
	if err != nil {
		return nil, nil, err
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s params: %w", kind, err)
	}

	return params, encoded, nil
}

// Timeout returns how long a task with these params may remain unfinished.
func (r *Registry) Timeout(params models.Params) time.Duration {
	spec, ok := r.Spec(params.Kind())
	if !ok || spec.Timeout == nil {
		return DefaultTimeout
	}

	if timeout := spec.Timeout(params); timeout > 0 {
		return timeout
	}

	return DefaultTimeout
}

// Cancellable reports whether a pending task with these params may be
// cancelled by the control plane without the device's cooperation.
func (r *Registry) Cancellable(params models.Params) bool {
	spec, ok := r.Spec(params.Kind())
	if !ok || spec.Cancellable == nil {
		return false
	}

	return spec.Cancellable(params)
}

func (r *Registry) paramsError(kind models.TaskKind, err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return models.NewParamsError(kind, "", err.Error())
	}

	fieldErr := validationErrors[0]
	reason := "failed " + fieldErr.Tag()

	if fieldErr.Param() != "" {
		reason += "=" + fieldErr.Param()
	}

	r.logger.Debug("Rejected task params", "kind", kind, "field", fieldErr.Field(), "tag", fieldErr.Tag())

	return models.NewParamsError(kind, fieldErr.Field(), reason)
}
