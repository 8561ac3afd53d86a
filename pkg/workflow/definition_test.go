package workflow_test

import (
	"context"
	"testing"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/registry"
	"github.com/dukex/devicehub/pkg/testutil"
	"github.com/dukex/devicehub/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releaseDocument = `
name: Nightly release
kind: custom
failure_policy: continue
schedule: "30 2 * * *"
steps:
  - id: fetch
    action:
      device_id: dev-1
      kind: shell
      params:
        command: git pull
  - id: build
    name: Build installer
    depends_on: [fetch]
    max_restarts: 2
    action:
      device_id: dev-1
      kind: shell
      timeout_seconds: 1200
      params:
        command: make installer
        timeout: 1200
`

func TestParseDocument_YAML(t *testing.T) {
	wf, err := workflow.ParseDocument([]byte(releaseDocument))
	require.NoError(t, err)

	assert.Equal(t, "Nightly release", wf.Name)
	assert.Equal(t, models.WorkflowKindCustom, wf.Kind)
	assert.Equal(t, models.FailurePolicyContinue, wf.FailurePolicy)
	assert.Equal(t, "30 2 * * *", wf.Schedule)
	require.Len(t, wf.Steps, 2)

	build := wf.Steps[1]
	assert.Equal(t, []string{"fetch"}, build.DependsOn)
	assert.Equal(t, 2, build.MaxRestarts)
	assert.Equal(t, 1200, build.Action.TimeoutSeconds)
	assert.JSONEq(t, `{"command":"make installer","timeout":1200}`, string(build.Action.Params))

	f := setup(t)

	defined, err := f.engine.Define(context.Background(), wf)
	require.NoError(t, err)

	fetch, ok := defined.Step("fetch")
	require.True(t, ok)
	assert.Equal(t, "fetch", fetch.Name)
	assert.NotNil(t, defined.NextRunAt)
}

func TestParseDocument_JSONTemplate(t *testing.T) {
	wf, err := workflow.ParseDocument([]byte(`{
		"name": "Hourly health",
		"kind": "health-check",
		"config": {"device_ids": ["dev-1"], "check_items": ["cpu", "disk"]}
	}`))
	require.NoError(t, err)

	require.NoError(t, workflow.Expand(wf))
	require.Len(t, wf.Steps, 1)
	assert.JSONEq(t, `{"test_types":["cpu","disk"],"duration":30}`, string(wf.Steps[0].Action.Params))
}

func TestParseDocument_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"malformed", "name: [unterminated"},
		{"missing kind", "name: Something"},
		{"unknown kind", "name: Something\nkind: firmware"},
		{"unknown field", "name: Something\nkind: custom\nowner: ops"},
		{"step without action", "name: Something\nkind: custom\nsteps:\n  - id: a\n"},
		{"bad restarts", "name: Something\nkind: custom\nsteps:\n  - id: a\n    max_restarts: 50\n    action: {device_id: d, kind: shell}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := workflow.ParseDocument([]byte(tt.doc))
			require.ErrorIs(t, err, models.ErrInvalidParams)
		})
	}
}

func TestValidate_NormalizesParams(t *testing.T) {
	wf := testutil.CreateTestWorkflow([]*models.WorkflowStep{
		{
			ID: "shot",
			Action: models.StepAction{
				DeviceID: "dev-1",
				Kind:     models.TaskKindScreenshot,
			},
		},
	})
	wf.FailurePolicy = ""

	require.NoError(t, workflow.Validate(wf, registry.NewDefaultRegistry(testLogger())))

	assert.Equal(t, models.FailurePolicyHalt, wf.FailurePolicy)
	assert.Equal(t, "shot", wf.Steps[0].Name)
	assert.JSONEq(t, `{"monitor_index":0,"quality":85,"format":"png","include_cursor":false}`, string(wf.Steps[0].Action.Params))
}
