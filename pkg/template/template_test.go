package template

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{
		"name":  "agent",
		"count": 3,
		"ok":    true,
	}

	result, err := Render("{{ .name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "agent", result)

	result, err = Render("{{ .ok }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// numbers always decode as float64
	result, err = Render("{{ .count }}", data)
	require.NoError(t, err)
	assert.Equal(t, 3.0, result)
}

func TestRender_JSONOutput(t *testing.T) {
	data := map[string]any{"files": []any{"a.txt", "b.txt"}}

	result, err := Render(`{{ json .files }}`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a.txt", "b.txt"}, result)
}

func TestRender_Errors(t *testing.T) {
	_, err := Render("{{ .missing }}", map[string]any{})
	require.ErrorContains(t, err, "failed to execute template")

	_, err = Render("{{ .name ", map[string]any{})
	require.ErrorContains(t, err, "failed to parse template")
}

func TestNeedsTemplating(t *testing.T) {
	assert.True(t, NeedsTemplating("copy {{ .steps.stop.result.path }}"))
	assert.False(t, NeedsTemplating("sc stop agent"))
}

func TestRenderParams(t *testing.T) {
	data := map[string]any{
		"steps": map[string]any{
			"stop": map[string]any{
				"status": "completed",
				"result": map[string]any{"pid": 4242, "path": `C:\agent`},
			},
		},
		"execution": map[string]any{"id": "exec-1"},
	}

	params := json.RawMessage(`{
		"command": "taskkill /PID {{ .steps.stop.result.pid }}",
		"pid": "{{ .steps.stop.result.pid }}",
		"args": ["{{ .execution.id }}", "plain"],
		"timeout": 30
	}`)

	rendered, err := RenderParams(params, data)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"command": "taskkill /PID 4242",
		"pid": 4242,
		"args": ["exec-1", "plain"],
		"timeout": 30
	}`, string(rendered))
}

func TestRenderParams_Untouched(t *testing.T) {
	params := json.RawMessage(`{"command":"sc stop agent"}`)

	rendered, err := RenderParams(params, nil)
	require.NoError(t, err)
	assert.Equal(t, string(params), string(rendered))

	rendered, err = RenderParams(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, rendered)
}

func TestRenderParams_MissingStep(t *testing.T) {
	params := json.RawMessage(`{"command":"del {{ .steps.backup.result.path }}"}`)

	_, err := RenderParams(params, map[string]any{"steps": map[string]any{}})
	require.ErrorContains(t, err, "command")
}

func TestCheckParams(t *testing.T) {
	require.NoError(t, CheckParams(json.RawMessage(`{"command":"sc stop agent"}`)))
	require.NoError(t, CheckParams(json.RawMessage(`{"action":"kill","pid":"{{ .steps.find.result.pid }}"}`)))
	require.NoError(t, CheckParams(nil))

	err := CheckParams(json.RawMessage(`{"args":["{{ .execution.id "]}`))
	require.ErrorContains(t, err, "failed to parse template")

	assert.True(t, IsTemplated(json.RawMessage(`{"pid":"{{ .steps.find.result.pid }}"}`)))
	assert.False(t, IsTemplated(json.RawMessage(`{"pid":4242}`)))
}
