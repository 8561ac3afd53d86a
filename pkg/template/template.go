// Package template renders workflow step parameters against the state of an
// execution, so a step can consume what its predecessors reported.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// NeedsTemplating reports whether s holds a template action.
func NeedsTemplating(s string) bool {
	return strings.Contains(s, "{{")
}

// Render executes templateStr against data. A missing key is an error.
// Output that reads as JSON, a number or a boolean is returned decoded.
func Render(templateStr string, data any) (any, error) {
	result, err := execute(templateStr, data)
	if err != nil {
		return nil, err
	}

	return decode(strings.TrimSpace(result))
}

func parse(templateStr string) (*template.Template, error) {
	tmpl, err := template.
		New("params").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)

				return string(b), err
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

func execute(templateStr string, data any) (string, error) {
	tmpl, err := parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

func decode(result string) (any, error) {
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", result, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// wholeAction reports whether s is exactly one template action, in which
// case the rendered value keeps its decoded type.
func wholeAction(s string) bool {
	s = strings.TrimSpace(s)

	return strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && strings.Count(s, "{{") == 1
}

// RenderParams renders every templated string inside a JSON document.
// A string that is a single action takes the type of its value; any other
// templated string stays a string. Documents without templates are returned
// unchanged.
func RenderParams(params json.RawMessage, data any) (json.RawMessage, error) {
	if len(params) == 0 || !IsTemplated(params) {
		return params, nil
	}

	var doc any

	err := json.Unmarshal(params, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}

	rendered, err := renderValue(doc, data)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rendered params: %w", err)
	}

	return out, nil
}

// IsTemplated reports whether a JSON params document holds any template action.
func IsTemplated(params json.RawMessage) bool {
	return bytes.Contains(params, []byte("{{"))
}

// CheckParams parses every templated string inside a JSON document without
// executing it, so syntax errors surface before any data exists.
func CheckParams(params json.RawMessage) error {
	if !IsTemplated(params) {
		return nil
	}

	var doc any

	err := json.Unmarshal(params, &doc)
	if err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}

	return checkValue(doc)
}

func checkValue(value any) error {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return nil
		}

		_, err := parse(v)

		return err
	case map[string]any:
		for key, item := range v {
			if err := checkValue(item); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	case []any:
		for i, item := range v {
			if err := checkValue(item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	}

	return nil
}

func renderValue(value any, data any) (any, error) {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return v, nil
		}

		if wholeAction(v) {
			return Render(v, data)
		}

		return execute(v, data)
	case map[string]any:
		for key, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			v[key] = rendered
		}

		return v, nil
	case []any:
		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			v[i] = rendered
		}

		return v, nil
	default:
		return v, nil
	}
}
