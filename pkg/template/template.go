// Package template provides templating for dynamic node configuration.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
)

// RenderWithContext renders a template string against the run's execution
// context. Templates see the trigger input, variables, upstream node outputs
// and the process environment.
func RenderWithContext(input string, executionCtx models.ExecutionContext) (any, error) {
	data := map[string]any{
		"input":     executionCtx.Input,
		"variables": executionCtx.Variables,
		"vars":      executionCtx.Variables,
		"nodes":     executionCtx.NodeOutputs,
		"metadata":  executionCtx.Metadata,
		"env":       getEnvVars(),
		"run": map[string]any{
			"id":            executionCtx.RunID,
			"definition_id": executionCtx.DefinitionID,
			"namespace":     executionCtx.Namespace,
		},
	}

	return Render(input, data)
}

// RenderMap renders every string value of a config map, recursing into
// nested maps. Non-string values pass through unchanged.
func RenderMap(config map[string]any, executionCtx models.ExecutionContext) (map[string]any, error) {
	rendered := make(map[string]any, len(config))

	for key, value := range config {
		switch typed := value.(type) {
		case string:
			result, err := RenderWithContext(typed, executionCtx)
			if err != nil {
				return nil, err
			}

			rendered[key] = result
		case map[string]any:
			result, err := RenderMap(typed, executionCtx)
			if err != nil {
				return nil, err
			}

			rendered[key] = result
		default:
			rendered[key] = value
		}
	}

	return rendered, nil
}

func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("render").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}
				num := make([]byte, 1)
				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	// Try to parse as JSON if it looks like JSON
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	// Try to parse as number
	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	// Try to parse as boolean
	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
