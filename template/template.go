// Package template renders agent prompt templates. A render failure is a
// configuration error: it is surfaced immediately and never retried.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/agentloom/agentloom/types"
)

// funcs are the helper functions available inside prompt templates.
var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
	"default": func(def any, val any) any {
		if val == nil || val == "" {
			return def
		}
		return val
	},
}

// Render substitutes template variables using text/template. Missing keys
// are errors: a prompt silently rendered with holes is worse than a failed
// run.
func Render(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("prompt").
		Funcs(funcs).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return "", types.NewErrorf(types.ErrConfiguration,
			"malformed template: %v", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", types.NewErrorf(types.ErrConfiguration,
			"template render failed: %v", err)
	}
	return buf.String(), nil
}

// RenderStrings is Render for a plain string map.
func RenderStrings(text string, data map[string]string) (string, error) {
	ctx := make(map[string]any, len(data))
	for k, v := range data {
		ctx[k] = v
	}
	return Render(text, ctx)
}

// MergeVars layers variable maps left to right; later maps win. Used to
// apply step-level overrides on top of user variables.
func MergeVars(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Describe returns a short single-line description of a template for log
// and error contexts.
func Describe(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > 64 {
		return fmt.Sprintf("%s…", text[:64])
	}
	return text
}
