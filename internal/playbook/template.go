package playbook

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/connection"
)

// processTemplate renders a Go template against the scope. Strings without
// template markers are returned untouched.
func processTemplate(templateString string, scope map[string]interface{}) (string, error) {
	if !strings.Contains(templateString, "{{") {
		return templateString, nil
	}

	tmpl, err := template.New("inline").
		Option("missingkey=error").
		Funcs(templateFuncs(scope)).
		Parse(templateString)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrTemplateFailed, err)
	}

	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, scope); err != nil {
		if strings.Contains(err.Error(), "map has no entry for key") {
			return "", fmt.Errorf("%w: %v", errors.ErrUndefinedVarRef, err)
		}
		return "", fmt.Errorf("%w: %v", errors.ErrTemplateFailed, err)
	}
	return buffer.String(), nil
}

func templateFuncs(scope map[string]interface{}) template.FuncMap {
	return template.FuncMap{
		// lookup reads a dotted path, returning the optional default when unset
		"lookup": func(path string, def ...interface{}) interface{} {
			if v, ok := lookupVar(scope, path); ok {
				return v
			}
			if len(def) > 0 {
				return def[0]
			}
			return ""
		},
		"default": func(def, v interface{}) interface{} {
			if v == nil || v == "" {
				return def
			}
			return v
		},
		// joinpath joins non-empty search path entries with ':'
		"joinpath": func(parts ...interface{}) string {
			var keep []string
			for _, p := range parts {
				if s := toString(p); s != "" {
					keep = append(keep, s)
				}
			}
			return strings.Join(keep, ":")
		},
		"quote": func(v interface{}) string {
			return connection.ShellQuote(toString(v))
		},
		"bool": truthy,
	}
}

// renderValue renders every string inside v
func renderValue(v interface{}, scope map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return processTemplate(val, scope)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			r, err := renderValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			r, err := renderValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderMap(m map[string]string, scope map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := processTemplate(v, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

// evaluateCondition decides whether a task runs. Templated conditions run
// when they render to true, yes or 1. A bare name is looked up in scope and
// tested for truthiness, optionally negated with a leading "not ".
func evaluateCondition(condition string, scope map[string]interface{}) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	if !strings.Contains(condition, "{{") {
		negate := false
		if strings.HasPrefix(condition, "not ") {
			negate = true
			condition = strings.TrimSpace(strings.TrimPrefix(condition, "not "))
		}
		if b, err := strconv.ParseBool(condition); err == nil {
			return b != negate, nil
		}
		v, ok := lookupVar(scope, condition)
		if !ok {
			return false, fmt.Errorf("%w: %s", errors.ErrUndefinedVarRef, condition)
		}
		return truthy(v) != negate, nil
	}

	result, err := processTemplate(condition, scope)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// truthy interprets a scope value as a boolean
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.TrimSpace(strings.ToLower(val))
		return s == "true" || s == "yes" || s == "1"
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

// lookupVar resolves a dotted path through nested maps
func lookupVar(scope map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = scope
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
