package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Template resolves {{path.to.value}} placeholders against a scope map.
// Paths are dot-separated keys; numeric segments index slices. Missing paths
// leave the placeholder text unchanged. Nothing is evaluated beyond lookup.
type Template struct {
	scope map[string]any
}

// NewTemplate creates a resolver over scope.
func NewTemplate(scope map[string]any) *Template {
	return &Template{scope: scope}
}

// Lookup returns the value at path.
func (t *Template) Lookup(path string) (any, bool) {
	return lookupPath(t.scope, path)
}

// Resolve resolves placeholders in s. When s is exactly one placeholder the
// referenced value is returned with its type intact.
func (t *Template) Resolve(s string) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := placeholder.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		if v, ok := t.Lookup(s[m[2]:m[3]]); ok {
			return v
		}
		return s
	}
	return t.ResolveString(s)
}

// ResolveString resolves every placeholder in s to its string form.
func (t *Template) ResolveString(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholder.FindStringSubmatch(match)[1]
		v, ok := t.Lookup(path)
		if !ok || v == nil {
			return match
		}
		return fmt.Sprint(v)
	})
}

// ResolveStrings resolves each element of in.
func (t *Template) ResolveStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = t.ResolveString(s)
	}
	return out
}

// ResolveValue resolves strings nested anywhere inside maps and slices.
func (t *Template) ResolveValue(v any) any {
	switch val := v.(type) {
	case string:
		return t.Resolve(val)
	case map[string]any:
		return t.ResolveMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = t.ResolveValue(item)
		}
		return out
	case []string:
		return t.ResolveStrings(val)
	default:
		return v
	}
}

// ResolveMap returns a copy of m with every value resolved.
func (t *Template) ResolveMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = t.ResolveValue(v)
	}
	return out
}

func lookupPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
