package expressions

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/pkg/schema"
)

// Interpolate resolves ${...} references in a node config against the scope.
// The config is decoded, every string value is scanned for references, and
// the result is re-encoded, so the output is always valid JSON.
//
// A string that consists of exactly one reference takes the type of the
// resolved value: `"items": "${state.cart.items}"` yields the array itself.
// References embedded in longer strings are stringified in place:
// `"url": "${env.BASE_URL}/orders/${trigger.order_id}"`.
//
// The literal sequence `$${` escapes to `${` without being resolved.
// Interpolation errors carry ErrCodeValidation: an unresolvable reference is
// deterministic and retrying the node cannot fix it.
func Interpolate(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node config is not valid JSON: %s", err.Error()).
			WithCause(err)
	}

	resolved, err := interpolateValue(doc, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot re-encode interpolated config: %s", err.Error()).
			WithCause(err)
	}
	return out, nil
}

// HasInterpolation reports whether a JSON blob contains any ${...} markers.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${")
}

func interpolateValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := interpolateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := interpolateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return interpolateString(val, scope)
	default:
		return v, nil
	}
}

// interpolateString scans a single string value for ${...} tokens. It
// returns the resolved value directly when the whole string is one token,
// otherwise the concatenation of literals and stringified values.
func interpolateString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))

	tokens := 0
	literalSeen := false
	var firstValue any

	i := 0
	for i < len(s) {
		rel := strings.Index(s[i:], "${")
		if rel == -1 {
			if i < len(s) {
				literalSeen = true
			}
			result.WriteString(s[i:])
			break
		}
		start := i + rel

		// "$${" escapes to a literal "${".
		if start > i && s[start-1] == '$' {
			if start-1 > i {
				literalSeen = true
			}
			result.WriteString(s[i : start-1])
			result.WriteString("${")
			literalSeen = true
			i = start + 2
			continue
		}

		end := strings.IndexByte(s[start+2:], '}')
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unclosed ${ reference in %q", s)
		}
		end += start + 2

		expr := strings.TrimSpace(s[start+2 : end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty ${} reference")
		}
		if strings.Contains(expr, "${") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"nested interpolation not allowed in ${%s}", expr)
		}

		val, err := resolveReference(expr, scope)
		if err != nil {
			return nil, err
		}

		if start > i {
			literalSeen = true
		}
		result.WriteString(s[i:start])
		result.WriteString(stringifyInline(val))

		tokens++
		if tokens == 1 {
			firstValue = val
		}
		i = end + 1
	}

	// A string that is exactly one reference keeps the resolved type.
	if tokens == 1 && !literalSeen {
		return firstValue, nil
	}
	return result.String(), nil
}

// resolveReference resolves a dotted path like "state.order.total" against
// the scope. A bare namespace ("${state}") yields the whole namespace map.
func resolveReference(expr string, scope *Scope) (any, error) {
	name, path, dotted := strings.Cut(expr, ".")

	ns, ok := scope.Namespace(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown namespace %q in ${%s}; available: %s",
			name, expr, strings.Join(scopeNamespaces, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": scopeNamespaces})
	}

	if !dotted {
		return ns, nil
	}
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid reference ${%s}: expected %s.<field>", expr, name).
			WithDetails(map[string]any{"expression": expr})
	}
	return traversePath(ns, path, expr)
}

// traversePath walks a dot-delimited path into nested maps. A full-path key
// lookup is tried first so keys containing dots still resolve.
func traversePath(root map[string]any, path, expr string) (any, error) {
	if val, ok := root[path]; ok {
		return val, nil
	}

	var current any = root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in ${%s} at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into non-object at %q in ${%s} (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}

		val, ok := obj[seg]
		if !ok {
			available := sortedKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"field %q not found in ${%s}; available: [%s]",
				seg, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": available})
		}
		current = val
	}

	return current, nil
}

// stringifyInline renders a resolved value for embedding inside a longer
// string. Strings embed verbatim, everything else as compact JSON.
func stringifyInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
