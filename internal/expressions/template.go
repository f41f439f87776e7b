package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ResolveTemplate replaces every {{path}} placeholder in template with the
// value found at that path in data. Paths use dot notation with optional
// [n] index access, e.g. {{user.email}} or {{items[0].sku}}. Placeholders
// whose path does not resolve are left verbatim. Strings without
// placeholders are returned unchanged.
func ResolveTemplate(template string, data map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Unclosed marker, keep the rest as-is.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		val, ok := LookupPath(data, path)
		if !ok {
			result.WriteString(template[i+idx : end+2])
		} else {
			result.WriteString(stringify(val))
		}
		i = end + 2
	}

	return result.String()
}

// ResolveParameters recursively resolves templates in value. Strings that
// consist of exactly one placeholder resolve to the typed value at that
// path; other strings go through ResolveTemplate. Maps and slices are
// walked; non-string scalars pass through unchanged.
func ResolveParameters(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		if path, ok := wholePlaceholder(v); ok {
			if resolved, found := LookupPath(data, path); found {
				return resolved
			}
			return v
		}
		return ResolveTemplate(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ResolveParameters(item, data)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ResolveParameters(item, data)
		}
		return out
	default:
		return value
	}
}

// LookupPath navigates data along a dot-delimited path with optional [n]
// index segments. The second return is false when any segment is absent.
func LookupPath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	// Direct key lookup first, supporting keys that contain dots.
	if val, ok := data[path]; ok {
		return val, true
	}

	var current any = data
	for _, seg := range strings.Split(path, ".") {
		key, indexes, err := splitIndexes(seg)
		if err != nil {
			return nil, false
		}
		if key != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = obj[key]
			if !ok {
				return nil, false
			}
		}
		for _, n := range indexes {
			list, ok := current.([]any)
			if !ok || n < 0 || n >= len(list) {
				return nil, false
			}
			current = list[n]
		}
	}
	return current, true
}

// wholePlaceholder reports whether s is exactly one {{path}} token and
// returns the inner path.
func wholePlaceholder(s string) (string, bool) {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// splitIndexes splits a path segment like "items[0][1]" into its key and
// index list.
func splitIndexes(seg string) (string, []int, error) {
	open := strings.IndexByte(seg, '[')
	if open == -1 {
		return seg, nil, nil
	}

	key := seg[:open]
	rest := seg[open:]
	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("malformed index in segment %q", seg)
		}
		close := strings.IndexByte(rest, ']')
		if close == -1 {
			return "", nil, fmt.Errorf("unclosed index in segment %q", seg)
		}
		n, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, fmt.Errorf("non-numeric index in segment %q", seg)
		}
		indexes = append(indexes, n)
		rest = rest[close+1:]
	}
	return key, indexes, nil
}

// stringify converts a resolved value into its in-template representation.
// Strings embed as-is; everything else uses its JSON form.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
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
