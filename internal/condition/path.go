package condition

import "strings"

// Resolve walks doc along a dot-separated path of map keys and returns the
// value found there. The second result is false when any segment is missing,
// when an intermediate value is nil, or when an intermediate value is not an
// object. An empty path resolves to doc itself. Array indices and wildcards
// are not supported.
func Resolve(doc any, path string) (any, bool) {
	if path == "" {
		return doc, doc != nil
	}
	current := doc
	for _, key := range strings.Split(path, ".") {
		m, ok := asObject(current)
		if !ok {
			return nil, false
		}
		v, exists := m[key]
		if !exists || v == nil {
			return nil, false
		}
		current = v
	}
	return current, true
}

// asObject accepts the two object shapes produced by the JSON and YAML
// decoders.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	}
	return nil, false
}
