package param

import (
	"fmt"
	"sort"
	"strings"
)

// Hierarchical splits each id on "." and nests the parameters accordingly.
// Parameters nested below another parameter's id (for example a bound of a
// scalar) are dropped, since the enclosing parameter already covers them.
func Hierarchical(flat map[string]Parameter) map[string]any {
	ids := make([]string, 0, len(flat))
	for id := range flat {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	root := make(map[string]any)
	for _, id := range ids {
		if id == "" {
			continue
		}
		parts := strings.Split(id, ".")
		branch := root
		covered := false
		for _, part := range parts[:len(parts)-1] {
			next, ok := branch[part]
			if !ok {
				child := make(map[string]any)
				branch[part] = child
				branch = child
				continue
			}
			child, ok := next.(map[string]any)
			if !ok {
				covered = true
				break
			}
			branch = child
		}
		if covered {
			continue
		}
		leaf := parts[len(parts)-1]
		if _, exists := branch[leaf]; exists {
			continue
		}
		branch[leaf] = flat[id]
	}
	return root
}

// Schema converts a hierarchical parameter map into the sampler wire format.
func Schema(hier map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(hier))
	for key, v := range hier {
		switch node := v.(type) {
		case Parameter:
			s, err := node.Schema()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = s
		case map[string]any:
			s, err := Schema(node)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = s
		default:
			out[key] = node
		}
	}
	return out, nil
}

// Apply pushes a sampled configuration back into the parameters.
func Apply(hier map[string]any, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		target, ok := hier[key]
		if !ok {
			return fmt.Errorf("unknown parameter %q", key)
		}
		switch node := target.(type) {
		case Parameter:
			if err := node.SetCurrent(values[key]); err != nil {
				return err
			}
		case map[string]any:
			nested, ok := values[key].(map[string]any)
			if !ok {
				return fmt.Errorf("parameter group %q expects a mapping, got %T", key, values[key])
			}
			if err := Apply(node, nested); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

// Values reads the current value of every parameter in a hierarchical map.
func Values(hier map[string]any) map[string]any {
	out := make(map[string]any, len(hier))
	for key, v := range hier {
		switch node := v.(type) {
		case Parameter:
			out[key] = node.Current()
		case map[string]any:
			out[key] = Values(node)
		}
	}
	return out
}
