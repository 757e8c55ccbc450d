package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// isYAML reports whether path names a YAML document.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// jsonBytes returns data ready for the strict JSON decoder, converting
// from YAML first when the filename says so. Routing both formats through
// one decoder keeps unknown-field rejection identical for each.
func jsonBytes(path string, data []byte) ([]byte, error) {
	if !isYAML(path) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringifyKeys rebuilds the decoded YAML tree with string map keys only,
// which json.Marshal requires.
func stringifyKeys(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range node {
			node[k] = stringifyKeys(val)
		}
		return node
	case []any:
		for i, val := range node {
			node[i] = stringifyKeys(val)
		}
		return node
	default:
		return v
	}
}
