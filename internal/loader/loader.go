// Package loader reads graph documents from YAML or JSON files.
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/convo/pkg/schema"
)

// Load reads and decodes a single graph file. The format follows the file
// extension: .yaml and .yml are YAML, everything else is JSON.
func Load(path string) (*schema.Graph, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph file %s not found", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "reading graph file %s", path).WithCause(err)
	}
	return Parse(data, path)
}

// Parse decodes a graph document. path is only used to pick the format and
// to label errors.
func Parse(data []byte, path string) (*schema.Graph, error) {
	if isYAML(path) {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parsing YAML %s", path).WithCause(err)
		}
		data = converted
	}

	var g schema.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decoding graph %s", path).WithCause(err)
	}
	return &g, nil
}

// LoadDir loads every graph file directly inside dir, sorted by graph id.
// Subdirectories and files with other extensions are skipped.
func LoadDir(dir string) ([]*schema.Graph, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graphs directory %s not found", dir)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "reading graphs directory %s", dir).WithCause(err)
	}

	var graphs []*schema.Graph
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !IsGraphFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		g, err := Load(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[g.ID]; ok {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "graph %q defined in both %s and %s", g.ID, prev, path)
		}
		seen[g.ID] = path
		graphs = append(graphs, g)
	}
	sort.Slice(graphs, func(i, j int) bool { return graphs[i].ID < graphs[j].ID })
	return graphs, nil
}

// IsGraphFile reports whether name has a graph document extension.
func IsGraphFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON converts YAML bytes to JSON bytes so a single set of json tags
// drives decoding.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return json.Marshal(normalize(raw))
}

// normalize rewrites map[any]any, which yaml.v3 yields for non-string keys
// such as `1: optionA`, into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
