package flow

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/triage/model"
)

// Definition is a flow parsed from a YAML file.
type Definition struct {
	Flow       model.Flow
	Checksum   string
	SourceFile string
}

// Loader scans directories for YAML flow definitions.
type Loader struct{}

// NewLoader creates a new Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a flow definition.
func (l *Loader) LoadAll(directories []string) ([]Definition, error) {
	var defs []Definition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile parses a single YAML flow definition. Steps and transitions take
// their creation sequence from their position in the file, and transitions
// without an id are given one derived from the flow id.
func (l *Loader) LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return Definition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	return Definition{
		Flow:       f,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
		SourceFile: path,
	}, nil
}

// Parse decodes a YAML flow document.
func Parse(data []byte) (model.Flow, error) {
	var f model.Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.Flow{}, err
	}
	if f.ID == "" {
		return model.Flow{}, fmt.Errorf("flow id is required")
	}
	if f.Status == "" {
		f.Status = model.FlowStatusDraft
	}
	for i := range f.Steps {
		f.Steps[i].FlowID = f.ID
		f.Steps[i].Seq = int64(i + 1)
		f.Steps[i].Config = normalizeYAML(f.Steps[i].Config)
	}
	for i := range f.Transitions {
		t := &f.Transitions[i]
		t.FlowID = f.ID
		t.Seq = int64(i + 1)
		if t.ID == "" {
			t.ID = fmt.Sprintf("%s-t%d", f.ID, i+1)
		}
		if t.Condition != nil {
			for j := range t.Condition.Rules {
				t.Condition.Rules[j].Value = normalizeYAMLValue(t.Condition.Rules[j].Value)
			}
		}
	}
	return f, nil
}

func normalizeYAML(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

// normalizeYAMLValue converts the map[any]any values that nested YAML
// documents may decode to into map[string]any, so configs and rule values
// have the same shape as JSON payloads.
func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAML(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAMLValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLValue(val)
		}
		return out
	}
	return v
}
