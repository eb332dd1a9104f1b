package store

import (
	"encoding/json"
	"fmt"

	"github.com/pitabwire/triage/model"
)

// Map and condition columns are stored as JSON documents by both SQL backends.

func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return b, nil
}

func decodeMap(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return m, nil
}

// encodeCondition returns nil for an unconditional transition so the column
// is written as NULL.
func encodeCondition(c *model.Condition) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal condition: %w", err)
	}
	return b, nil
}

func decodeCondition(b []byte) (*model.Condition, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var c model.Condition
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshal condition: %w", err)
	}
	return &c, nil
}
