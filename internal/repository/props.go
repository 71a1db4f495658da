package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provenance-pipeline/internal/graph"
)

// Node labels.
const (
	LabelFile   = "File"
	LabelFolder = "Folder"
	LabelAction = "Action"
)

func str(p graph.Props, k string) string {
	s, _ := p[k].(string)
	return s
}

func boolean(p graph.Props, k string) bool {
	b, _ := p[k].(bool)
	return b
}

// timestamp accepts native times (memory, Neo4j) and RFC3339 strings (jsonb).
func timestamp(p graph.Props, k string) time.Time {
	switch v := p[k].(type) {
	case time.Time:
		return v.UTC()
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// encodeMap is the storage form of structured node properties.
func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

func decodeMap(p graph.Props, k string) (map[string]any, error) {
	out := map[string]any{}
	s := str(p, k)
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

var errNoRecord = errors.New("statement returned no record")

func now() time.Time { return time.Now().UTC() }
