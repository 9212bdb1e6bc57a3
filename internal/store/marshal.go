package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/media"
)

// marshalJSON encodes v without HTML escaping, trailing newline removed.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// marshalAttributes stores an attribute map in its tagged form.
func marshalAttributes(m attr.Map) (string, error) {
	if m == nil {
		m = attr.Map{}
	}
	data, err := marshalJSON(m)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return data, nil
}

func unmarshalAttributes(data string) (attr.Map, error) {
	if data == "" || data == "{}" {
		return attr.Map{}, nil
	}
	var m attr.Map
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return m, nil
}

func marshalDefinitions(defs []attr.Definition) (string, error) {
	if defs == nil {
		defs = []attr.Definition{}
	}
	data, err := marshalJSON(defs)
	if err != nil {
		return "", fmt.Errorf("marshal definitions: %w", err)
	}
	return data, nil
}

func unmarshalDefinitions(data string) ([]attr.Definition, error) {
	var defs []attr.Definition
	if err := json.Unmarshal([]byte(data), &defs); err != nil {
		return nil, fmt.Errorf("unmarshal definitions: %w", err)
	}
	return defs, nil
}

func marshalFiles(m media.Manifest) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := marshalJSON(m)
	if err != nil {
		return "", fmt.Errorf("marshal files: %w", err)
	}
	return data, nil
}

func unmarshalFiles(data string) (media.Manifest, error) {
	if data == "" || data == "{}" {
		return media.Manifest{}, nil
	}
	var m media.Manifest
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal files: %w", err)
	}
	return m, nil
}
