package store

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// marshalNames converts a list of state names to canonical JSON TEXT.
// Uses RFC 8785 canonical JSON so identical lists store identical bytes.
func marshalNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("marshal names: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize names: %w", err)
	}
	return string(canonical), nil
}

// unmarshalNames parses JSON TEXT produced by marshalNames.
func unmarshalNames(data string) ([]string, error) {
	names := []string{}
	if data == "" {
		return names, nil
	}
	if err := json.Unmarshal([]byte(data), &names); err != nil {
		return nil, fmt.Errorf("unmarshal names: %w", err)
	}
	return names, nil
}
