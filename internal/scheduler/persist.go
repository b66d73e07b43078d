package scheduler

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
)

// StateFileName is the default name of the persisted scheduler state.
const StateFileName = "fitm-state.json"

const stateFileVersion = 1

//go:embed state.schema.json
var stateSchemaJSON []byte

// ErrInvalidStateFile is returned when a persisted state does not match the
// expected schema.
var ErrInvalidStateFile = errors.New("invalid scheduler state file")

type savedPointer struct {
	InputPath string `json:"input_path"`
	StateDir  string `json:"state_dir"`
}

type savedInput struct {
	Name    string        `json:"name"`
	Path    string        `json:"path"`
	Lineage *savedPointer `json:"lineage,omitempty"`
}

type savedGeneration struct {
	Generation  int          `json:"generation"`
	Checkpoints []string     `json:"checkpoints"`
	Inputs      []savedInput `json:"inputs"`
}

type savedState struct {
	Version     int                 `json:"version"`
	Phase       string              `json:"phase"`
	Generation  int                 `json:"generation"`
	Round       int                 `json:"round"`
	Generations []savedGeneration   `json:"generations"`
	Traces      map[string][]string `json:"traces,omitempty"`
}

func compileStateSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(stateSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile state schema: %w", err)
	}
	return schema, nil
}

// saveState writes st as RFC 8785 canonical JSON. The file is replaced
// atomically.
func saveState(path string, st savedState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("save state: canonicalize: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".fitm-state-*")
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(canonical); err != nil {
		tmp.Close()
		return fmt.Errorf("save state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// loadState reads and validates a persisted state. ok is false when the file
// does not exist.
func loadState(path string) (st savedState, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return savedState{}, false, nil
	}
	if err != nil {
		return savedState{}, false, fmt.Errorf("load state: %w", err)
	}

	schema, err := compileStateSchema()
	if err != nil {
		return savedState{}, false, err
	}
	result := schema.ValidateJSON(data)
	if !result.IsValid() {
		return savedState{}, false, fmt.Errorf("load state %s: %w: %v", path, ErrInvalidStateFile, result.Errors)
	}

	if err := json.Unmarshal(data, &st); err != nil {
		return savedState{}, false, fmt.Errorf("load state %s: %w: %v", path, ErrInvalidStateFile, err)
	}
	return st, true, nil
}
