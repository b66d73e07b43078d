package lineage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgsect/fitm/internal/statedir"
)

// ErrLineageExists is returned when a state already carries a pointer.
var ErrLineageExists = errors.New("lineage already recorded")

// Pointer references the input, and the checkpoint it was fed to, that
// produced a state.
type Pointer struct {
	InputPath string
	StateDir  string
}

// Record stores the lineage of stateDir. The input is copied next to the
// pointer because the minimizer may delete the original later.
func Record(stateDir, inputPath, parentState string) error {
	absInput, err := filepath.Abs(inputPath)
	if err != nil {
		return fmt.Errorf("record lineage: %w", err)
	}
	absParent := ""
	if parentState != "" {
		if absParent, err = filepath.Abs(parentState); err != nil {
			return fmt.Errorf("record lineage: %w", err)
		}
	}

	data, err := os.ReadFile(absInput)
	if err != nil {
		return fmt.Errorf("record lineage: read input: %w", err)
	}

	pointerPath := filepath.Join(stateDir, statedir.PrevInputPath)
	f, err := os.OpenFile(pointerPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("record lineage %s: %w", stateDir, ErrLineageExists)
	}
	if err != nil {
		return fmt.Errorf("record lineage: %w", err)
	}
	_, werr := f.WriteString(absInput)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("record lineage: write pointer: %w", werr)
	}

	if err := os.WriteFile(filepath.Join(stateDir, statedir.PrevInput), data, 0o644); err != nil {
		return fmt.Errorf("record lineage: copy input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, statedir.PrevState), []byte(absParent), 0o644); err != nil {
		return fmt.Errorf("record lineage: write parent: %w", err)
	}
	return nil
}

// Read returns the pointer of stateDir. ok is false when the state is a root.
func Read(stateDir string) (ptr Pointer, ok bool, err error) {
	raw, err := os.ReadFile(filepath.Join(stateDir, statedir.PrevInputPath))
	if errors.Is(err, fs.ErrNotExist) {
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, fmt.Errorf("read lineage: %w", err)
	}
	ptr.InputPath = strings.TrimSpace(string(raw))
	if ptr.InputPath == "" {
		return Pointer{}, false, fmt.Errorf("read lineage %s: empty pointer", stateDir)
	}

	parent, err := os.ReadFile(filepath.Join(stateDir, statedir.PrevState))
	switch {
	case err == nil:
		ptr.StateDir = strings.TrimSpace(string(parent))
	case !errors.Is(err, fs.ErrNotExist):
		return Pointer{}, false, fmt.Errorf("read lineage: %w", err)
	}
	if ptr.StateDir == "" {
		ptr.StateDir = statedir.AncestorOf(ptr.InputPath)
	}
	return ptr, true, nil
}
