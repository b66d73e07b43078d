package fdtable

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// Image names inside a CRIU snapshot directory.
const (
	FilesImage = "files.img"
	// DefaultFdInfoImage is the descriptor table of the single restored task.
	DefaultFdInfoImage = "fdinfo-2.img"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Output implements CommandRunner.
func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// Decoder turns CRIU images into tables using crit.
type Decoder struct {
	CritPath    string
	FdInfoImage string
	Runner      CommandRunner
}

// NewDecoder returns a Decoder running crit from critPath.
func NewDecoder(critPath string) *Decoder {
	return &Decoder{
		CritPath:    critPath,
		FdInfoImage: DefaultFdInfoImage,
		Runner:      ExecRunner{},
	}
}

// Decode returns the pretty JSON of one image.
func (d *Decoder) Decode(ctx context.Context, image string) ([]byte, error) {
	out, err := d.Runner.Output(ctx, d.CritPath, "decode", "-i", image, "--pretty")
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(image), err)
	}
	return out, nil
}

// LoadFromSnapshot decodes both tables of snapshotDir and recovers the
// descriptor mapping.
func (d *Decoder) LoadFromSnapshot(ctx context.Context, snapshotDir string, opts ...Option) ([]Mapping, error) {
	rawFiles, err := d.Decode(ctx, filepath.Join(snapshotDir, FilesImage))
	if err != nil {
		return nil, err
	}
	fdImage := d.FdInfoImage
	if fdImage == "" {
		fdImage = DefaultFdInfoImage
	}
	rawFds, err := d.Decode(ctx, filepath.Join(snapshotDir, fdImage))
	if err != nil {
		return nil, err
	}

	files, err := ParseFileTable(bytes.NewReader(rawFiles))
	if err != nil {
		return nil, err
	}
	fds, err := ParseDescriptorTable(bytes.NewReader(rawFds))
	if err != nil {
		return nil, err
	}
	mappings, err := Recover(files, fds, opts...)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotDir, err)
	}
	return mappings, nil
}
