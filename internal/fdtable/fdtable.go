package fdtable

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// FileTable mirrors the decoded files.img image.
type FileTable struct {
	Magic   string      `json:"magic"`
	Entries []FileEntry `json:"entries"`
}

// FileEntry is one open file. Reg is set for regular files only.
type FileEntry struct {
	ID   uint32   `json:"id"`
	Type string   `json:"type"`
	Reg  *RegFile `json:"reg,omitempty"`
}

// RegFile carries the absolute path of a regular file.
type RegFile struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// DescriptorTable mirrors the decoded fdinfo image of one process.
type DescriptorTable struct {
	Magic   string            `json:"magic"`
	Entries []DescriptorEntry `json:"entries"`
}

// DescriptorEntry binds a descriptor number to a file id.
type DescriptorEntry struct {
	ID   uint32 `json:"id"`
	FD   int    `json:"fd"`
	Type string `json:"type,omitempty"`
}

// Mapping is one descriptor that must be re-attached on restore.
type Mapping struct {
	FD   int
	Path string
}

// PathFilter selects which regular files need their descriptor recovered.
type PathFilter func(path string) bool

// DescriptorPaths is the default filter: files opened below an fd/ directory.
func DescriptorPaths(path string) bool {
	return strings.Contains(path, "/fd/")
}

type options struct {
	filter PathFilter
}

// Option configures Recover.
type Option func(*options)

// WithPathFilter replaces the descriptor-bearing path convention.
func WithPathFilter(f PathFilter) Option {
	return func(o *options) {
		o.filter = f
	}
}

// Recover cross-references the file table and the descriptor table.
//
// The result holds one mapping per descriptor bound to a selected file,
// sorted by descriptor number. Every descriptor number appears exactly once.
func Recover(files *FileTable, fds *DescriptorTable, opts ...Option) ([]Mapping, error) {
	o := options{filter: DescriptorPaths}
	for _, opt := range opts {
		opt(&o)
	}
	if files == nil || fds == nil {
		return nil, fmt.Errorf("recover descriptors: missing table")
	}

	byFile := make(map[uint32][]int, len(fds.Entries))
	for _, e := range fds.Entries {
		byFile[e.ID] = append(byFile[e.ID], e.FD)
	}

	seen := make(map[int]string)
	var mappings []Mapping
	for _, f := range files.Entries {
		if f.Reg == nil || !o.filter(f.Reg.Name) {
			continue
		}
		descriptors, ok := byFile[f.ID]
		if !ok {
			return nil, &CrossReferenceError{FileID: f.ID, Path: f.Reg.Name}
		}
		for _, fd := range descriptors {
			if prev, dup := seen[fd]; dup {
				return nil, &DuplicateDescriptorError{FD: fd, First: prev, Second: f.Reg.Name}
			}
			seen[fd] = f.Reg.Name
			mappings = append(mappings, Mapping{FD: fd, Path: f.Reg.Name})
		}
	}

	sort.Slice(mappings, func(i, j int) bool { return mappings[i].FD < mappings[j].FD })
	return mappings, nil
}

// ParseFileTable decodes crit's pretty JSON for files.img.
func ParseFileTable(r io.Reader) (*FileTable, error) {
	var t FileTable
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("parse file table: %w", err)
	}
	return &t, nil
}

// ParseDescriptorTable decodes crit's pretty JSON for an fdinfo image.
func ParseDescriptorTable(r io.Reader) (*DescriptorTable, error) {
	var t DescriptorTable
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("parse descriptor table: %w", err)
	}
	return &t, nil
}
