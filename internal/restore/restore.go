package restore

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/fgsect/fitm/internal/fdtable"
	"github.com/fgsect/fitm/internal/statedir"
)

// Placeholder marks the template line replaced by inherit directives.
const Placeholder = "@@INHERIT_FDS@@"

// SuccessMarker is the line printed once CRIU accepted the restore.
const SuccessMarker = "OK"

// CaptureEnv selects stdio capture over /dev/null at resume time.
const CaptureEnv = "FITM_CAPTURE_STDIO"

// minMarkerFD keeps the marker descriptor clear of the shell's 0-9 range.
const minMarkerFD = 10

//go:embed restore.sh.tmpl
var defaultTemplate string

// Template is a restore invocation with a placeholder line.
type Template struct {
	lines       []string
	placeholder int
}

// ParseTemplate splits src into lines and locates the placeholder, which
// must appear exactly once on a line of its own.
func ParseTemplate(src string) (*Template, error) {
	lines := strings.Split(strings.TrimRight(src, "\n"), "\n")
	idx := -1
	for i, l := range lines {
		if strings.TrimSpace(l) != Placeholder {
			if strings.Contains(l, Placeholder) {
				return nil, fmt.Errorf("parse template: placeholder must be on its own line (line %d)", i+1)
			}
			continue
		}
		if idx >= 0 {
			return nil, fmt.Errorf("parse template: placeholder repeated on line %d", i+1)
		}
		idx = i
	}
	if idx < 0 {
		return nil, fmt.Errorf("parse template: missing %s", Placeholder)
	}
	return &Template{lines: lines, placeholder: idx}, nil
}

// DefaultTemplate returns the embedded criu restore invocation.
func DefaultTemplate() *Template {
	t, err := ParseTemplate(defaultTemplate)
	if err != nil {
		panic(err)
	}
	return t
}

// Rewrite maps one conversation identifier to another. Old is replaced
// wherever it occurs in a path unless a digit continues it, so "c7s2" is
// rewritten inside "fitm-c7s2" but never inside "c7s21".
type Rewrite struct {
	Old string
	New string
}

// Apply rewrites p.
func (r *Rewrite) Apply(p string) string {
	if r == nil || r.Old == "" || r.Old == r.New {
		return p
	}
	var b strings.Builder
	last := 0
	for i := 0; i < len(p); {
		j := strings.Index(p[i:], r.Old)
		if j < 0 {
			break
		}
		start := i + j
		end := start + len(r.Old)
		if digitAt(p, end) || (digitAt(r.Old, 0) && digitAt(p, start-1)) {
			i = start + 1
			continue
		}
		b.WriteString(p[last:start])
		b.WriteString(r.New)
		last, i = end, end
	}
	b.WriteString(p[last:])
	return b.String()
}

func digitAt(s string, i int) bool {
	return i >= 0 && i < len(s) && s[i] >= '0' && s[i] <= '9'
}

// Request describes one resume procedure.
type Request struct {
	Template *Template
	Mappings []fdtable.Mapping
	// StateDir holds the stdout and stderr capture files.
	StateDir string
	// Fresh starts a new conversation instance: capture files are truncated
	// and Rewrite is applied to every mapped path.
	Fresh   bool
	Rewrite *Rewrite
}

// Directive hands descriptor FD, bound to Path, to the restored process.
type Directive struct {
	FD   int
	Path string
}

// Procedure is a rendered-ready resume script.
type Procedure struct {
	// Handles are opened by the shell before CRIU runs.
	Handles []Directive
	// Directives are stdio first, then Handles, in descriptor order.
	Directives []Directive
	StdoutPath string
	StderrPath string
	Fresh      bool
	MarkerFD   int

	template *Template
}

// Build validates req and assembles the procedure.
func Build(req Request) (*Procedure, error) {
	tmpl := req.Template
	if tmpl == nil {
		tmpl = DefaultTemplate()
	}
	if req.StateDir == "" {
		return nil, fmt.Errorf("build restore: state dir is required")
	}

	p := &Procedure{
		StdoutPath: path.Join(req.StateDir, statedir.Stdout),
		StderrPath: path.Join(req.StateDir, statedir.Stderr),
		Fresh:      req.Fresh,
		MarkerFD:   minMarkerFD,
		template:   tmpl,
	}

	mappings := append([]fdtable.Mapping(nil), req.Mappings...)
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].FD < mappings[j].FD })

	seen := make(map[int]bool, len(mappings))
	for _, m := range mappings {
		if m.FD == 1 || m.FD == 2 {
			return nil, fmt.Errorf("build restore: descriptor %d collides with stdio", m.FD)
		}
		if m.FD < 0 {
			return nil, fmt.Errorf("build restore: negative descriptor %d", m.FD)
		}
		if seen[m.FD] {
			return nil, fmt.Errorf("build restore: descriptor %d mapped twice", m.FD)
		}
		seen[m.FD] = true

		target := m.Path
		if req.Fresh {
			target = req.Rewrite.Apply(target)
		}
		p.Handles = append(p.Handles, Directive{FD: m.FD, Path: target})
		if m.FD >= p.MarkerFD {
			p.MarkerFD = m.FD + 1
		}
	}

	p.Directives = append(p.Directives,
		Directive{FD: 1, Path: p.StdoutPath},
		Directive{FD: 2, Path: p.StderrPath},
	)
	p.Directives = append(p.Directives, p.Handles...)
	return p, nil
}

// Render returns the script text.
func (p *Procedure) Render() []byte {
	var b strings.Builder

	kind := "continuation"
	redirect := ">>"
	if p.Fresh {
		kind = "fresh instance"
		redirect = ">"
	}

	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# resume procedure for %s (%s)\n", path.Base(path.Dir(p.StdoutPath)), kind)
	fmt.Fprintf(&b, "exec %d>&1\n", p.MarkerFD)
	fmt.Fprintf(&b, "if [ -n \"${%s}\" ]; then\n", CaptureEnv)
	fmt.Fprintf(&b, "    exec 1%s%s 2%s%s\n", redirect, shellQuote(p.StdoutPath), redirect, shellQuote(p.StderrPath))
	b.WriteString("else\n")
	b.WriteString("    exec 1>/dev/null 2>/dev/null\n")
	b.WriteString("fi\n")

	for _, dir := range handleDirs(p.Handles) {
		fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(dir))
	}
	for _, h := range p.Handles {
		fmt.Fprintf(&b, "exec %d<>%s\n", h.FD, shellQuote(h.Path))
	}

	for i, l := range p.template.lines {
		if i != p.template.placeholder {
			b.WriteString(l)
			b.WriteByte('\n')
			continue
		}
		for _, d := range p.Directives {
			fmt.Fprintf(&b, "    --inherit-fd %s \\\n", shellQuote(fmt.Sprintf("fd[%d]:%s", d.FD, strings.TrimPrefix(d.Path, "/"))))
		}
	}
	fmt.Fprintf(&b, "    && echo '%s' >&%d\n", SuccessMarker, p.MarkerFD)
	return []byte(b.String())
}

// WriteFile renders the procedure to an executable file.
func (p *Procedure) WriteFile(name string) error {
	if err := os.WriteFile(name, p.Render(), 0o755); err != nil {
		return fmt.Errorf("write restore script: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(name, 0o755); err != nil {
		return fmt.Errorf("chmod restore script: %w", err)
	}
	return nil
}

func handleDirs(handles []Directive) []string {
	set := make(map[string]bool)
	var dirs []string
	for _, h := range handles {
		d := path.Dir(h.Path)
		if d == "." || d == "/" || set[d] {
			continue
		}
		set[d] = true
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
