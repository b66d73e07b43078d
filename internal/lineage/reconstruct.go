package lineage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fgsect/fitm/internal/statedir"
)

// DefaultMaxHops bounds a walk when no limit is configured.
const DefaultMaxHops = 4096

// Delimiter separates fragments in verbose stream output.
const Delimiter = ">>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>NEXT>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>"

// Fragment is one input of a conversation, in conversation order.
type Fragment struct {
	Index     int
	StateDir  string
	InputPath string
	Data      []byte
	Missing   bool
}

// Chain is the ordered list of fragments that leads to Terminal.
type Chain struct {
	Terminal  string
	Fragments []Fragment
}

// Reconstructor walks lineage pointers back to a root.
type Reconstructor struct {
	maxHops int
	logger  *slog.Logger
	graph   *Graph
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithMaxHops sets the hop limit. Values below 1 select DefaultMaxHops.
func WithMaxHops(n int) Option {
	return func(r *Reconstructor) {
		if n > 0 {
			r.maxHops = n
		}
	}
}

// WithLogger sets the logger receiving missing-fragment diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconstructor) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithGraph shares a pointer graph between reconstructors.
func WithGraph(g *Graph) Option {
	return func(r *Reconstructor) {
		if g != nil {
			r.graph = g
		}
	}
}

// NewReconstructor returns a reconstructor reading lineage from disk unless
// WithGraph says otherwise.
func NewReconstructor(opts ...Option) *Reconstructor {
	r := &Reconstructor{
		maxHops: DefaultMaxHops,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.graph == nil {
		r.graph = NewGraph()
	}
	return r
}

// MaxHops returns the configured hop limit.
func (r *Reconstructor) MaxHops() int {
	return r.maxHops
}

// Reconstruct returns the conversation ending at terminal. A terminal without
// a pointer yields an empty chain.
func (r *Reconstructor) Reconstruct(ctx context.Context, terminal string) (*Chain, error) {
	cursor := filepath.Clean(terminal)
	chain := &Chain{Terminal: cursor}

	var rev []Fragment
	seen := make(map[string]struct{})
	for hops := 0; ; hops++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ptr, ok, err := r.graph.Parent(cursor)
		if err != nil {
			return nil, fmt.Errorf("reconstruct %s: %w", terminal, err)
		}
		if !ok {
			break
		}
		if _, dup := seen[cursor]; dup {
			return nil, &CorruptLineageError{Terminal: chain.Terminal, Hops: hops, Limit: r.maxHops, Revisited: cursor}
		}
		seen[cursor] = struct{}{}
		if hops >= r.maxHops {
			return nil, &CorruptLineageError{Terminal: chain.Terminal, Hops: hops + 1, Limit: r.maxHops}
		}

		frag, err := r.load(cursor, ptr)
		if err != nil {
			return nil, fmt.Errorf("reconstruct %s: %w", terminal, err)
		}
		rev = append(rev, frag)
		cursor = statedir.AncestorOf(ptr.InputPath)
	}

	chain.Fragments = make([]Fragment, len(rev))
	for i := range rev {
		f := rev[len(rev)-1-i]
		f.Index = i
		chain.Fragments[i] = f
	}
	return chain, nil
}

// load prefers the copy kept in the state and falls back to the queued file.
func (r *Reconstructor) load(stateDir string, ptr Pointer) (Fragment, error) {
	frag := Fragment{StateDir: stateDir, InputPath: ptr.InputPath}
	for _, p := range []string{filepath.Join(stateDir, statedir.PrevInput), ptr.InputPath} {
		data, err := os.ReadFile(p)
		if err == nil {
			frag.Data = data
			return frag, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Fragment{}, err
		}
	}

	frag.Data = []byte{}
	frag.Missing = true
	r.logger.Warn("missing fragment",
		"state", stateDir,
		"input", ptr.InputPath,
	)
	return frag, nil
}

// Len returns the number of fragments.
func (c *Chain) Len() int {
	return len(c.Fragments)
}

// Bytes returns all fragments concatenated.
func (c *Chain) Bytes() []byte {
	var buf bytes.Buffer
	for _, f := range c.Fragments {
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

// Materialize writes each fragment to outDir under its index (0, 1, 2, ...).
func (c *Chain) Materialize(outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("materialize: %w", err)
	}
	for _, f := range c.Fragments {
		name := filepath.Join(outDir, strconv.Itoa(f.Index))
		if err := os.WriteFile(name, f.Data, 0o644); err != nil {
			return fmt.Errorf("materialize: %w", err)
		}
	}
	return nil
}

// WriteStream writes the raw fragments to w. When diag is non-nil every
// fragment is framed on diag by Delimiter lines, its path and its length.
// Passing the same writer for both interleaves the two.
func (c *Chain) WriteStream(w, diag io.Writer) error {
	for _, f := range c.Fragments {
		if diag != nil {
			status := fmt.Sprintf("DBG: len=%d", len(f.Data))
			if f.Missing {
				status = "DBG: missing"
			}
			if _, err := fmt.Fprintf(diag, "%s\n%s\n%s\n%s\n", Delimiter, f.InputPath, status, Delimiter); err != nil {
				return err
			}
		}
		if _, err := w.Write(f.Data); err != nil {
			return err
		}
		if diag != nil {
			if _, err := io.WriteString(diag, "\n"); err != nil {
				return err
			}
		}
	}
	return nil
}
