package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/fgsect/fitm/internal/statedir"
)

// SimilarityThreshold is the Jaro similarity above which an output counts as
// a near-duplicate of one already harvested.
const SimilarityThreshold = 0.98

// outputs longer than this are only compared when their lengths match
const maxFuzzyLen = 512

var jaro = metrics.NewJaro()

// similarity returns the Jaro similarity of two outputs. Outputs whose
// lengths differ by more than a factor of two are dissimilar.
func similarity(a, b []byte) float64 {
	la, lb := len(a), len(b)
	if la > 2*lb || lb > 2*la || (la > maxFuzzyLen && la != lb) {
		return 0
	}
	if la == 0 && lb == 0 {
		return 1
	}
	return strutil.Similarity(bytesAsRunes(a), bytesAsRunes(b), jaro)
}

// bytesAsRunes maps every byte to its own rune so invalid UTF-8 compares
// byte by byte.
func bytesAsRunes(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

// outputFilter admits outputs that are not near-duplicates of anything
// admitted before. Safe for concurrent use.
type outputFilter struct {
	mu        sync.Mutex
	threshold float64
	seen      [][]byte
}

func newOutputFilter(threshold float64, known [][]byte) *outputFilter {
	return &outputFilter{threshold: threshold, seen: known}
}

// admit records out and reports true unless it is too similar to a known
// output. A threshold >= 1 disables the filter.
func (f *outputFilter) admit(out []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threshold < 1 {
		for _, s := range f.seen {
			if similarity(s, out) > f.threshold {
				return false
			}
		}
	}
	f.seen = append(f.seen, out)
	return true
}

// traceSet remembers coverage traces of captured checkpoints per role.
type traceSet struct {
	mu     sync.Mutex
	digest map[statedir.Role]map[string]struct{}
}

func newTraceSet() *traceSet {
	return &traceSet{digest: make(map[statedir.Role]map[string]struct{})}
}

func traceDigest(trace []byte) string {
	sum := sha256.Sum256(trace)
	return hex.EncodeToString(sum[:])
}

// claim reserves trace for role and reports false if it was already taken.
// Empty traces are never deduplicated.
func (t *traceSet) claim(role statedir.Role, trace []byte) (string, bool) {
	if len(trace) == 0 {
		return "", true
	}
	d := traceDigest(trace)
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.digest[role]
	if set == nil {
		set = make(map[string]struct{})
		t.digest[role] = set
	}
	if _, ok := set[d]; ok {
		return d, false
	}
	set[d] = struct{}{}
	return d, true
}

// release undoes a claim whose checkpoint was not kept.
func (t *traceSet) release(role statedir.Role, digest string) {
	if digest == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.digest[role], digest)
}

func (t *traceSet) add(role statedir.Role, digest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.digest[role]
	if set == nil {
		set = make(map[string]struct{})
		t.digest[role] = set
	}
	set[digest] = struct{}{}
}

// list returns the digests of role in sorted order.
func (t *traceSet) list(role statedir.Role) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.digest[role]))
	for d := range t.digest[role] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
