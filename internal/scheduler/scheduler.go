package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fgsect/fitm/internal/lineage"
	"github.com/fgsect/fitm/internal/statedir"
)

// Defaults for New.
const (
	DefaultWorkers  = 1
	DefaultFuzzTime = 60 * time.Second
)

// nopInput stands in for an empty corpus; the fuzzer needs at least one seed.
var nopInput = Input{Name: "nop_input", Data: []byte("nop")}

// Scheduler is the generation state machine.
//
// Step and Run must be called from one goroutine. Cycles of one generation
// run concurrently inside Step.
type Scheduler struct {
	fuzzer     Fuzzer
	minimizer  Minimizer
	replayer   Replayer
	statesRoot string

	workers        int
	fuzzTime       time.Duration
	maxCheckpoints int
	threshold      float64
	stateFile      string
	logger         *slog.Logger
	metrics        *Metrics
	recorder       Recorder
	rng            *rand.Rand

	state  State
	round  int
	gens   map[int]*Generation
	traces *traceSet

	idMu   sync.Mutex
	nextID map[int]int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers bounds the number of concurrent cycles per generation.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithFuzzTime sets the fuzzing budget of one cycle.
func WithFuzzTime(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.fuzzTime = d
		}
	}
}

// WithMaxCheckpoints limits how many checkpoints of a generation are fuzzed
// per pass. Zero fuzzes all of them.
func WithMaxCheckpoints(n int) Option {
	return func(s *Scheduler) {
		s.maxCheckpoints = n
	}
}

// WithSeed seeds the checkpoint sampler.
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithSimilarityThreshold overrides SimilarityThreshold. Values >= 1 keep
// every output.
func WithSimilarityThreshold(t float64) Option {
	return func(s *Scheduler) {
		s.threshold = t
	}
}

// WithStateFile persists the scheduler after every generation.
func WithStateFile(path string) Option {
	return func(s *Scheduler) {
		s.stateFile = path
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithRecorder attaches a generation log.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// New returns a scheduler in state Running(0). New checkpoints are created
// under statesRoot.
func New(statesRoot string, f Fuzzer, m Minimizer, r Replayer, opts ...Option) *Scheduler {
	s := &Scheduler{
		fuzzer:     f,
		minimizer:  m,
		replayer:   r,
		statesRoot: statesRoot,
		workers:    DefaultWorkers,
		fuzzTime:   DefaultFuzzTime,
		threshold:  SimilarityThreshold,
		logger:     slog.Default(),
		state:      Running(0),
		gens:       make(map[int]*Generation),
		traces:     newTraceSet(),
		nextID:     make(map[int]int),
	}
	WithSeed(0)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Scheduler) State() State {
	return s.state
}

// Round returns how many times generation 0 has been entered.
func (s *Scheduler) Round() int {
	return s.round
}

// Generation returns a copy of generation g.
func (s *Scheduler) Generation(g int) Generation {
	gen, ok := s.gens[g]
	if !ok {
		return Generation{}
	}
	return Generation{
		Inputs:      append([]Input(nil), gen.Inputs...),
		Checkpoints: append([]Checkpoint(nil), gen.Checkpoints...),
	}
}

// Seed adds checkpoints and inputs to generation g.
func (s *Scheduler) Seed(g int, checkpoints []Checkpoint, inputs []Input) {
	gen := s.generation(g)
	gen.Checkpoints = append(gen.Checkpoints, checkpoints...)
	gen.Inputs = append(gen.Inputs, inputs...)
}

// generation returns generation g, inserting it on first use.
func (s *Scheduler) generation(g int) *Generation {
	gen, ok := s.gens[g]
	if !ok {
		gen = &Generation{}
		s.gens[g] = gen
	}
	return gen
}

// Run steps until ctx is canceled or a step fails.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "state", s.state.String(), "workers", s.workers)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("scheduler stopping: context cancelled")
			return err
		}
		if _, err := s.Step(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("scheduler stopping: context cancelled")
				return ctx.Err()
			}
			return err
		}
	}
}

// Step processes the current generation and transitions.
func (s *Scheduler) Step(ctx context.Context) (Outcome, error) {
	if s.state.Phase == PhaseRestarting {
		s.state = Running(0)
	}
	g := s.state.Gen
	if g == 0 {
		if len(s.generation(0).Checkpoints) == 0 {
			return Outcome{}, ErrNoCheckpoints
		}
		s.round++
	}
	role := statedir.RoleOf(g)
	cur := s.generation(g)
	cps := s.sample(cur.Checkpoints)
	inputs := append([]Input(nil), cur.Inputs...)

	s.logger.Info("processing generation",
		"round", s.round,
		"generation", g,
		"role", role.String(),
		"checkpoints", len(cps),
		"inputs", len(inputs),
	)
	if s.metrics != nil {
		s.metrics.Generation.Set(float64(g))
	}

	s.primeIDs(g + 2)
	filter := newOutputFilter(s.threshold, s.knownOutputs(g))
	h := &harvest{}

	var eg errgroup.Group
	eg.SetLimit(s.workers)
	for _, cp := range cps {
		eg.Go(func() error {
			if err := s.cycle(ctx, cp, inputs, filter, h); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.fail()
				s.logger.Error("cycle failed", "checkpoint", cp.Name(), "error", err)
				if s.metrics != nil {
					s.metrics.CycleFailures.WithLabelValues(StageOf(err)).Inc()
				}
			}
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	// barrier: merge in a deterministic order
	sort.Slice(h.inputs, func(i, j int) bool { return h.inputs[i].Name < h.inputs[j].Name })
	sort.Slice(h.checkpoints, func(i, j int) bool { return h.checkpoints[i].ID < h.checkpoints[j].ID })

	s.generation(g + 1).Inputs = h.inputs
	own := s.generation(g + 2)
	own.Checkpoints = append(own.Checkpoints, h.checkpoints...)

	out := Outcome{
		Round:       s.round,
		Generation:  g,
		Inputs:      len(h.inputs),
		Checkpoints: make([]string, 0, len(h.checkpoints)),
		Failures:    h.failures,
	}
	for _, cp := range h.checkpoints {
		out.Checkpoints = append(out.Checkpoints, cp.Name())
	}

	if len(h.inputs) == 0 {
		out.Restarted = true
		s.state = Restarting
		out.Transitions = append(out.Transitions, s.state)
		s.logger.Info("generation yielded no inputs, restarting", "generation", g)
		s.state = Running(0)
	} else {
		s.state = Running(g + 1)
	}
	out.Transitions = append(out.Transitions, s.state)
	out.Next = s.state

	if s.metrics != nil {
		s.metrics.Generations.WithLabelValues(role.String()).Inc()
		s.metrics.Inputs.WithLabelValues(statedir.RoleOf(g + 1).String()).Add(float64(out.Inputs))
		s.metrics.Checkpoints.WithLabelValues(role.String()).Add(float64(len(h.checkpoints)))
		if out.Restarted {
			s.metrics.Restarts.Inc()
		}
	}
	if s.stateFile != "" {
		if err := saveState(s.stateFile, s.snapshot()); err != nil {
			s.logger.Warn("could not save scheduler state", "path", s.stateFile, "error", err)
		}
	}
	if s.recorder != nil {
		if err := s.recorder.RecordGeneration(ctx, out); err != nil {
			s.logger.Warn("could not record generation", "generation", g, "error", err)
		}
	}

	s.logger.Info("generation done",
		"generation", g,
		"inputs", out.Inputs,
		"checkpoints", len(out.Checkpoints),
		"failures", out.Failures,
		"next", out.Next.String(),
	)
	return out, nil
}

// harvest aggregates the results of concurrent cycles.
type harvest struct {
	mu          sync.Mutex
	inputs      []Input
	checkpoints []Checkpoint
	failures    int
}

func (h *harvest) addInput(in Input) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs = append(h.inputs, in)
}

func (h *harvest) addCheckpoint(cp Checkpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkpoints = append(h.checkpoints, cp)
}

func (h *harvest) fail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

// cycle fuzzes one checkpoint and replays its minimized queue.
func (s *Scheduler) cycle(ctx context.Context, cp Checkpoint, inputs []Input, filter *outputFilter, h *harvest) error {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()
	}

	corpus, err := s.minimizer.Minimize(ctx, cp, inputs)
	if err != nil {
		return &CycleError{Checkpoint: cp.Name(), Stage: StageMinimizeInputs, Err: err}
	}
	if len(corpus) == 0 {
		s.logger.Debug("no inputs survived minimization, using nop", "checkpoint", cp.Name())
		corpus = []Input{nopInput}
	}

	queue, err := s.fuzzer.Fuzz(ctx, cp, corpus, s.fuzzTime)
	if err != nil && !(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		return &CycleError{Checkpoint: cp.Name(), Stage: StageFuzz, Err: err}
	}
	if len(queue) == 0 {
		return nil
	}

	candidates, err := s.minimizer.Minimize(ctx, cp, queue)
	if err != nil {
		return &CycleError{Checkpoint: cp.Name(), Stage: StageMinimizeQueue, Err: err}
	}
	candidates, err = persistQueue(cp, candidates)
	if err != nil {
		return &CycleError{Checkpoint: cp.Name(), Stage: StagePersistQueue, Err: err}
	}

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.replay(ctx, cp, cand, filter, h)
	}
	return nil
}

// replay feeds one candidate to cp and harvests its output. Failures only
// affect this candidate.
func (s *Scheduler) replay(ctx context.Context, cp Checkpoint, cand Input, filter *outputFilter, h *harvest) {
	target := s.allocate(cp.Generation + 2)
	res, err := s.replayer.Replay(ctx, cp, cand, target)
	if err != nil {
		s.logger.Warn("replay failed", "checkpoint", cp.Name(), "input", cand.Name, "error", err)
		if s.metrics != nil {
			s.metrics.CycleFailures.WithLabelValues(StageReplay).Inc()
		}
		return
	}

	if len(res.Output) > 0 {
		in, err := writeOutput(cp, cand, res.Output)
		if err != nil {
			s.logger.Warn("could not store output", "checkpoint", cp.Name(), "input", cand.Name, "error", err)
		} else {
			h.addInput(in)
		}
	}
	if !res.Captured {
		return
	}

	digest, keep := s.admitCheckpoint(cp, cand, res.Output, filter)
	if !keep {
		s.discard(target)
		return
	}
	if err := lineage.Record(target.Dir, cand.Path, cp.Dir); err != nil {
		s.logger.Warn("could not record lineage", "state", target.Name(), "error", err)
		s.traces.release(cp.Role(), digest)
		s.discard(target)
		return
	}
	h.addCheckpoint(target)
}

// admitCheckpoint decides whether a captured state is kept: its trace must be
// new for the role and its output must not repeat an earlier one.
func (s *Scheduler) admitCheckpoint(cp Checkpoint, cand Input, output []byte, filter *outputFilter) (string, bool) {
	digest, fresh := s.traces.claim(cp.Role(), cand.Trace)
	if !fresh {
		s.logger.Debug("known trace, dropping checkpoint", "checkpoint", cp.Name(), "input", cand.Name)
		return "", false
	}
	if len(output) > 0 && !filter.admit(output) {
		s.logger.Debug("output too similar, dropping checkpoint", "checkpoint", cp.Name(), "input", cand.Name)
		s.traces.release(cp.Role(), digest)
		return "", false
	}
	return digest, true
}

func (s *Scheduler) discard(cp Checkpoint) {
	if err := os.RemoveAll(cp.Dir); err != nil {
		s.logger.Warn("could not remove state", "state", cp.Name(), "error", err)
	}
}

// sample picks at most maxCheckpoints checkpoints, keeping their order.
func (s *Scheduler) sample(cps []Checkpoint) []Checkpoint {
	if s.maxCheckpoints <= 0 || len(cps) <= s.maxCheckpoints {
		return append([]Checkpoint(nil), cps...)
	}
	idx := s.rng.Perm(len(cps))[:s.maxCheckpoints]
	sort.Ints(idx)
	out := make([]Checkpoint, 0, len(idx))
	for _, i := range idx {
		out = append(out, cps[i])
	}
	return out
}

// knownOutputs returns the contents of the inputs of generation g-1: outputs
// this role produced earlier in the conversation.
func (s *Scheduler) knownOutputs(g int) [][]byte {
	if g == 0 {
		return nil
	}
	prev, ok := s.gens[g-1]
	if !ok {
		return nil
	}
	var out [][]byte
	for _, in := range prev.Inputs {
		data, err := in.Bytes()
		if err != nil {
			s.logger.Debug("skipping unreadable input for similarity", "input", in.Name, "error", err)
			continue
		}
		out = append(out, data)
	}
	return out
}

// primeIDs initializes the id counter of gen past its known checkpoints.
func (s *Scheduler) primeIDs(gen int) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if _, ok := s.nextID[gen]; ok {
		return
	}
	next := 0
	if g, ok := s.gens[gen]; ok {
		for _, cp := range g.Checkpoints {
			if cp.ID >= next {
				next = cp.ID + 1
			}
		}
	}
	s.nextID[gen] = next
}

// allocate returns a fresh checkpoint slot of gen whose directory does not
// exist yet.
func (s *Scheduler) allocate(gen int) Checkpoint {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	for {
		id := s.nextID[gen]
		s.nextID[gen] = id + 1
		dir := filepath.Join(s.statesRoot, statedir.Name(gen, id))
		if _, err := os.Lstat(dir); errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{Generation: gen, ID: id, Dir: dir}
		}
	}
}

// persistQueue stores candidates in the queue directory of cp so lineage
// pointers to them resolve back to cp.
func persistQueue(cp Checkpoint, cands []Input) ([]Input, error) {
	dir := statedir.QueueDir(cp.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out := make([]Input, 0, len(cands))
	for _, c := range cands {
		name := c.Name
		if name == "" {
			name = filepath.Base(c.Path)
		}
		if name == "" || name == "." || name == string(filepath.Separator) {
			return nil, fmt.Errorf("candidate without name")
		}
		name = filepath.Base(name)
		target := filepath.Join(dir, name)
		if filepath.Clean(c.Path) != target {
			data, err := c.Bytes()
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return nil, err
			}
			c.Data = data
		}
		c.Name = name
		c.Path = target
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// writeOutput stores what cp sent after receiving cand.
func writeOutput(cp Checkpoint, cand Input, output []byte) (Input, error) {
	dir := filepath.Join(cp.Dir, statedir.OutputsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Input{}, err
	}
	path := filepath.Join(dir, cand.Name)
	if err := os.WriteFile(path, output, 0o644); err != nil {
		return Input{}, err
	}
	return Input{
		Name:    cp.Name() + "_" + cand.Name,
		Path:    path,
		Data:    output,
		Lineage: &lineage.Pointer{InputPath: cand.Path, StateDir: cp.Dir},
	}, nil
}
