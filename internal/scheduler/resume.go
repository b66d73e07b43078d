package scheduler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fgsect/fitm/internal/lineage"
	"github.com/fgsect/fitm/internal/statedir"
)

var roles = []statedir.Role{statedir.RoleServer, statedir.RoleClient}

// snapshot captures what Resume needs to continue.
func (s *Scheduler) snapshot() savedState {
	st := savedState{
		Version:     stateFileVersion,
		Phase:       s.state.Phase.String(),
		Generation:  s.state.Gen,
		Round:       s.round,
		Generations: []savedGeneration{},
	}

	keys := make([]int, 0, len(s.gens))
	for g := range s.gens {
		keys = append(keys, g)
	}
	sort.Ints(keys)
	for _, g := range keys {
		sg := savedGeneration{Generation: g, Checkpoints: []string{}, Inputs: []savedInput{}}
		for _, cp := range s.gens[g].Checkpoints {
			sg.Checkpoints = append(sg.Checkpoints, cp.Name())
		}
		for _, in := range s.gens[g].Inputs {
			if in.Path == "" {
				continue
			}
			si := savedInput{Name: in.Name, Path: in.Path}
			if in.Lineage != nil {
				si.Lineage = &savedPointer{InputPath: in.Lineage.InputPath, StateDir: in.Lineage.StateDir}
			}
			sg.Inputs = append(sg.Inputs, si)
		}
		st.Generations = append(st.Generations, sg)
	}

	for _, r := range roles {
		if d := s.traces.list(r); len(d) > 0 {
			if st.Traces == nil {
				st.Traces = make(map[string][]string)
			}
			st.Traces[r.String()] = d
		}
	}
	return st
}

// Resume restores the scheduler from its state file. It reports false when
// no state file is configured or none exists yet. Checkpoints whose
// directories have disappeared are dropped.
func (s *Scheduler) Resume() (bool, error) {
	if s.stateFile == "" {
		return false, nil
	}
	st, ok, err := loadState(s.stateFile)
	if err != nil || !ok {
		return false, err
	}

	gens := make(map[int]*Generation, len(st.Generations))
	for _, sg := range st.Generations {
		gen := &Generation{}
		for _, name := range sg.Checkpoints {
			g, id, ok := statedir.Parse(name)
			if !ok || g != sg.Generation {
				return false, fmt.Errorf("resume: %w: checkpoint %s listed under generation %d", ErrInvalidStateFile, name, sg.Generation)
			}
			dir := filepath.Join(s.statesRoot, name)
			if _, err := os.Stat(dir); err != nil {
				s.logger.Warn("dropping missing checkpoint", "state", name, "error", err)
				continue
			}
			gen.Checkpoints = append(gen.Checkpoints, Checkpoint{Generation: g, ID: id, Dir: dir})
		}
		for _, si := range sg.Inputs {
			in := Input{Name: si.Name, Path: si.Path}
			if si.Lineage != nil {
				in.Lineage = &lineage.Pointer{InputPath: si.Lineage.InputPath, StateDir: si.Lineage.StateDir}
			}
			gen.Inputs = append(gen.Inputs, in)
		}
		gens[sg.Generation] = gen
	}

	traces := newTraceSet()
	for _, r := range roles {
		for _, d := range st.Traces[r.String()] {
			traces.add(r, d)
		}
	}

	s.gens = gens
	s.traces = traces
	s.round = st.Round
	s.state = Running(st.Generation)
	if st.Phase == PhaseRestarting.String() {
		s.state = Running(0)
	}
	s.idMu.Lock()
	s.nextID = make(map[int]int)
	s.idMu.Unlock()

	s.logger.Info("resumed scheduler",
		"path", s.stateFile,
		"round", s.round,
		"state", s.state.String(),
		"generations", len(gens),
	)
	return true, nil
}

// Discover returns the checkpoints found in statesRoot grouped by
// generation, ordered by id.
func Discover(statesRoot string) (map[int][]Checkpoint, error) {
	entries, err := os.ReadDir(statesRoot)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	out := make(map[int][]Checkpoint)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		g, id, ok := statedir.Parse(e.Name())
		if !ok {
			continue
		}
		snap := filepath.Join(statesRoot, e.Name(), statedir.SnapshotDir)
		if _, err := os.Stat(snap); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		out[g] = append(out[g], Checkpoint{Generation: g, ID: id, Dir: filepath.Join(statesRoot, e.Name())})
	}
	for g := range out {
		sort.Slice(out[g], func(i, j int) bool { return out[g][i].ID < out[g][j].ID })
	}
	return out, nil
}

// LoadSeeds reads every regular file of dir as a generation 0 input.
func LoadSeeds(dir string) ([]Input, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load seeds: %w", err)
	}
	var seeds []Input
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("load seeds: %w", err)
		}
		seeds = append(seeds, Input{Name: e.Name(), Path: p})
	}
	return seeds, nil
}
