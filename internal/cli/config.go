package cli

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/fgsect/fitm/internal/scheduler"
	"github.com/fgsect/fitm/internal/statedir"
)

//go:embed config.cue
var configSchema string

// FuzzConfig is the YAML run configuration of the fuzz command.
type FuzzConfig struct {
	StatesRoot          string        `yaml:"states_root"`
	AFLDir              string        `yaml:"afl_dir"`
	Criu                string        `yaml:"criu"`
	Crit                string        `yaml:"crit"`
	Seeds               string        `yaml:"seeds"`
	StateFile           string        `yaml:"state_file"`
	Catalog             string        `yaml:"catalog"`
	FuzzTime            time.Duration `yaml:"fuzz_time"`
	ExecTimeout         time.Duration `yaml:"exec_timeout"`
	RestoreTimeout      time.Duration `yaml:"restore_timeout"`
	Workers             int           `yaml:"workers"`
	MaxCheckpoints      int           `yaml:"max_checkpoints"`
	Rounds              int           `yaml:"rounds"`
	Seed                uint64        `yaml:"seed"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	MetricsAddr         string        `yaml:"metrics_addr"`
}

// ConfigError reports a configuration rejected by the schema.
type ConfigError struct {
	Path    string
	Details string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s:\n%s", e.Path, e.Details)
}

// LoadConfig reads, validates and completes the configuration at path.
// Relative paths in the file are resolved against its directory.
func LoadConfig(path string) (*FuzzConfig, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := validateConfig(path, src); err != nil {
		return nil, err
	}

	cfg := &FuzzConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// validateConfig unifies the YAML document with the embedded schema.
func validateConfig(path string, src []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	v := schema.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &ConfigError{Path: path, Details: cueerrors.Details(err, nil)}
	}
	return nil
}

func (c *FuzzConfig) applyDefaults(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.StatesRoot = abs(c.StatesRoot)
	c.AFLDir = abs(c.AFLDir)
	c.Seeds = abs(c.Seeds)
	c.Catalog = abs(c.Catalog)
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.StatesRoot, scheduler.StateFileName)
	}
	c.StateFile = abs(c.StateFile)

	if c.FuzzTime == 0 {
		c.FuzzTime = scheduler.DefaultFuzzTime
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = time.Second
	}
	if c.Workers == 0 {
		c.Workers = scheduler.DefaultWorkers
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = scheduler.SimilarityThreshold
	}
}

// check verifies that the states root exists and is named as such.
func (c *FuzzConfig) check() error {
	info, err := os.Stat(c.StatesRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() || !statedir.LooksLikeStatesRoot(c.StatesRoot) {
		return fmt.Errorf("%s is not a %s directory", c.StatesRoot, statedir.StatesRootName)
	}
	return nil
}
