package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fgsect/fitm/internal/afl"
	"github.com/fgsect/fitm/internal/checkpoint"
	"github.com/fgsect/fitm/internal/scheduler"
	"github.com/fgsect/fitm/internal/store"
)

// FuzzOptions holds flags for the fuzz command.
type FuzzOptions struct {
	*RootOptions
	Config      string
	MetricsAddr string
	Rounds      int

	// Fuzzer, Minimizer and Replayer replace the AFL++ and CRIU adapters
	// (for testing).
	Fuzzer    scheduler.Fuzzer
	Minimizer scheduler.Minimizer
	Replayer  scheduler.Replayer
}

// NewFuzzCommand creates the fuzz command.
func NewFuzzCommand(rootOpts *RootOptions) *cobra.Command {
	return newFuzzCommand(&FuzzOptions{RootOptions: rootOpts})
}

func newFuzzCommand(opts *FuzzOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fuzz --config <fitm.yaml>",
		Short: "Run the alternating generation loop",
		Long: `Fuzz the checkpoints below the configured saved-states directory,
generation by generation. Even generations fuzz the server, odd generations
the client. The scheduler state is saved after every generation so an
interrupted run continues where it stopped.

Example config:
  states_root: ./saved-states
  afl_dir: ../AFLplusplus
  seeds: ./seeds
  fuzz_time: 60s
  workers: 4
  catalog: ./fitm.db

Example:
  fitm fuzz --config fitm.yaml --metrics-addr :9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFuzz(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to the YAML run configuration (required)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", -1, "stop after this many rounds (overrides the config, 0 = unlimited)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runFuzz(cmd *cobra.Command, opts *FuzzOptions) error {
	logger := opts.logger()

	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.check(); err != nil {
		return WrapExitError(ExitCommandError, "invalid states root", err)
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if opts.Rounds >= 0 {
		cfg.Rounds = opts.Rounds
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := scheduler.NewMetrics(reg)

	svc := checkpoint.NewService(cfg.Criu, cfg.Crit, logger)
	if cfg.RestoreTimeout > 0 {
		svc.RestoreTimeout = cfg.RestoreTimeout
	}
	aflRunner := afl.New(cfg.AFLDir, logger)
	aflRunner.ExecTimeout = cfg.ExecTimeout

	var (
		fuzzer    scheduler.Fuzzer    = aflRunner
		minimizer scheduler.Minimizer = aflRunner
		replayer  scheduler.Replayer  = svc
	)
	if opts.Fuzzer != nil {
		fuzzer = opts.Fuzzer
	}
	if opts.Minimizer != nil {
		minimizer = opts.Minimizer
	}
	if opts.Replayer != nil {
		replayer = opts.Replayer
	}

	schedOpts := []scheduler.Option{
		scheduler.WithWorkers(cfg.Workers),
		scheduler.WithFuzzTime(cfg.FuzzTime),
		scheduler.WithMaxCheckpoints(cfg.MaxCheckpoints),
		scheduler.WithSeed(cfg.Seed),
		scheduler.WithSimilarityThreshold(cfg.SimilarityThreshold),
		scheduler.WithStateFile(cfg.StateFile),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	}
	if cfg.Catalog != "" {
		st, err := store.Open(cfg.Catalog)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open catalog", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing catalog", "error", closeErr)
			}
		}()
		schedOpts = append(schedOpts, scheduler.WithRecorder(scheduler.StoreRecorder{Store: st}))
	}

	sched := scheduler.New(cfg.StatesRoot, fuzzer, minimizer, replayer, schedOpts...)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	resumed, err := sched.Resume()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resume", err)
	}
	if !resumed {
		if err := seedScheduler(ctx, sched, cfg, svc, opts.Replayer == nil, logger); err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer stop()
	}

	runErr := runRounds(ctx, sched, cfg.Rounds)
	summary := map[string]any{
		"rounds":     sched.Round(),
		"state":      sched.State().String(),
		"state_file": cfg.StateFile,
	}
	text := fmt.Sprintf("stopped after %d rounds in %s", sched.Round(), sched.State())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		if errors.Is(runErr, scheduler.ErrNoCheckpoints) {
			return WrapExitError(ExitCommandError, "nothing to fuzz", runErr)
		}
		return WrapExitError(ExitFailure, "scheduler error", runErr)
	}
	return opts.formatter(cmd).Success(summary, text)
}

// seedScheduler loads the checkpoints found in the states root and the seed
// inputs of generation 0.
func seedScheduler(ctx context.Context, sched *scheduler.Scheduler, cfg *FuzzConfig, svc *checkpoint.Service, scripts bool, logger *slog.Logger) error {
	found, err := scheduler.Discover(cfg.StatesRoot)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to discover checkpoints", err)
	}
	if len(found[0]) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("no generation 0 checkpoint in %s", cfg.StatesRoot))
	}

	var seeds []scheduler.Input
	if cfg.Seeds != "" {
		if seeds, err = scheduler.LoadSeeds(cfg.Seeds); err != nil {
			return WrapExitError(ExitCommandError, "failed to load seeds", err)
		}
	}

	for g, cps := range found {
		var usable []scheduler.Checkpoint
		for _, cp := range cps {
			if scripts {
				if err := svc.EnsureScript(ctx, cp); err != nil {
					logger.Warn("skipping checkpoint without restore script", "state", cp.Name(), "error", err)
					continue
				}
			}
			usable = append(usable, cp)
		}
		var inputs []scheduler.Input
		if g == 0 {
			inputs = seeds
		}
		sched.Seed(g, usable, inputs)
		logger.Info("seeded generation", "generation", g, "checkpoints", len(usable), "inputs", len(inputs))
	}
	return nil
}

// runRounds steps until rounds complete rounds have run. Zero runs until ctx
// is canceled.
func runRounds(ctx context.Context, sched *scheduler.Scheduler, rounds int) error {
	if rounds <= 0 {
		return sched.Run(ctx)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st := sched.State()
		atStart := st.Phase == scheduler.PhaseRestarting || st.Gen == 0
		if atStart && sched.Round() >= rounds {
			return nil
		}
		if _, err := sched.Step(ctx); err != nil {
			return err
		}
	}
}

// serveMetrics exposes reg on addr until the returned stop is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
