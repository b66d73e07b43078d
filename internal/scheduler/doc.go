// Package scheduler runs the alternating generation loop.
//
// Even generations fuzz the server side, odd generations the client side.
// For generation g every live checkpoint goes through one cycle:
//
//	minimize inputs -> fuzz -> minimize queue -> replay each candidate
//
// A replay that produces output yields an input for generation g+1. A replay
// whose process state is captured yields a checkpoint for generation g+2.
// All cycles of g finish before g+1 starts. When g produces no inputs for
// g+1 the scheduler passes through Restarting and begins again at
// generation 0.
//
// The mutation engine, the corpus minimizer and the checkpoint service are
// injected as Fuzzer, Minimizer and Replayer. Package afl and package
// checkpoint provide the implementations backed by AFL++ and CRIU.
package scheduler
