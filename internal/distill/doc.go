// Package distill reconstructs every conversation state under a states root
// into a per-state directory of numbered fragments.
//
// Only pre-flight checks abort a run: a states root that does not look like
// one, or an output root that already exists. Each state is then handled by
// a bounded worker pool and its failure is recorded in the Report without
// touching its siblings.
package distill
