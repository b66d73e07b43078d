// Package store keeps the fitm catalog in SQLite: every distill-all run with
// the conversation each state was written to, and one row per scheduler
// generation.
//
// Runs and generations are ordered by the seq column the store assigns on
// insert, never by wall time. The states of a run list in generation order.
package store
