// Package fdtable recovers the descriptor table of a captured process.
//
// CRIU stores open files and the per-process descriptor table in separate
// images. crit decodes both to JSON; this package cross-references the two so
// that every regular file opened through the descriptor-bearing path
// convention (files under a state's fd/ directory) is paired with the
// descriptor number it was open on at capture time.
//
// A file entry without a matching descriptor entry makes the checkpoint
// unusable for restoration and is reported as a *CrossReferenceError.
package fdtable
