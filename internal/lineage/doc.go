// Package lineage records and follows the backward pointers that link
// conversation states.
//
// Every state produced by replaying an input stores exactly one pointer: the
// absolute path of that input and the directory of the checkpoint it was fed
// to. A state without a pointer is a root. Following pointers from any
// terminal state back to a root yields the ordered inputs of the whole
// conversation (a Chain).
//
// The records are written once by the scheduler (Record) and read only by the
// reconstructor in this package. Traversal is bounded by a hop limit so a
// corrupted or cyclic pointer fails with *CorruptLineageError instead of
// hanging.
package lineage
