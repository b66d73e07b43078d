// Package checkpoint replays inputs against CRIU snapshots.
//
// A replay copies the parent state into a fresh target directory, writes a
// resume script whose descriptor paths point at the target, restores the
// process with the candidate on stdin and waits until the process either
// dumps itself into next_snapshot or exits. A dump with at least
// MinSnapshotEntries images becomes the snapshot of the target; anything less
// means the process did not reach another receive and the target is removed.
package checkpoint
