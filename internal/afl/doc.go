// Package afl drives AFL++ against checkpoints.
//
// Both tools run inside the checkpoint directory and execute the target as
// "bash ./restore.sh @@", so every execution resumes the checkpoint's
// snapshot with the test case as input. afl-fuzz mutates a corpus for a time
// budget; afl-cmin reduces a set of inputs to the ones adding coverage and
// keeps their traces for deduplication.
package afl
