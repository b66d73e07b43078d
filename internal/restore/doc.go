// Package restore emits the resume procedure of a checkpoint.
//
// A resume procedure is a bash script that re-attaches every recovered
// descriptor to its path before CRIU resumes the target. Each descriptor is
// first opened as a shell-level handle and then handed to CRIU with an
// inherit directive:
//
//	exec 3<>'/work/saved-states/fitm-gen3-state1/fd/in'
//	...
//	    --inherit-fd 'fd[3]:work/saved-states/fitm-gen3-state1/fd/in' \
//
// Standard output and standard error are always wired explicitly. At resume
// time FITM_CAPTURE_STDIO selects between the state's capture files and
// /dev/null. The script ends with a success marker written to the caller's
// original standard output.
package restore
