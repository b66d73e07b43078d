// Package statedir names and lays out conversation state directories.
//
// Every checkpoint lives in its own directory under a states root
// (conventionally "saved-states"), named fitm-gen{G}-state{S}:
//
//	saved-states/
//	  fitm-gen3-state1/
//	    snapshot/          opaque CRIU images
//	    fd/                files the target reads and writes through descriptors
//	    in/                minimized corpus handed to the fuzzer
//	    out/main/queue/    minimized fuzzer queue (inputs for the next replay)
//	    outputs/           harvested outputs (inputs of the opposite role)
//	    stdout, stderr     captured stdio of the restored target
//	    prev_input         copy of the input that produced this state
//	    prev_input_path    absolute path of that input (lineage pointer)
//	    prev_state         directory of the parent checkpoint
//	    restore.sh         generated resume procedure
//
// The queue layout is load-bearing: a lineage pointer references a file
// QueueDepth segments below its owning state, and AncestorOf relies on it.
package statedir
