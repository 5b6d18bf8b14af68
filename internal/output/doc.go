// Package output serialises a combined trace to disk.
//
// The file is a Perfetto Trace message laid out as:
//   - a TraceUuid packet derived from the inputs, so reruns are identical
//   - one ClockSnapshot declaring the combined clock domain
//   - structural packets (track descriptors, process trees, metadata)
//   - event packets in merged order, each preceded by its prelude
//
// Write never leaves a partially written file at the destination: it writes
// to a temporary file next to it and renames it into place on success.
package output
