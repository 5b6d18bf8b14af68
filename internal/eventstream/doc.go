// Package eventstream decodes a trace file into an ordered event stream.
//
// Read turns one Perfetto trace file into a *Trace:
//
//	file ──► gzip? ──► Trace envelope ──► packets (compressed_packets inflated)
//	                                         │
//	     ┌──────────────────┬────────────────┼──────────────────┬───────────────┐
//	     ▼                  ▼                ▼                  ▼               ▼
//	clock snapshots   descriptors /    timed packets,    sequence state    trace uuid
//	  (Clocks)        other untimed    ftrace bundles     (Prelude)         (dropped)
//	                  (Structural)       (Events)
//
// Event timestamps are normalised into the trace's primary clock and the
// events are stable-sorted, so same-timestamp events keep file order.
// Sorting may move an event ahead of state it relies on; that state is then
// carried by the first event of the sequence to be emitted, and a sequence
// whose reorder crosses a state reset is split into one sequence per reset.
// Every identifier the trace uses is recorded in a procmeta.Table.
package eventstream
