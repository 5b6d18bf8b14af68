// Package eventprocessor rewrites the packets of one source trace so they can
// live in the combined trace.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      decoded *perfetto.Packet           │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Packet routing
//	│   - Rewrites envelope fields            │
//	│   - Routes payload by field number      │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ timestamp ─────────→ Translator (timesync.Converter)
//	          │                          - Guest time to combined time
//	          │
//	          ├──→ sequence id, pid ──→ procmeta.Remap
//	          │
//	          ├──→ track_event ───────→ track uuid, counter tracks
//	          ├──→ track_descriptor ──→ uuid, parent, pid, tid
//	          ├──→ process_tree ──────→ pid, ppid, tid, tgid
//	          └──→ trace_packet_defaults → clock id dropped, track uuid
//
// Timestamps are always written in the trace's primary clock, so the
// per-packet and per-sequence clock ids are removed.
package eventprocessor
