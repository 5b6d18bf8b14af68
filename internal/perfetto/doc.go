// Package perfetto decodes and re-encodes Perfetto protobuf traces at the
// wire level.
//
// Nothing here depends on generated protobuf code. A message is split into
// its top-level fields with ParseFields; every Field keeps its exact
// encoding in Raw, so fields the merger does not touch are written back
// byte-for-byte and unknown payloads pass through untouched.
//
// Only the handful of messages that merging needs are modelled:
//
//	Trace               packet = 1
//	TracePacket         timestamp, clock id, sequence id, payload kind
//	ClockSnapshot       clocks, primary_trace_clock
//	TrackEvent          type, track_uuid, name / name_iid
//	TrackDescriptor     uuid, parent_uuid, process / thread descriptors
//	ProcessTree         processes / threads
//	InternedData        event_names
//	TracePacketDefaults timestamp_clock_id, track_event_defaults
package perfetto
