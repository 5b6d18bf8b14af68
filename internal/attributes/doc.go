// Package attributes evaluates anchor predicates against trace events.
//
// An anchor is an event recorded in both the guest and the host trace at the
// same instant, such as a marker emitted across a virtio channel. The
// predicate is an expr expression over AnchorEnv; it must yield a bool.
//
// Matched anchors are also exposed as OpenTelemetry attributes so the
// reconciliation span records which events were paired.
package attributes
