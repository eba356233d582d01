// Package harness runs end-to-end checkpoint and replay scenarios against an
// in-process cluster: one coordinator, a set of workers, and the connections
// between them.
//
// # Scenario Format
//
// Scenarios are YAML files validated against an embedded CUE schema:
//
//	name: restart_replay
//	description: "Replay returns the recorded outcomes after a restart"
//	drain_deadline_ms: 200
//	workers:
//	  - id: w1
//	  - id: w2
//	connections:
//	  - name: data
//	    between: [w1, w2]
//	steps:
//	  - checkpoint: {expect: committed}
//	  - record: {worker: w1, thread: 0, kind: syscall-result, value: 5}
//	  - restart: {checkpoint: 1, mode: replay}
//	  - replay: {worker: w1, thread: 0, kind: syscall-result, expect: 5}
//	assertions:
//	  - type: committed_count
//	    count: 1
//
// A connection marked silent has a single worker endpoint; the other end
// reads everything and never answers a drain, so every checkpoint aborts in
// Draining.
//
// # Assertion Types
//
//   - phase_order: the barrier phases entered, in order
//   - committed_count, aborted_count: checkpoints in the catalog
//   - connections_live: every connection is live when the scenario ends
//
// # Deterministic Traces
//
// The cluster uses a fixed session identifier and the trace omits wall-clock
// values and content hashes, so the same scenario always yields the same
// trace. RunWithGolden compares that trace against testdata/golden.
package harness
