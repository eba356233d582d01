// Package eventlog implements the per-thread nondeterminism log.
//
// A ThreadLog runs in exactly one of two modes for the lifetime of an
// execution:
//
//   - Record: intercepted calls reserve a slot when they start and commit
//     the observed outcome when they finish. Slots are numbered by the
//     thread's Sequencer, so the log order is the thread's call order even
//     when a signal handler re-enters the interception boundary.
//   - Replay: entries loaded from durable storage are consumed strictly in
//     sequence order. Running past the end is LogExhausted; an entry out of
//     sequence or owned by another thread is LogCorruption.
//
// A Set groups the logs of one process and flushes them to a Sink in a
// single batch, which is what the worker does before it reports a
// checkpoint barrier as ready.
package eventlog
