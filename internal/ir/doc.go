// Package ir provides the shared domain types for lockstep.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the wire, log and
// barrier vocabulary in one foundational layer with no circular
// dependencies.
//
// Key design constraints:
//   - Sequence numbers are logical (per-thread, gapless), never wall-clock
//   - Log payloads are opaque bytes; only the replay layer interprets them
//   - All JSON/msgpack tags use snake_case
package ir
