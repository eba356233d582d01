// Package replay is the interception boundary between an application and
// its nondeterministic environment.
//
// Every intercepted call goes through Boundary.Intercept with the calling
// thread's Thread handle. The boundary admits the call through the
// process's safe-point gate and hands it to the active Interceptor:
//
//   - Recorder executes the call live and logs its Outcome
//   - Engine skips execution and returns the logged Outcome instead
//
// The active strategy is swapped atomically when a restarted process
// switches from live execution to replay.
package replay
