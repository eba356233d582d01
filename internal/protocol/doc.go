// Package protocol defines the control messages exchanged between the
// coordinator and worker agents, and the connections that carry them.
//
// Every participant holds exactly one control connection to the
// coordinator. Messages are small msgpack-encoded structs; the transport is
// a websocket in production and an in-memory pipe in tests and in-process
// clusters. Both go through the same codec, so colocated components still
// share nothing but bytes.
//
// Conversation:
//
//	worker                      coordinator
//	Hello{pid, version}   --->
//	                      <---  Welcome{epoch}
//	Reply{Heartbeat}      --->                  (periodically)
//	                      <---  Request{phase, epoch}
//	Reply{Ack|Fail}       --->
//	                      <---  Commit | Abort
//	Bye                   --->                  (deregistration)
package protocol
