package ir

// Version constants for the log format and the binary.
const (
	// LogFormatVersion is the persisted log layout version.
	LogFormatVersion = 1

	// ProtocolVersion is the coordinator control protocol version.
	// Workers announcing a different version are rejected at handshake.
	ProtocolVersion = 1

	// Version is the lockstep release version.
	Version = "0.1.0"
)
