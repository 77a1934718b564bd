// Package message defines the bodies exchanged between a provider and its
// supervisor, one struct per message kind, plus the Call handed to a
// function while it executes.
//
// The codec layer turns these into frame bodies; the protocol layer wraps
// the bodies in frames for transmission over TCP.
package message

// ProtocolID is the only protocol identifier a provider registers with.
const ProtocolID uint16 = 0x0000

// PIDSize is the fixed length of a process identifier on the wire.
const PIDSize = 32

// PingSize is the length of the opaque ping token.
const PingSize = 32

// Register announces the provider, once, immediately after connecting.
type Register struct {
	Protocol uint16
	PID      []byte // exactly PIDSize bytes
}

// Function asks the provider to execute Name. Args holds each argument's
// serialized value, still encoded.
type Function struct {
	Name string
	Args [][]byte
}

// Progress reports partial completion of the running function.
type Progress struct {
	Fraction float32 // in [0, 1]
	Message  string
}

// Result carries the serialized return value of a function.
type Result struct {
	Value []byte
}

// Failure reports that a function did not produce a result.
type Failure struct {
	Code    string
	Message string
}

// Ping is a liveness probe from the supervisor.
type Ping struct {
	Token []byte
}

// Pong echoes a Ping's token unchanged.
type Pong struct {
	Token []byte
}

// ProgressFunc reports progress of the running call. It may be called any
// number of times before the call completes; later calls are dropped.
type ProgressFunc func(fraction float32, message string)

// FailureFunc completes the running call with a failure. Only the first
// completion of a call has effect, whichever path triggers it.
type FailureFunc func(code, message string)

// Call is one decoded function invocation as seen by middleware and by the
// function itself.
type Call struct {
	Name     string
	Args     []any
	Progress ProgressFunc
	Fail     FailureFunc

	// Failed reports whether the call is already completed with a failure,
	// for example by Fail before the function returned. May be nil.
	Failed func() bool
}

// Failure reports whether the call ends in a FAILURE, given the error the
// function returned.
func (c *Call) Failure(err error) bool {
	return err != nil || (c.Failed != nil && c.Failed())
}
