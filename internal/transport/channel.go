// Package transport defines the duplex message channel a voice session
// runs over and its WebSocket implementation. Binary frames carry raw
// audio; text frames carry the JSON control protocol.
package transport

import "context"

// DuplexChannel is the bidirectional transport a session consumes.
// Implementations must be safe for concurrent use; handler registration
// is expected to happen before traffic starts flowing.
type DuplexChannel interface {
	// Send transmits one binary audio frame.
	Send(data []byte) error

	// SendControl transmits one JSON control message as a text frame.
	SendControl(msg ControlMessage) error

	// Ping measures one round-trip to the peer, blocking until the pong
	// arrives or ctx expires.
	Ping(ctx context.Context) error

	// OnBinary registers the handler for incoming audio frames.
	OnBinary(fn func(data []byte))

	// OnControl registers the handler for incoming control messages.
	OnControl(fn func(msg ControlMessage))

	// OnClose registers the handler invoked once when the channel dies.
	// The error is nil for a clean local close.
	OnClose(fn func(err error))

	// Open reports whether the channel can still accept sends.
	Open() bool

	// Buffered returns the number of outbound bytes accepted but not yet
	// written to the wire.
	Buffered() int

	Close() error
}
