// Package transport moves JSON-RPC messages over one duplex byte channel.
//
// A transport owns the channel, a read loop and a protocol.Decoder. Bytes
// arriving on the read side are decoded in a single goroutine and handed to
// the Receiver one message at a time, in stream order. Outgoing messages
// are framed and written under a write lock; a blocking Write is the
// backpressure signal, so Send does not return until the sink accepted the
// whole frame.
//
//	Created ──Start──► Started ──Close / EOF / write error──► Closed
//	   └──────────────────Close───────────────────────────────┘
package transport

import (
	"context"
	"errors"

	"mini-jsonrpc/message"
	"mini-jsonrpc/protocol"
)

var (
	// ErrClosed is returned by operations on a closed transport, and wraps
	// the close cause delivered to OnClose hooks and pending callers.
	ErrClosed = errors.New("transport closed")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("transport already started")
)

// Receiver consumes decoded inbound messages. HandleMessage is called from
// the transport's read goroutine, so it must not block for long; slow work
// belongs in a goroutine of its own.
type Receiver interface {
	HandleMessage(msg message.Message)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(msg message.Message)

func (f ReceiverFunc) HandleMessage(msg message.Message) { f(msg) }

// FrameErrorHandler may be implemented by a Receiver that wants to see
// lines the decoder dropped.
type FrameErrorHandler interface {
	HandleFrameError(fe *protocol.FrameError)
}

// Transport is the contract shared by the stream, stdio and subprocess
// flavors.
type Transport interface {
	// Start begins delivering inbound messages to recv.
	Start(recv Receiver) error
	// Send frames msg and writes it, blocking while the sink is congested.
	Send(ctx context.Context, msg message.Message) error
	// Close is safe to call more than once; only the first call acts.
	Close() error
	// OnClose registers fn to run once with the close cause (nil for a
	// local Close). Hooks registered after close run immediately.
	OnClose(fn func(cause error))
	// Done is closed when the transport is closed.
	Done() <-chan struct{}
}

// ClosedError builds the error reported to callers that were waiting when
// the transport closed.
func ClosedError(cause error) error {
	if cause == nil || errors.Is(cause, ErrClosed) {
		return ErrClosed
	}
	return &closedError{cause: cause}
}

type closedError struct {
	cause error
}

func (e *closedError) Error() string   { return ErrClosed.Error() + ": " + e.cause.Error() }
func (e *closedError) Unwrap() []error { return []error{ErrClosed, e.cause} }
