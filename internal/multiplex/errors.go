package multiplex

import "errors"

// Error kinds surfaced by the engine. The values are stable: consumers match
// them with errors.Is.
var (
	// ErrMuxerClosed is returned by operations attempted after the
	// multiplexer has been closed.
	ErrMuxerClosed = errors.New("multiplexer is closed")

	// ErrTooManyOutboundStreams is returned by OpenStream when the local
	// initiator cap has been reached.
	ErrTooManyOutboundStreams = errors.New("too many outbound streams")

	// ErrTooManyOpenStreams destroys the whole multiplexer when the peer
	// keeps requesting streams above the inbound cap faster than the
	// disconnect threshold allows.
	ErrTooManyOpenStreams = errors.New("too many open streams")

	// ErrStreamReset is carried on both halves of a stream that the remote
	// reset, including a reset the peer sent from its buffer overflow policy.
	ErrStreamReset = errors.New("stream reset")

	// ErrStreamAborted is carried on stream ends triggered by a local Abort
	// with no more specific cause.
	ErrStreamAborted = errors.New("stream aborted")

	// ErrInputBufferFull ends a stream whose readable buffer exceeded
	// MaxStreamBufferSize before the application drained it.
	ErrInputBufferFull = errors.New("input buffer full")

	// ErrInvalidFrameType is a protocol violation: the peer sent a frame
	// whose type field is outside 0..6. Fatal to the multiplexer.
	ErrInvalidFrameType = errors.New("invalid frame type")

	// ErrDoubleSink and ErrSinkEnded are programmer errors.
	ErrDoubleSink = errors.New("sink already started")
	ErrSinkEnded  = errors.New("write after sink ended")

	// ErrTimeout is returned by stream reads and writes when a deadline set
	// with SetDeadline expires.
	ErrTimeout = errors.New("deadline exceeded")
)
