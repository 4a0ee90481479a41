// Package libmplex is the public face of the mplex stream multiplexer. It
// turns one reliable byte connection into any number of independent, ordered
// duplex streams, each handed to the caller as a net.Conn.
package libmplex

import (
	"fmt"
	"net"

	mux "github.com/cbeuw/go-mplex/internal/multiplex"
)

// Config contains the configuration parameter fields for an Endpoint. Every
// field is optional; zero values take the documented defaults.
type Config struct {
	// MaxMsgSize is the largest payload one wire frame may carry. Larger
	// writes are transparently fragmented.
	// Defaults to 1048576 (1 MiB)
	MaxMsgSize int
	// MaxInboundStreams caps how many streams the peer may have open at
	// once. Requests beyond the cap are refused, and a peer that keeps
	// bursting past it gets disconnected.
	// Defaults to 1024
	MaxInboundStreams int
	// MaxOutboundStreams caps how many streams this side may have open at
	// once.
	// Defaults to 1024
	MaxOutboundStreams int
	// MaxStreamBufferSize is how many received bytes one stream may hold
	// unread before it is reset. mplex has no flow control; this ceiling is
	// the only protection against a stalled consumer.
	// Defaults to 4194304 (4 MiB)
	MaxStreamBufferSize int
	// DisconnectThreshold is how many refused stream requests per second
	// the peer is allowed once it is at the inbound cap before the whole
	// connection is torn down.
	// Defaults to 5
	DisconnectThreshold int

	// RxRate and TxRate limit the transport byte rates in bytes per
	// second. 0 means unlimited
	RxRate int64
	TxRate int64

	// OnIncomingStream, when set, receives every stream the peer opens and
	// disables Accept. It is called from the dispatch loop and must not
	// block
	OnIncomingStream func(net.Conn)
	// OnStreamEnd is called once a stream has fully ended, in both
	// directions, and been forgotten
	OnStreamEnd func(net.Conn)

	// Label names this endpoint in logs. Defaults to the connection's
	// remote address
	Label string
}

// Process validates the configuration and resolves it into the engine's
// form, filling defaults.
func (raw *Config) Process() (mux.MultiplexerConfig, error) {
	if raw.MaxMsgSize < 0 {
		return mux.MultiplexerConfig{}, fmt.Errorf("MaxMsgSize cannot be negative")
	}
	if raw.MaxInboundStreams < 0 || raw.MaxOutboundStreams < 0 {
		return mux.MultiplexerConfig{}, fmt.Errorf("stream caps cannot be negative")
	}
	if raw.MaxStreamBufferSize < 0 {
		return mux.MultiplexerConfig{}, fmt.Errorf("MaxStreamBufferSize cannot be negative")
	}
	if raw.DisconnectThreshold < 0 {
		return mux.MultiplexerConfig{}, fmt.Errorf("DisconnectThreshold cannot be negative")
	}
	if raw.RxRate < 0 || raw.TxRate < 0 {
		return mux.MultiplexerConfig{}, fmt.Errorf("rate limits cannot be negative")
	}

	processed := mux.MultiplexerConfig{
		MaxMsgSize:          raw.MaxMsgSize,
		MaxInboundStreams:   raw.MaxInboundStreams,
		MaxOutboundStreams:  raw.MaxOutboundStreams,
		MaxStreamBufferSize: raw.MaxStreamBufferSize,
		DisconnectThreshold: raw.DisconnectThreshold,
		Label:               raw.Label,
	}
	if raw.RxRate != 0 || raw.TxRate != 0 {
		rx, tx := raw.RxRate, raw.TxRate
		if rx == 0 {
			rx = 1<<63 - 1
		}
		if tx == 0 {
			tx = 1<<63 - 1
		}
		processed.Valve = mux.MakeValve(rx, tx)
	}
	if raw.OnIncomingStream != nil {
		cb := raw.OnIncomingStream
		processed.OnIncomingStream = func(stream *mux.Stream) { cb(stream) }
	}
	if raw.OnStreamEnd != nil {
		cb := raw.OnStreamEnd
		processed.OnStreamEnd = func(stream *mux.Stream) { cb(stream) }
	}
	return processed, nil
}
