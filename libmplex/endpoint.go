package libmplex

import (
	"net"
	"time"

	mux "github.com/cbeuw/go-mplex/internal/multiplex"
)

// An Endpoint is one side of a multiplexed connection. Both peers run one;
// either side may open streams and either side may accept them.
type Endpoint struct {
	session *mux.Multiplexer
}

// New starts multiplexing on conn. The Endpoint owns the connection from
// here on: closing the Endpoint closes it, and a transport failure ends
// every stream.
func New(conn net.Conn, config Config) (*Endpoint, error) {
	processed, err := config.Process()
	if err != nil {
		return nil, err
	}
	return &Endpoint{session: mux.MakeMultiplexer(conn, processed)}, nil
}

// OpenStream opens a new stream to the peer. The name is advisory and
// travels in the clear; when empty it defaults to the stream's decimal id.
func (e *Endpoint) OpenStream(name string) (net.Conn, error) {
	stream, err := e.session.OpenStream(name)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Accept blocks until the peer opens a stream. Not usable when
// OnIncomingStream is configured.
func (e *Endpoint) Accept() (net.Conn, error) {
	stream, err := e.session.Accept()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (e *Endpoint) Close() error {
	return e.session.Close(nil)
}

func (e *Endpoint) IsClosed() bool {
	return e.session.IsClosed()
}

func (e *Endpoint) NumStreams() int {
	return e.session.NumStreams()
}

// StreamInfo describes one live stream for inspection purposes.
type StreamInfo struct {
	// ID is unique within this endpoint: "i" for locally opened streams,
	// "r" for streams opened by the peer, followed by the wire id
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Opened time.Time `json:"opened"`
}

// Streams snapshots every currently live stream.
func (e *Endpoint) Streams() []StreamInfo {
	streams := e.session.Streams()
	out := make([]StreamInfo, 0, len(streams))
	for _, stream := range streams {
		out = append(out, StreamInfo{
			ID:     stream.ID(),
			Name:   stream.Name(),
			Opened: stream.OpenTime(),
		})
	}
	return out
}
