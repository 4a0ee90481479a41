package multiplex

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

const (
	acceptBacklog = 1024

	defaultMaxMsgSize          = 1 << 20
	defaultMaxInboundStreams   = 1024
	defaultMaxOutboundStreams  = 1024
	defaultMaxStreamBufferSize = 4 << 20
	defaultDisconnectThreshold = 5

	connReceiveBufferSize = 20480
)

type MultiplexerConfig struct {
	// Valve is used to limit transmission rates, and record and limit usage
	Valve *Valve

	// MaxMsgSize is the fragmentation ceiling for one MESSAGE payload.
	// Larger writes are split into consecutive frames of at most this size
	MaxMsgSize int

	// MaxInboundStreams caps concurrent streams initiated by the peer.
	// Beyond it NEW_STREAM requests are refused with a reset, and sustained
	// bursts above DisconnectThreshold destroy the whole session
	MaxInboundStreams int

	// MaxOutboundStreams caps concurrent locally initiated streams
	MaxOutboundStreams int

	// MaxStreamBufferSize is the per-stream readable buffer ceiling. A
	// stream whose consumer falls this far behind is reset rather than
	// stalling every other stream on the connection
	MaxStreamBufferSize int

	// DisconnectThreshold is the capacity and per-second refill of the
	// token bucket that meters NEW_STREAM requests arriving past the
	// inbound cap
	DisconnectThreshold int

	// OnIncomingStream, when set, is invoked from the dispatch loop for
	// every stream the peer opens, and Accept is disabled. It must not
	// block. When nil, inbound streams are queued for Accept
	OnIncomingStream func(*Stream)

	// OnStreamEnd is invoked when a stream's both halves have ended and it
	// has been removed from the registry
	OnStreamEnd func(*Stream)

	// Label names the session in logs and in the admin API. Defaults to
	// the transport's remote address
	Label string
}

// A Multiplexer carries many independent, ordered duplex streams over a
// single reliable byte transport. One goroutine owns the inbound direction:
// it decodes frames and dispatches them in arrival order, which is what the
// per-stream ordering guarantees rest on. Outbound frames from concurrent
// streams are serialised by a write lock. A stream id alone does not name a
// stream; the same number may be in use by both sides at once, so the
// multiplexer keeps one registry per direction.
type Multiplexer struct {
	MultiplexerConfig

	conn net.Conn

	decoder frameDecoder

	// the encoder's header pool is single-owner; writingM is that owner
	writingM sync.Mutex
	encoder  frameEncoder

	streamsM   sync.Mutex
	initiators map[uint64]*Stream
	receivers  map[uint64]*Stream
	nextID     uint64

	// For accepting new streams
	acceptCh chan *Stream

	newStreams *keyedLimiter

	closed uint32

	terminalSetter sync.Once
	terminalM      sync.Mutex
	terminalErr    error
}

// MakeMultiplexer starts a multiplexer on conn. Zero-valued config fields
// take their defaults. The inbound loop runs until the transport fails or
// the session is closed.
func MakeMultiplexer(conn net.Conn, config MultiplexerConfig) *Multiplexer {
	mux := &Multiplexer{
		MultiplexerConfig: config,
		conn:              conn,
		initiators:        map[uint64]*Stream{},
		receivers:         map[uint64]*Stream{},
		acceptCh:          make(chan *Stream, acceptBacklog),
	}
	if mux.Valve == nil {
		mux.Valve = UNLIMITED_VALVE
	}
	if mux.MaxMsgSize <= 0 {
		mux.MaxMsgSize = defaultMaxMsgSize
	}
	if mux.MaxInboundStreams <= 0 {
		mux.MaxInboundStreams = defaultMaxInboundStreams
	}
	if mux.MaxOutboundStreams <= 0 {
		mux.MaxOutboundStreams = defaultMaxOutboundStreams
	}
	if mux.MaxStreamBufferSize <= 0 {
		mux.MaxStreamBufferSize = defaultMaxStreamBufferSize
	}
	if mux.DisconnectThreshold <= 0 {
		mux.DisconnectThreshold = defaultDisconnectThreshold
	}
	if mux.Label == "" && conn.RemoteAddr() != nil {
		mux.Label = conn.RemoteAddr().String()
	}
	mux.newStreams = makeKeyedLimiter(mux.DisconnectThreshold)

	go mux.deplex()
	return mux
}

// OpenStream opens a new outbound stream. The name travels to the peer in
// the NEW_STREAM payload; when empty it defaults to the decimal stream id.
func (mux *Multiplexer) OpenStream(name string) (*Stream, error) {
	if mux.IsClosed() {
		return nil, ErrMuxerClosed
	}
	mux.streamsM.Lock()
	if len(mux.initiators) >= mux.MaxOutboundStreams {
		mux.streamsM.Unlock()
		return nil, ErrTooManyOutboundStreams
	}
	id := mux.nextID
	mux.nextID++
	stream := makeStream(mux, id, name, true)
	mux.initiators[id] = stream
	mux.streamsM.Unlock()

	if err := stream.start(); err != nil {
		return nil, err
	}
	log.Tracef("stream %v of session %v opened", stream.ID(), mux.Label)
	return stream, nil
}

// Accept blocks until the peer opens a stream. Only usable when no
// OnIncomingStream callback was configured.
func (mux *Multiplexer) Accept() (*Stream, error) {
	if mux.IsClosed() {
		return nil, ErrMuxerClosed
	}
	stream := <-mux.acceptCh
	if stream == nil {
		return nil, ErrMuxerClosed
	}
	log.Tracef("stream %v of session %v accepted", stream.ID(), mux.Label)
	return stream, nil
}

// Streams takes a snapshot of every currently registered stream, both
// locally and remotely initiated.
func (mux *Multiplexer) Streams() []*Stream {
	mux.streamsM.Lock()
	defer mux.streamsM.Unlock()
	out := make([]*Stream, 0, len(mux.initiators)+len(mux.receivers))
	for _, stream := range mux.initiators {
		out = append(out, stream)
	}
	for _, stream := range mux.receivers {
		out = append(out, stream)
	}
	return out
}

func (mux *Multiplexer) NumStreams() int {
	mux.streamsM.Lock()
	defer mux.streamsM.Unlock()
	return len(mux.initiators) + len(mux.receivers)
}

func (mux *Multiplexer) IsClosed() bool {
	return atomic.LoadUint32(&mux.closed) == 1
}

// TerminalError reports what killed the session: nil for a clean local Close
// or peer EOF, otherwise the transport or protocol error.
func (mux *Multiplexer) TerminalError() error {
	mux.terminalM.Lock()
	defer mux.terminalM.Unlock()
	return mux.terminalErr
}

func (mux *Multiplexer) setTerminalErr(err error) {
	mux.terminalSetter.Do(func() {
		mux.terminalM.Lock()
		mux.terminalErr = err
		mux.terminalM.Unlock()
		if err != nil {
			log.Debugf("session %v terminal error: %v", mux.Label, err)
		}
	})
}

// Close destroys every live stream with err and latches the session closed.
// Closing twice is a no-op.
func (mux *Multiplexer) Close(err error) error {
	if !atomic.CompareAndSwapUint32(&mux.closed, 0, 1) {
		return nil
	}
	mux.setTerminalErr(err)

	mux.streamsM.Lock()
	streams := make([]*Stream, 0, len(mux.initiators)+len(mux.receivers))
	for _, stream := range mux.initiators {
		streams = append(streams, stream)
	}
	for _, stream := range mux.receivers {
		streams = append(streams, stream)
	}
	close(mux.acceptCh)
	mux.streamsM.Unlock()

	for _, stream := range streams {
		stream.terminate(err)
	}
	mux.conn.Close()
	log.Debugf("session %v closed", mux.Label)
	return nil
}

// sendFrame serialises f and writes it to the transport. The chunk list goes
// out in one writev where the platform supports it; payload bytes are never
// copied on the way down.
func (mux *Multiplexer) sendFrame(f *Frame) error {
	if mux.IsClosed() {
		return ErrMuxerClosed
	}
	mux.writingM.Lock()
	bufs := mux.encoder.Encode(f)
	var size int
	for _, b := range bufs {
		size += len(b)
	}
	mux.Valve.txWait(size)
	n, err := bufs.WriteTo(mux.conn)
	mux.writingM.Unlock()
	mux.Valve.AddTx(n)
	if err != nil {
		log.Debugf("failed to send %v frame for stream %v of session %v: %v",
			frameTypeName(f.Type), f.ID, mux.Label, err)
		return err
	}
	return nil
}

// deplex constantly reads from the transport, reassembles frames and
// dispatches them synchronously in arrival order. Frames of one batch are
// fully dispatched before the next read, which preserves per-stream
// ordering: a CLOSE sent after a run of MESSAGEs is observed after them.
func (mux *Multiplexer) deplex() {
	for {
		// the decoder retains a reference to the buffer between reads when
		// a frame straddles two of them, so every read gets a fresh buffer
		buf := make([]byte, connReceiveBufferSize)
		n, err := mux.conn.Read(buf)
		if n > 0 {
			mux.Valve.rxWait(n)
			mux.Valve.AddRx(int64(n))
			frames, derr := mux.decoder.Write(buf[:n])
			for _, f := range frames {
				mux.dispatch(f)
			}
			if derr != nil {
				log.Errorf("protocol violation from peer on session %v: %v", mux.Label, derr)
				mux.Close(derr)
				return
			}
		}
		if err != nil {
			log.Debugf("connection for session %v has closed: %v", mux.Label, err)
			if err == io.EOF {
				mux.Close(nil)
			} else {
				mux.Close(err)
			}
			return
		}
	}
}

// dispatch routes one inbound frame. Receiver-suffixed types are odd and
// address locally initiated streams; Initiator-suffixed types are even and
// address remotely initiated ones. A frame for an id that is not registered
// is dropped: the stream may have fully ended while the frame was in flight.
func (mux *Multiplexer) dispatch(f *Frame) {
	if f.Type == typeNewStream {
		mux.handleNewStream(f)
		return
	}

	mux.streamsM.Lock()
	var stream *Stream
	if f.Type&1 == 1 {
		stream = mux.initiators[f.ID]
	} else {
		stream = mux.receivers[f.ID]
	}
	mux.streamsM.Unlock()
	if stream == nil {
		log.Debugf("%v frame for unknown stream %v of session %v dropped",
			frameTypeName(f.Type), f.ID, mux.Label)
		return
	}

	switch f.Type {
	case typeMessageReceiver, typeMessageInitiator:
		if stream.readableLen() > mux.MaxStreamBufferSize {
			log.Debugf("stream %v of session %v exceeded its receive buffer, resetting",
				stream.ID(), mux.Label)
			// the peer is told with our own role's suffix
			_ = mux.sendFrame(&Frame{ID: f.ID, Type: resetType(stream.initiator)})
			stream.terminate(ErrInputBufferFull)
			return
		}
		stream.pushData(f.Data)
	case typeCloseReceiver, typeCloseInitiator:
		stream.CloseRead()
	case typeResetReceiver, typeResetInitiator:
		stream.reset()
	}
}

func (mux *Multiplexer) handleNewStream(f *Frame) {
	mux.streamsM.Lock()
	if mux.IsClosed() {
		mux.streamsM.Unlock()
		return
	}
	if _, existing := mux.receivers[f.ID]; existing {
		mux.streamsM.Unlock()
		log.Debugf("duplicate NEW_STREAM for id %v on session %v dropped", f.ID, mux.Label)
		return
	}
	if len(mux.receivers) >= mux.MaxInboundStreams {
		mux.streamsM.Unlock()
		log.Debugf("session %v is at its inbound stream cap, refusing stream %v", mux.Label, f.ID)
		_ = mux.sendFrame(&Frame{ID: f.ID, Type: typeResetReceiver})
		// past the cap the peer gets DisconnectThreshold refusals per
		// second; beyond that it is evidently not listening to resets
		if !mux.newStreams.allow(newStreamKey) {
			log.Errorf("session %v peer keeps opening streams past the cap, disconnecting", mux.Label)
			mux.Close(ErrTooManyOpenStreams)
		}
		return
	}

	stream := makeStream(mux, f.ID, string(f.Data.Bytes()), false)
	stream.start()
	mux.receivers[f.ID] = stream
	if mux.OnIncomingStream == nil {
		mux.acceptCh <- stream
	}
	mux.streamsM.Unlock()

	log.Tracef("stream %v of session %v opened by peer", stream.ID(), mux.Label)
	if mux.OnIncomingStream != nil {
		mux.OnIncomingStream(stream)
	}
}

// removeStream forgets a fully ended stream. Called exactly once per stream,
// by its own destroy path.
func (mux *Multiplexer) removeStream(stream *Stream) {
	mux.streamsM.Lock()
	if stream.initiator {
		delete(mux.initiators, stream.id)
	} else {
		delete(mux.receivers, stream.id)
	}
	mux.streamsM.Unlock()
	log.Tracef("stream %v of session %v fully ended", stream.ID(), mux.Label)
	if mux.OnStreamEnd != nil {
		mux.OnStreamEnd(stream)
	}
}
