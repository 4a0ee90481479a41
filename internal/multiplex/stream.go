package multiplex

import (
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Stream is one logical duplex byte channel multiplexed within a session. It
// implements net.Conn. The two halves close independently: the readable side
// ends when the peer sends CLOSE or the application calls CloseRead, the
// writable side when the application ends it. Once both halves have ended the
// stream removes itself from its session's registry.
type Stream struct {
	id        uint64
	initiator bool
	name      string

	session *Multiplexer

	recvBuf *bufferedPipe

	// serialises sink operations: the initial NEW_STREAM send, Write
	// fragmentation and the CLOSE emission
	writingM sync.Mutex
	// outbound staging list; drained completely within each Write
	pending byteList

	stateM      sync.Mutex
	sinkStarted bool
	sourceEnded bool
	sinkEnded   bool
	destroyed   bool
	// first end error wins; the flag tells a recorded nil apart from
	// nothing recorded
	endErr    error
	endErrSet bool
	wDeadline time.Time

	// one-shot local cancellation causes, inspected in order
	// close -> reset -> abort when one of the stream's own sends fails, to
	// tell benign teardown apart from a real transport error
	closeCause bool
	resetCause bool
	abortCause bool

	openTime  time.Time
	closeTime time.Time
}

func makeStream(sesh *Multiplexer, id uint64, name string, initiator bool) *Stream {
	if name == "" {
		name = strconv.FormatUint(id, 10)
	}
	return &Stream{
		id:        id,
		initiator: initiator,
		name:      name,
		session:   sesh,
		recvBuf:   newBufferedPipe(),
		openTime:  time.Now(),
	}
}

// ID returns the stream's external identifier: "i" for locally initiated
// streams, "r" for remotely initiated ones, followed by the wire id. Unique
// within one multiplexer only.
func (stream *Stream) ID() string {
	if stream.initiator {
		return "i" + strconv.FormatUint(stream.id, 10)
	}
	return "r" + strconv.FormatUint(stream.id, 10)
}

func (stream *Stream) Name() string { return stream.name }

func (stream *Stream) OpenTime() time.Time { return stream.openTime }

// CloseTime is zero until both halves have ended.
func (stream *Stream) CloseTime() time.Time {
	stream.stateM.Lock()
	defer stream.stateM.Unlock()
	return stream.closeTime
}

// EndError reports the error the stream ended with, nil while it is live or
// after a clean close.
func (stream *Stream) EndError() error {
	stream.stateM.Lock()
	defer stream.stateM.Unlock()
	return stream.endErr
}

// start performs the stream's one-off sink start. An initiator announces the
// stream to the peer with a NEW_STREAM frame carrying the stream name.
// Starting the sink twice is a programming error.
func (stream *Stream) start() error {
	stream.stateM.Lock()
	if stream.sinkStarted {
		stream.stateM.Unlock()
		return ErrDoubleSink
	}
	stream.sinkStarted = true
	stream.stateM.Unlock()

	if !stream.initiator {
		return nil
	}
	stream.writingM.Lock()
	defer stream.writingM.Unlock()
	f := &Frame{ID: stream.id, Type: typeNewStream, Data: makeByteList([]byte(stream.name))}
	if err := stream.session.sendFrame(f); err != nil {
		return stream.sendFailed(err)
	}
	return nil
}

// sendFailed translates a failure of one of the stream's own sends. A local
// teardown that raced the send is benign; anything else is reported to the
// peer with a best-effort reset and ends the stream with the original error.
func (stream *Stream) sendFailed(err error) error {
	stream.stateM.Lock()
	closing, resetting, aborting := stream.closeCause, stream.resetCause, stream.abortCause
	stream.stateM.Unlock()
	switch {
	case closing:
		return nil
	case resetting:
		return ErrStreamReset
	case aborting:
		return ErrStreamAborted
	}
	// this second send may fail too; that failure is swallowed
	_ = stream.session.sendFrame(&Frame{ID: stream.id, Type: resetType(stream.initiator)})
	stream.terminate(err)
	return err
}

// Write appends to the outbound staging list and drains it, emitting one
// MESSAGE frame per MaxMsgSize unit. The final fragment carries whatever
// remains, so a write of N bytes reaches the peer as ceil(N/MaxMsgSize)
// frames concatenating back to the original bytes.
func (stream *Stream) Write(in []byte) (int, error) {
	stream.writingM.Lock()
	defer stream.writingM.Unlock()

	stream.stateM.Lock()
	if stream.sinkEnded {
		err := stream.endErr
		stream.stateM.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, ErrSinkEnded
	}
	wDeadline := stream.wDeadline
	stream.stateM.Unlock()
	if !wDeadline.IsZero() && !time.Now().Before(wDeadline) {
		return 0, ErrTimeout
	}

	stream.pending.Append(in)
	for stream.pending.Len() > 0 {
		unit := stream.pending.Len()
		if unit > stream.session.MaxMsgSize {
			unit = stream.session.MaxMsgSize
		}
		f := &Frame{
			ID:   stream.id,
			Type: messageType(stream.initiator),
			Data: stream.pending.Sublist(0, unit),
		}
		if err := stream.session.sendFrame(f); err != nil {
			sent := len(in) - stream.pending.Len()
			// drop the unsent remainder so the caller's slice is released
			stream.pending.Consume(stream.pending.Len())
			return sent, stream.sendFailed(err)
		}
		stream.pending.Consume(unit)
	}
	return len(in), nil
}

func (stream *Stream) Read(buf []byte) (int, error) {
	return stream.recvBuf.Read(buf)
}

// CloseRead ends the readable half locally. Bytes already buffered remain
// readable, after which reads see io.EOF. Invoked by the application and on a
// CLOSE frame from the peer; repeated calls are no-ops.
func (stream *Stream) CloseRead() error {
	stream.recvBuf.Close()
	stream.endSource()
	return nil
}

// CloseWrite ends the writable half: the peer is sent CLOSE and learns we
// will write no more. The readable half is unaffected.
func (stream *Stream) CloseWrite() error {
	stream.writingM.Lock()
	defer stream.writingM.Unlock()

	stream.stateM.Lock()
	if stream.sinkEnded {
		stream.stateM.Unlock()
		return nil
	}
	stream.closeCause = true
	stream.stateM.Unlock()

	var err error
	if sendErr := stream.session.sendFrame(&Frame{ID: stream.id, Type: closeType(stream.initiator)}); sendErr != nil {
		err = stream.sendFailed(sendErr)
	}
	log.Tracef("stream %v of session %v closing its sink", stream.ID(), stream.session.Label)
	stream.endSink()
	return err
}

// Close half-closes both directions locally.
func (stream *Stream) Close() error {
	stream.CloseRead()
	return stream.CloseWrite()
}

// Abort ends both halves immediately with err. No frame is sent to the peer;
// callers that want the remote notified should Close instead, or tear the
// transport down.
func (stream *Stream) Abort(err error) {
	if err == nil {
		err = ErrStreamAborted
	}
	stream.stateM.Lock()
	stream.abortCause = true
	stream.stateM.Unlock()
	log.Tracef("stream %v of session %v aborted: %v", stream.ID(), stream.session.Label, err)
	stream.terminate(err)
}

// reset ends both halves immediately with ErrStreamReset. Used when the peer
// sent RESET; never emits a frame. The input-buffer overflow policy does not
// use it: it ends the stream with ErrInputBufferFull instead.
func (stream *Stream) reset() {
	stream.stateM.Lock()
	stream.resetCause = true
	stream.stateM.Unlock()
	stream.terminate(ErrStreamReset)
}

// terminate ends both halves with err without telling the peer. Buffered
// inbound data is discarded when err is non-nil.
func (stream *Stream) terminate(err error) {
	stream.setEndErr(err)
	if err == nil {
		stream.recvBuf.Close()
	} else {
		stream.recvBuf.CloseWithError(err)
	}
	stream.stateM.Lock()
	stream.sourceEnded = true
	stream.sinkEnded = true
	stream.stateM.Unlock()
	stream.maybeDestroy()
}

func (stream *Stream) setEndErr(err error) {
	stream.stateM.Lock()
	if !stream.endErrSet {
		stream.endErrSet = true
		stream.endErr = err
	}
	stream.stateM.Unlock()
}

func (stream *Stream) endSource() {
	stream.stateM.Lock()
	stream.sourceEnded = true
	stream.stateM.Unlock()
	stream.maybeDestroy()
}

func (stream *Stream) endSink() {
	stream.stateM.Lock()
	stream.sinkEnded = true
	stream.stateM.Unlock()
	stream.maybeDestroy()
}

// maybeDestroy removes the stream from its session's registry once both
// halves have ended. Runs the removal exactly once.
func (stream *Stream) maybeDestroy() {
	stream.stateM.Lock()
	ready := stream.sourceEnded && stream.sinkEnded && !stream.destroyed
	if ready {
		stream.destroyed = true
		stream.closeTime = time.Now()
	}
	stream.stateM.Unlock()
	if ready {
		stream.session.removeStream(stream)
	}
}

// pushData feeds a MESSAGE payload into the readable side. The payload's
// chunks are copied into the stream's buffer so that the decoder's
// accumulator can be recycled. Frames arriving after the source has ended
// are dropped.
func (stream *Stream) pushData(data *byteList) {
	for _, c := range data.Chunks() {
		if _, err := stream.recvBuf.Write(c); err != nil {
			return
		}
	}
}

// readableLen is the observable size of the inbound buffer, consulted by the
// session's overflow policy.
func (stream *Stream) readableLen() int {
	return stream.recvBuf.Len()
}

func (stream *Stream) LocalAddr() net.Addr  { return stream.session.conn.LocalAddr() }
func (stream *Stream) RemoteAddr() net.Addr { return stream.session.conn.RemoteAddr() }

func (stream *Stream) SetReadDeadline(t time.Time) error {
	stream.recvBuf.SetReadDeadline(t)
	return nil
}

// SetWriteDeadline is checked on entry to Write; it does not interrupt a
// write already blocked on transport backpressure.
func (stream *Stream) SetWriteDeadline(t time.Time) error {
	stream.stateM.Lock()
	stream.wDeadline = t
	stream.stateM.Unlock()
	return nil
}

func (stream *Stream) SetDeadline(t time.Time) error {
	stream.SetReadDeadline(t)
	return stream.SetWriteDeadline(t)
}
