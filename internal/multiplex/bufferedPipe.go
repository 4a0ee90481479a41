// This is based on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package multiplex

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// bufferedPipe is the readable side of a stream. The dispatch loop writes
// decoded payloads in and the application blocks on Read until data is
// available. Write never blocks: mplex has no flow control, the only inbound
// safety valve is the multiplexer resetting the stream once Len exceeds the
// configured ceiling.
type bufferedPipe struct {
	// only alloc when on first Read or Write
	buf *bytes.Buffer

	closed bool
	// the error Read returns once the pipe is closed. nil means a clean
	// close: Read drains the remaining bytes and then reports io.EOF. A
	// non-nil error (reset, abort) is reported immediately and the
	// remaining bytes are discarded.
	closeErr  error
	rwCond    *sync.Cond
	rDeadline time.Time
}

func newBufferedPipe() *bufferedPipe {
	return &bufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
}

func (p *bufferedPipe) Read(target []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	for {
		if p.closeErr != nil {
			return 0, p.closeErr
		}
		if p.closed && p.buf.Len() == 0 {
			return 0, io.EOF
		}
		if !p.rDeadline.IsZero() {
			d := time.Until(p.rDeadline)
			if d <= 0 {
				return 0, ErrTimeout
			}
			time.AfterFunc(d, p.rwCond.Broadcast)
		}
		if p.buf.Len() > 0 {
			break
		}
		p.rwCond.Wait()
	}
	n, err := p.buf.Read(target)
	// err will always be nil because we have already verified that buf.Len() != 0
	p.rwCond.Broadcast()
	return n, err
}

func (p *bufferedPipe) Write(input []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	n, err := p.buf.Write(input)
	// err will always be nil
	p.rwCond.Broadcast()
	return n, err
}

// Len is the number of readable bytes currently buffered.
func (p *bufferedPipe) Len() int {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.Len()
}

// Close ends the pipe cleanly: pending and future reads drain the buffer and
// then see io.EOF.
func (p *bufferedPipe) Close() error {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.closed = true
	p.rwCond.Broadcast()
	return nil
}

// CloseWithError ends the pipe abnormally. The first call wins; a later
// CloseWithError or Close does not overwrite the recorded error.
func (p *bufferedPipe) CloseWithError(err error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	if !p.closed {
		p.closed = true
		p.closeErr = err
	}
	p.rwCond.Broadcast()
}

func (p *bufferedPipe) SetReadDeadline(t time.Time) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.rDeadline = t
	p.rwCond.Broadcast()
}
