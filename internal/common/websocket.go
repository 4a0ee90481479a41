package common

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn implements net.Conn over a websocket connection, making it
// binary- and byte-oriented so a multiplexer can sit directly on top of it.
// Each Write becomes one binary message; Read returns one whole message.
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex
}

var _ net.Conn = (*WebSocketConn)(nil)

func (ws *WebSocketConn) Write(data []byte) (int, error) {
	ws.writeM.Lock()
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	ws.writeM.Unlock()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (ws *WebSocketConn) Read(buf []byte) (n int, err error) {
	t, r, err := ws.NextReader()
	if err != nil {
		return 0, err
	}
	if t != websocket.BinaryMessage {
		return 0, nil
	}

	// Read until io.EOF for one full message
	for {
		var read int
		read, err = r.Read(buf[n:])
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			break
		}
		// there may be data left in the message but n == len(buf), so
		// read == 0 because the buffer is full
		if read == 0 {
			err = errors.New("nothing more is read. message may be larger than buffer")
			break
		}
		n += read
	}
	return
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	if err := ws.SetReadDeadline(t); err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}
