package multiplex

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestBufferedPipe_ReadBlocks(t *testing.T) {
	pipe := newBufferedPipe()
	done := make(chan []byte)
	go func() {
		buf := make([]byte, 16)
		n, err := pipe.Read(buf)
		if err != nil {
			t.Error(err)
		}
		done <- buf[:n]
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := pipe.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-done:
		if !bytes.Equal(got, []byte("hello")) {
			t.Errorf("got %q, want %q", got, "hello")
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("read did not wake up")
	}
}

func TestBufferedPipe_DrainThenEOF(t *testing.T) {
	pipe := newBufferedPipe()
	pipe.Write([]byte("residual"))
	pipe.Close()

	buf := make([]byte, 16)
	n, err := pipe.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte("residual")) {
		t.Errorf("got %q, %v", buf[:n], err)
	}
	_, err = pipe.Read(buf)
	if err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestBufferedPipe_CloseWithError(t *testing.T) {
	pipe := newBufferedPipe()
	pipe.Write([]byte("to be dropped"))
	pipe.CloseWithError(ErrStreamReset)

	_, err := pipe.Read(make([]byte, 16))
	if err != ErrStreamReset {
		t.Errorf("got %v, want ErrStreamReset", err)
	}

	t.Run("first error wins", func(t *testing.T) {
		pipe.CloseWithError(ErrStreamAborted)
		_, err := pipe.Read(make([]byte, 16))
		if err != ErrStreamReset {
			t.Errorf("got %v, want ErrStreamReset", err)
		}
	})

	t.Run("write after close", func(t *testing.T) {
		_, err := pipe.Write([]byte("late"))
		if err != io.ErrClosedPipe {
			t.Errorf("got %v, want io.ErrClosedPipe", err)
		}
	})
}

func TestBufferedPipe_Len(t *testing.T) {
	pipe := newBufferedPipe()
	if pipe.Len() != 0 {
		t.Errorf("fresh pipe Len() = %v", pipe.Len())
	}
	pipe.Write([]byte("abc"))
	pipe.Write([]byte("de"))
	if pipe.Len() != 5 {
		t.Errorf("Len() = %v, want 5", pipe.Len())
	}
	pipe.Read(make([]byte, 3))
	if pipe.Len() != 2 {
		t.Errorf("Len() = %v, want 2", pipe.Len())
	}
}

func TestBufferedPipe_ReadDeadline(t *testing.T) {
	pipe := newBufferedPipe()
	pipe.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	done := make(chan error)
	go func() {
		_, err := pipe.Read(make([]byte, 16))
		done <- err
	}()
	select {
	case err := <-done:
		if err != ErrTimeout {
			t.Errorf("got %v, want ErrTimeout", err)
		}
	case <-time.After(time.Second):
		t.Error("didn't timeout")
	}
}
