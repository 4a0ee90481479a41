package multiplex

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
)

func TestStream_Fragmentation(t *testing.T) {
	a, raw := rawEndpoint(MultiplexerConfig{MaxMsgSize: 100})
	defer a.Close(nil)
	tap := tapConn(raw)

	testData := make([]byte, 350)
	rand.Read(testData)

	stream, err := a.OpenStream("frag")
	if err != nil {
		t.Fatal(err)
	}
	n, err := stream.Write(testData)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(testData) {
		t.Errorf("Write() = %v, want %v", n, len(testData))
	}

	eventually(t, "fragments did not arrive", func() bool {
		return tap.countType(typeMessageInitiator) == 4
	})

	var concat []byte
	for _, f := range tap.snapshot() {
		if f.Type != typeMessageInitiator {
			continue
		}
		if f.Data.Len() > 100 {
			t.Errorf("fragment of %v bytes exceeds MaxMsgSize", f.Data.Len())
		}
		concat = append(concat, f.Data.Bytes()...)
	}
	if !bytes.Equal(concat, testData) {
		t.Error("fragments do not concatenate to the written bytes")
	}

	t.Run("empty write sends nothing", func(t *testing.T) {
		if _, err := stream.Write(nil); err != nil {
			t.Fatal(err)
		}
		if err := stream.CloseWrite(); err != nil {
			t.Fatal(err)
		}
		eventually(t, "close did not arrive", func() bool {
			return tap.countType(typeCloseInitiator) == 1
		})
		if got := tap.countType(typeMessageInitiator); got != 4 {
			t.Errorf("got %v message frames in total, want 4", got)
		}
	})
}

func TestStream_NewStreamNames(t *testing.T) {
	a, b := makeMuxPair(MultiplexerConfig{}, MultiplexerConfig{})
	defer a.Close(nil)
	defer b.Close(nil)

	t.Run("explicit name", func(t *testing.T) {
		if _, err := a.OpenStream("alpha"); err != nil {
			t.Fatal(err)
		}
		stream, err := b.Accept()
		if err != nil {
			t.Fatal(err)
		}
		if stream.Name() != "alpha" {
			t.Errorf("name %q, want %q", stream.Name(), "alpha")
		}
		if stream.ID() != "r0" {
			t.Errorf("external id %q, want %q", stream.ID(), "r0")
		}
	})

	t.Run("defaults to decimal id", func(t *testing.T) {
		opened, err := a.OpenStream("")
		if err != nil {
			t.Fatal(err)
		}
		if opened.Name() != "1" {
			t.Errorf("local name %q, want %q", opened.Name(), "1")
		}
		if opened.ID() != "i1" {
			t.Errorf("external id %q, want %q", opened.ID(), "i1")
		}
		stream, err := b.Accept()
		if err != nil {
			t.Fatal(err)
		}
		if stream.Name() != "1" {
			t.Errorf("peer name %q, want %q", stream.Name(), "1")
		}
	})
}

func TestStream_WriteAfterCloseWrite(t *testing.T) {
	a, b := makeMuxPair(MultiplexerConfig{}, MultiplexerConfig{})
	defer a.Close(nil)
	defer b.Close(nil)

	stream, err := a.OpenStream("")
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write([]byte("late")); err != ErrSinkEnded {
		t.Errorf("got %v, want ErrSinkEnded", err)
	}
	// closing the closed half again is a no-op
	if err := stream.CloseWrite(); err != nil {
		t.Errorf("repeated CloseWrite: got %v", err)
	}
}

func TestStream_HalfClose(t *testing.T) {
	a, b := makeMuxPair(MultiplexerConfig{}, MultiplexerConfig{})
	defer a.Close(nil)
	defer b.Close(nil)

	aStream, err := a.OpenStream("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := aStream.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if err := aStream.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	bStream, err := b.Accept()
	if err != nil {
		t.Fatal(err)
	}
	recvBuf := make([]byte, 4)
	if _, err := io.ReadFull(bStream, recvBuf); err != nil {
		t.Fatal(err)
	}
	if _, err := bStream.Read(recvBuf); err != io.EOF {
		t.Errorf("got %v, want io.EOF after the peer's half close", err)
	}

	// the other direction stays usable
	if _, err := bStream.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(aStream, recvBuf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(recvBuf, []byte("pong")) {
		t.Errorf("got %q, want %q", recvBuf, "pong")
	}

	bStream.Close()
	eventually(t, "streams were not removed after both sides closed", func() bool {
		return a.NumStreams() == 0 && b.NumStreams() == 0
	})
}

func TestStream_ResetByRemote(t *testing.T) {
	a, raw := rawEndpoint(MultiplexerConfig{})
	defer a.Close(nil)

	stream, err := a.OpenStream("")
	if err != nil {
		t.Fatal(err)
	}
	writeRawFrame(t, raw, &Frame{ID: 0, Type: typeResetReceiver})

	eventually(t, "reset did not take effect", func() bool {
		_, err := stream.Read(make([]byte, 1))
		return err == ErrStreamReset
	})
	if _, err := stream.Write([]byte("x")); err != ErrStreamReset {
		t.Errorf("Write: got %v, want ErrStreamReset", err)
	}
	if stream.EndError() != ErrStreamReset {
		t.Errorf("EndError() = %v, want ErrStreamReset", stream.EndError())
	}
	eventually(t, "reset stream still registered", func() bool {
		return a.NumStreams() == 0
	})
	if a.IsClosed() {
		t.Error("a stream reset must not kill the session")
	}
}

func TestStream_AbortSendsNothing(t *testing.T) {
	a, raw := rawEndpoint(MultiplexerConfig{})
	tap := tapConn(raw)

	stream, err := a.OpenStream("")
	if err != nil {
		t.Fatal(err)
	}
	stream.Abort(nil)

	if stream.EndError() != ErrStreamAborted {
		t.Errorf("EndError() = %v, want ErrStreamAborted", stream.EndError())
	}
	if _, err := stream.Read(make([]byte, 1)); err != ErrStreamAborted {
		t.Errorf("Read: got %v, want ErrStreamAborted", err)
	}

	// close the transport so the tap sees everything that was ever sent
	a.Close(nil)
	eventually(t, "transport did not drain", func() bool {
		return tap.closed()
	})
	for _, f := range tap.snapshot() {
		if f.Type != typeNewStream {
			t.Errorf("abort leaked a %v frame to the peer", frameTypeName(f.Type))
		}
	}
}

func TestStream_DoubleSink(t *testing.T) {
	a, _ := rawEndpoint(MultiplexerConfig{})
	defer a.Close(nil)

	stream, err := a.OpenStream("")
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.start(); err != ErrDoubleSink {
		t.Errorf("got %v, want ErrDoubleSink", err)
	}
}

func TestStream_Deadlines(t *testing.T) {
	a, b := makeMuxPair(MultiplexerConfig{}, MultiplexerConfig{})
	defer a.Close(nil)
	defer b.Close(nil)

	stream, err := a.OpenStream("")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("read deadline", func(t *testing.T) {
		stream.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		done := make(chan error)
		go func() {
			_, err := stream.Read(make([]byte, 1))
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
	})

	t.Run("write deadline", func(t *testing.T) {
		stream.SetWriteDeadline(time.Now().Add(-time.Second))
		if _, err := stream.Write([]byte("x")); err != ErrTimeout {
			t.Errorf("got %v, want ErrTimeout", err)
		}
		stream.SetWriteDeadline(time.Time{})
		if _, err := stream.Write([]byte("x")); err != nil {
			t.Errorf("after clearing the deadline: %v", err)
		}
	})
}

func BenchmarkStream_Write(b *testing.B) {
	hole := connutil.Discard()
	sesh := MakeMultiplexer(hole, MultiplexerConfig{Label: "bench"})
	defer sesh.Close(nil)

	const testDataLen = 65536
	testData := make([]byte, testDataLen)
	rand.Read(testData)

	stream, err := sesh.OpenStream("")
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(testDataLen)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		stream.Write(testData)
	}
}
